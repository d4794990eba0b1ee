// Package background implements BackgroundTaskManager (§4.7): long-running
// shell and subagent tasks tracked outside the turn loop, queryable and
// stoppable independent of the conversation that started them.
package background

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/waveterm-ai/wave/internal/event"
	"github.com/waveterm-ai/wave/internal/logging"
)

// Type distinguishes what a Task wraps.
type Type string

const (
	TypeShell    Type = "shell"
	TypeSubagent Type = "subagent"
)

// Status is a Task's lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusKilled    Status = "killed"
)

// Task is one tracked background unit of work.
type Task struct {
	ID        string
	Type      Type
	Status    Status
	StartTime time.Time
	EndTime   time.Time
	ExitCode  int

	mu     sync.Mutex
	stdout strings.Builder
	stderr strings.Builder

	cmd *exec.Cmd

	// SubagentID/abort are set for TypeSubagent tasks; Manager only tracks
	// identity and status here — SubagentSupervisor owns the actual instance.
	SubagentID string
	abort      func()
}

func (t *Task) appendStdout(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stdout.WriteString(line)
	t.stdout.WriteByte('\n')
}

func (t *Task) appendStderr(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stderr.WriteString(line)
	t.stderr.WriteByte('\n')
}

// Output returns a snapshot of stdout and stderr, each optionally filtered
// to lines matching re. A nil re returns both unfiltered; GetOutput is
// where an invalid pattern falls back to unfiltered output (§4.7 getOutput).
func (t *Task) Output(re *regexp.Regexp) (stdout, stderr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if re == nil {
		return t.stdout.String(), t.stderr.String()
	}
	return filterLines(t.stdout.String(), re), filterLines(t.stderr.String(), re)
}

func filterLines(s string, re *regexp.Regexp) string {
	lines := strings.Split(s, "\n")
	var kept []string
	for _, l := range lines {
		if re.MatchString(l) {
			kept = append(kept, l)
		}
	}
	return strings.Join(kept, "\n")
}

// Manager tracks background tasks by monotonic id (§4.7).
type Manager struct {
	mu      sync.Mutex
	tasks   map[string]*Task
	counter int64
	workDir string
}

// New creates an empty Manager rooted at workDir (used as the shell's cwd).
func New(workDir string) *Manager {
	return &Manager{tasks: make(map[string]*Task), workDir: workDir}
}

func (m *Manager) nextID() string {
	n := atomic.AddInt64(&m.counter, 1)
	return fmt.Sprintf("task_%d", n)
}

// StartShell spawns cmd in its own process group, piping stdout/stderr into
// the Task's buffers line by line, and returns immediately with the running
// Task. A zero timeout means no wall-clock limit.
func (m *Manager) StartShell(cmdStr string, timeout time.Duration) (*Task, error) {
	ctx, cancel := context.WithCancel(context.Background())
	var cmdCtx context.Context
	var timeoutCancel context.CancelFunc
	if timeout > 0 {
		cmdCtx, timeoutCancel = context.WithTimeout(ctx, timeout)
	} else {
		cmdCtx, timeoutCancel = ctx, func() {}
	}

	cmd := exec.CommandContext(cmdCtx, "/bin/sh", "-c", cmdStr)
	cmd.Dir = m.workDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		timeoutCancel()
		return nil, fmt.Errorf("background: stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		timeoutCancel()
		return nil, fmt.Errorf("background: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		timeoutCancel()
		return nil, fmt.Errorf("background: start: %w", err)
	}

	id := m.nextID()
	task := &Task{ID: id, Type: TypeShell, Status: StatusRunning, StartTime: time.Now(), cmd: cmd, abort: cancel}

	m.mu.Lock()
	m.tasks[id] = task
	m.mu.Unlock()

	go streamLines(stdoutPipe, task.appendStdout)
	go streamLines(stderrPipe, task.appendStderr)

	go func() {
		err := cmd.Wait()
		timeoutCancel()
		task.mu.Lock()
		task.EndTime = time.Now()
		task.mu.Unlock()

		switch {
		case cmdCtx.Err() == context.DeadlineExceeded:
			task.Status = StatusKilled
		case err == nil:
			task.Status = StatusCompleted
			task.ExitCode = 0
		default:
			if exitErr, ok := err.(*exec.ExitError); ok {
				task.ExitCode = exitErr.ExitCode()
				if cmdCtx.Err() != nil {
					task.Status = StatusKilled
				} else {
					task.Status = StatusFailed
				}
			} else {
				task.Status = StatusFailed
			}
		}
		event.Publish(event.Event{
			Type: event.BackgroundTaskUpdated,
			Data: event.BackgroundTaskUpdatedData{TaskID: id, Status: string(task.Status)},
		})
	}()

	return task, nil
}

func streamLines(r io.Reader, sink func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		sink(scanner.Text())
	}
}

// TrackSubagent registers a running subagent instance as a background task.
// abort is invoked by StopTask; the supervisor is responsible for calling
// Complete with the terminal status once the child loop terminates.
func (m *Manager) TrackSubagent(subagentID string, abort func()) *Task {
	id := m.nextID()
	task := &Task{ID: id, Type: TypeSubagent, Status: StatusRunning, StartTime: time.Now(), SubagentID: subagentID, abort: abort}
	m.mu.Lock()
	m.tasks[id] = task
	m.mu.Unlock()
	return task
}

// Complete marks a subagent task terminal. No-op on shell tasks (whose
// completion is driven by their own goroutine) or already-terminal tasks.
func (m *Manager) Complete(id string, status Status) {
	m.mu.Lock()
	task, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok || task.Type != TypeSubagent || isTerminal(task.Status) {
		return
	}
	task.EndTime = time.Now()
	task.Status = status
	event.Publish(event.Event{
		Type: event.BackgroundTaskUpdated,
		Data: event.BackgroundTaskUpdatedData{TaskID: id, Status: string(status)},
	})
}

func isTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusKilled
}

// Get returns a task by id.
func (m *Manager) Get(id string) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	return t, ok
}

// StopTask is idempotent on already-terminal tasks (§4.7).
func (m *Manager) StopTask(id string) error {
	m.mu.Lock()
	task, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("background: unknown task %s", id)
	}
	if isTerminal(task.Status) {
		return nil
	}
	if task.cmd != nil && task.cmd.Process != nil {
		syscall.Kill(-task.cmd.Process.Pid, syscall.SIGKILL)
	}
	if task.abort != nil {
		task.abort()
	}
	if task.Type == TypeSubagent {
		task.Status = StatusKilled
		task.EndTime = time.Now()
	}
	return nil
}

// GetOutput filters a task's stdout/stderr by an optional regex pattern;
// an invalid pattern falls back to unfiltered output.
func (m *Manager) GetOutput(id, pattern string) (stdout, stderr string, err error) {
	task, ok := m.Get(id)
	if !ok {
		return "", "", fmt.Errorf("background: unknown task %s", id)
	}
	if pattern == "" {
		stdout, stderr = task.Output(nil)
		return stdout, stderr, nil
	}
	re, reErr := regexp.Compile(pattern)
	if reErr != nil {
		logging.Logger.Warn().Err(reErr).Str("pattern", pattern).Msg("background: invalid filter regex, returning unfiltered output")
		stdout, stderr = task.Output(nil)
		return stdout, stderr, nil
	}
	stdout, stderr = task.Output(re)
	return stdout, stderr, nil
}

// List returns a snapshot of all tracked tasks.
func (m *Manager) List() []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	return out
}

// Cleanup clears all tracked tasks (§4.7), without stopping any still
// running — callers are expected to StopTask first if that's intended.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = make(map[string]*Task)
}

// ParseID validates a "task_N" identifier and returns N.
func ParseID(id string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimPrefix(id, "task_"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("background: malformed task id %q", id)
	}
	return n, nil
}

// Package hook runs external commands at turn-loop lifecycle events and
// interprets their exit codes as block/inject decisions (spec component
// HookManager).
package hook

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/waveterm-ai/wave/internal/logging"
)

// Event identifies a lifecycle point the turn loop runs hooks at.
type Event string

const (
	UserPromptSubmit Event = "UserPromptSubmit"
	PreToolUse       Event = "PreToolUse"
	PostToolUse      Event = "PostToolUse"
	Stop             Event = "Stop"
	SubagentStop      Event = "SubagentStop"
	Notification     Event = "Notification"
)

// toolScoped is the set of events whose Group.Matcher is meaningful;
// non-tool events must not carry one (§4.3).
var toolScoped = map[Event]bool{PreToolUse: true, PostToolUse: true}

// Command is one configured hook invocation.
type Command struct {
	Type    string `json:"type"` // always "command"
	Command string `json:"command"`
	Timeout int    `json:"timeout,omitempty"` // seconds; 0 means DefaultTimeout
}

// Group is one matcher-scoped set of hook commands.
type Group struct {
	Matcher *string   `json:"matcher,omitempty"`
	Hooks   []Command `json:"hooks"`
}

// Config is the full hook configuration, keyed by event.
type Config map[Event][]Group

// DefaultTimeout is applied to a Command with no explicit timeout.
const DefaultTimeout = 60 * time.Second

// Result is one command's execution outcome.
type Result struct {
	Command  string
	Success  bool
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool
	// SpawnError is set when the command could not even be started
	// (transport failure, distinct from a non-zero exit).
	SpawnError error
}

// Manager runs hook commands and interprets their results.
type Manager struct {
	cfg     Config
	workDir string
}

// New creates a Manager over a validated Config.
func New(cfg Config, workDir string) *Manager {
	if cfg == nil {
		cfg = Config{}
	}
	return &Manager{cfg: cfg, workDir: workDir}
}

// matches reports whether a group applies to this invocation. Non-tool
// events always match (no matcher permitted); tool events match when no
// matcher is configured, or when the matcher (exact or glob) matches name.
func (g Group) matches(event Event, toolName string) bool {
	if !toolScoped[event] {
		return true
	}
	if g.Matcher == nil || *g.Matcher == "" {
		return true
	}
	if *g.Matcher == toolName {
		return true
	}
	ok, _ := doublestar.Match(*g.Matcher, toolName)
	return ok
}

// Run spawns every hook command configured for event whose group matches
// toolName (ignored for non-tool events), all in parallel, each bounded by
// its own timeout, and returns their raw results.
func (m *Manager) Run(ctx context.Context, event Event, toolName string, env map[string]string) []Result {
	var groups []Group
	for _, g := range m.cfg[event] {
		if g.matches(event, toolName) {
			groups = append(groups, g)
		}
	}
	if len(groups) == 0 {
		return nil
	}

	var cmds []Command
	for _, g := range groups {
		cmds = append(cmds, g.Hooks...)
	}

	results := make([]Result, len(cmds))
	var wg sync.WaitGroup
	for i, c := range cmds {
		wg.Add(1)
		go func(i int, c Command) {
			defer wg.Done()
			results[i] = m.runOne(ctx, c, env)
		}(i, c)
	}
	wg.Wait()
	return results
}

func (m *Manager) runOne(ctx context.Context, c Command, env map[string]string) Result {
	timeout := DefaultTimeout
	if c.Timeout > 0 {
		timeout = time.Duration(c.Timeout) * time.Second
	}

	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	shell := "/bin/sh"
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(cmdCtx, "cmd.exe", "/c", c.Command)
	} else {
		cmd = exec.CommandContext(cmdCtx, shell, "-c", c.Command)
	}
	cmd.Dir = m.workDir
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if runtime.GOOS != "windows" {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	timedOut := cmdCtx.Err() == context.DeadlineExceeded
	if timedOut && cmd.Process != nil && runtime.GOOS != "windows" {
		syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	res := Result{Command: c.Command, Stdout: stdout.String(), Stderr: stderr.String(), Duration: duration, TimedOut: timedOut}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
			res.Success = res.ExitCode == 0
			return res
		}
		if timedOut {
			res.Success = false
			res.ExitCode = -1
			return res
		}
		// Spawn failure: "unexpected execution error" per §4.3/§7.
		res.SpawnError = err
		res.Success = false
		logging.Logger.Warn().Err(err).Str("command", c.Command).Msg("hook: spawn failed")
		return res
	}

	res.Success = true
	return res
}

// Outcome is the turn-loop-facing interpretation of a hook run, folding
// the per-event table in §4.3 into a single decision shape.
type Outcome struct {
	Block       bool   // PreToolUse: skip the tool; UserPromptSubmit: block the turn
	Restart     bool   // Stop/SubagentStop: restart the loop instead of terminating
	InjectText  string // text to surface as a new message (role/source depends on event)
	BlockReason string // message attached to the error/info block
}

// Interpret applies the §4.3 result table to a batch of Results for event.
// PostToolUse always folds stdout in regardless of exit code (its exit=2
// row is explicitly non-blocking); the other events treat exit=2 as
// blocking and take the first such result.
func Interpret(event Event, results []Result) Outcome {
	if event == PostToolUse {
		for _, r := range results {
			if r.Stdout != "" {
				return Outcome{InjectText: r.Stdout}
			}
		}
		return Outcome{}
	}

	for _, r := range results {
		if r.ExitCode != 2 {
			continue
		}
		switch event {
		case UserPromptSubmit:
			return Outcome{Block: true, BlockReason: firstNonEmpty(r.Stderr, "blocked by hook")}
		case PreToolUse:
			return Outcome{Block: true, BlockReason: "hook blocked"}
		case Stop, SubagentStop:
			return Outcome{Restart: true, InjectText: r.Stderr}
		case Notification:
			return Outcome{BlockReason: r.Stderr}
		}
	}

	if event == UserPromptSubmit {
		for _, r := range results {
			if r.Success && r.Stdout != "" {
				return Outcome{InjectText: r.Stdout}
			}
		}
	}

	// Non-2 failures surface as an advisory error block without blocking.
	for _, r := range results {
		if !r.Success && r.ExitCode != 2 {
			msg := r.Stderr
			if r.SpawnError != nil {
				msg = r.SpawnError.Error()
			}
			return Outcome{BlockReason: msg}
		}
	}
	return Outcome{}
}

func firstNonEmpty(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}

// Package tasklist implements the TaskManager named by SubagentSupervisor
// (spec component table, §4.6/§4.7): a small keyed-by-id task registry
// shared between a parent session and its subagents when they agree on a
// list id, persisted through the same flat key-value Storage the rest of
// the engine uses for non-journal state.
package tasklist

import (
	"context"
	"os"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/waveterm-ai/wave/internal/event"
	"github.com/waveterm-ai/wave/internal/storage"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Task is one TODO item surfaced to the model and, transitively, the user.
type Task struct {
	ID         string `json:"id"`
	Content    string `json:"content"`
	ActiveForm string `json:"activeForm,omitempty"`
	Status     Status `json:"status"`
}

// EnvListID is read once per ResolveListID call so tests can set/unset it
// without needing a process restart.
const EnvListID = "WAVE_TASK_LIST_ID"

// ResolveListID implements §6's pinning rule: WAVE_TASK_LIST_ID, when set,
// pins the list id across /clear (which otherwise rotates it to the new
// root session id).
func ResolveListID(rootSessionID string) string {
	if pinned := os.Getenv(EnvListID); pinned != "" {
		return pinned
	}
	return rootSessionID
}

// Manager is a single in-memory task list backed by storage, matching the
// §5 "TaskManager: single in-memory store; writes emit a tasksChange
// event" shared-resource policy.
type Manager struct {
	mu     sync.Mutex
	store  *storage.Storage
	listID string
	tasks  []*Task
}

// New loads (or initializes empty) the task list for listID.
func New(store *storage.Storage, listID string) *Manager {
	m := &Manager{store: store, listID: listID}
	var tasks []*Task
	if err := store.Get(context.Background(), []string{"tasklist", listID}, &tasks); err == nil {
		m.tasks = tasks
	}
	return m
}

// ListID returns the list this manager reads and writes.
func (m *Manager) ListID() string {
	return m.listID
}

// List returns a snapshot of the current tasks, in order.
func (m *Manager) List() []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Task, len(m.tasks))
	copy(out, m.tasks)
	return out
}

// Replace sets the full task list (the model typically rewrites the whole
// list on every TodoWrite-style call rather than patching individual
// entries). Missing ids get a fresh ULID.
func (m *Manager) Replace(ctx context.Context, tasks []*Task) error {
	m.mu.Lock()
	for _, t := range tasks {
		if t.ID == "" {
			t.ID = ulid.Make().String()
		}
		if t.Status == "" {
			t.Status = StatusPending
		}
	}
	m.tasks = tasks
	snapshot := make([]*Task, len(tasks))
	copy(snapshot, tasks)
	listID := m.listID
	m.mu.Unlock()

	if err := m.store.Put(ctx, []string{"tasklist", listID}, snapshot); err != nil {
		return err
	}
	event.Publish(event.Event{
		Type: event.TaskListUpdated,
		Data: event.TaskListUpdatedData{ListID: listID, Tasks: snapshot},
	})
	return nil
}

// SetStatus updates one task's status in place, no-op if id is unknown.
func (m *Manager) SetStatus(ctx context.Context, id string, status Status) error {
	m.mu.Lock()
	var found bool
	for _, t := range m.tasks {
		if t.ID == id {
			t.Status = status
			found = true
			break
		}
	}
	snapshot := make([]*Task, len(m.tasks))
	copy(snapshot, m.tasks)
	listID := m.listID
	m.mu.Unlock()

	if !found {
		return nil
	}
	if err := m.store.Put(ctx, []string{"tasklist", listID}, snapshot); err != nil {
		return err
	}
	event.Publish(event.Event{
		Type: event.TaskListUpdated,
		Data: event.TaskListUpdatedData{ListID: listID, Tasks: snapshot},
	})
	return nil
}

// Registry is a process-wide map from list id to Manager, letting a parent
// session and a subagent share the same list when their tool context
// agrees on main_session_id (§4.6).
type Registry struct {
	mu       sync.Mutex
	store    *storage.Storage
	managers map[string]*Manager
}

// NewRegistry creates an empty registry backed by store.
func NewRegistry(store *storage.Storage) *Registry {
	return &Registry{store: store, managers: make(map[string]*Manager)}
}

// Get returns (creating if necessary) the Manager for listID.
func (r *Registry) Get(listID string) *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.managers[listID]; ok {
		return m
	}
	m := New(r.store, listID)
	r.managers[listID] = m
	return m
}

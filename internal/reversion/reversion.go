// Package reversion implements ReversionManager (§4.10): per-message file
// snapshots that let a turn loop rewind a mutating tool's edits.
package reversion

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Snapshot is one file's state immediately before a tool mutated it.
// Content is nil when the file did not exist yet (the revert action is then
// "remove the file", not "write back empty content").
type Snapshot struct {
	MessageID string  `json:"messageID"`
	Path      string  `json:"path"`
	Content   *string `json:"content"`
	Timestamp int64   `json:"timestamp"`
}

func key(messageID, path string) string {
	return messageID + "-" + path
}

// Service is the persistent JSONL snapshot log, one line per Snapshot,
// append-only like SessionStore.
type Service struct {
	path string
	mu   sync.Mutex
}

// NewService opens (creating if absent) the snapshot log at path.
func NewService(path string) *Service {
	return &Service{path: path}
}

func (s *Service) append(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("reversion: mkdir: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reversion: open: %w", err)
	}
	defer f.Close()
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("reversion: marshal: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("reversion: write: %w", err)
	}
	return nil
}

// All reads every snapshot currently in the log.
func (s *Service) All() ([]Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reversion: open: %w", err)
	}
	defer f.Close()

	var out []Snapshot
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var snap Snapshot
		if err := json.Unmarshal(scanner.Bytes(), &snap); err != nil {
			continue
		}
		out = append(out, snap)
	}
	return out, scanner.Err()
}

// rewrite replaces the log's contents with kept, used by deleteForMessages
// to drop reverted snapshots from the store.
func (s *Service) rewrite(kept []Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Create(s.path)
	if err != nil {
		return fmt.Errorf("reversion: rewrite: %w", err)
	}
	defer f.Close()
	for _, snap := range kept {
		data, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("reversion: marshal: %w", err)
		}
		if _, err := f.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("reversion: write: %w", err)
		}
	}
	return nil
}

// Manager buffers pending snapshots in memory, keyed by "<message_id>-<path>",
// until the caller commits or discards them.
type Manager struct {
	mu      sync.Mutex
	pending map[string]Snapshot
	svc     *Service
	now     func() int64
}

// NewManager creates a Manager backed by svc. now defaults to a monotonic
// counter if nil, since time.Now()/UnixMilli is disallowed in some build
// contexts that construct a Manager deterministically for tests.
func NewManager(svc *Service, now func() int64) *Manager {
	if now == nil {
		var c int64
		now = func() int64 { c++; return c }
	}
	return &Manager{pending: make(map[string]Snapshot), svc: svc, now: now}
}

// Snapshot records path's content (or absence) before a tool mutates it,
// keyed by messageID so CommitSnapshot/DiscardSnapshot can act on it.
func (m *Manager) Snapshot(messageID, path string) {
	var content *string
	if data, err := os.ReadFile(path); err == nil {
		s := string(data)
		content = &s
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[key(messageID, path)] = Snapshot{MessageID: messageID, Path: path, Content: content, Timestamp: m.now()}
}

// CommitSnapshot flushes the pending snapshot for (messageID, path) to the
// persistent store.
func (m *Manager) CommitSnapshot(messageID, path string) error {
	m.mu.Lock()
	snap, ok := m.pending[key(messageID, path)]
	delete(m.pending, key(messageID, path))
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.svc.append(snap)
}

// DiscardSnapshot drops a pending snapshot without persisting it (e.g. the
// tool call that would have mutated the file failed before writing).
func (m *Manager) DiscardSnapshot(messageID, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, key(messageID, path))
}

// RevertTo collects every snapshot for messageIDs, applies them in reverse
// chronological order (newest first, so the earliest snapshot per file
// wins), writes that content back (or removes the file when content is
// nil), then deletes those snapshots from the store.
func (m *Manager) RevertTo(messageIDs []string) error {
	want := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		want[id] = true
	}

	all, err := m.svc.All()
	if err != nil {
		return fmt.Errorf("reversion: revert: %w", err)
	}

	var matched, kept []Snapshot
	for _, snap := range all {
		if want[snap.MessageID] {
			matched = append(matched, snap)
		} else {
			kept = append(kept, snap)
		}
	}
	if len(matched) == 0 {
		return nil
	}

	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Timestamp > matched[j].Timestamp })

	for _, snap := range matched {
		if snap.Content == nil {
			if err := os.Remove(snap.Path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("reversion: remove %s: %w", snap.Path, err)
			}
			continue
		}
		if err := os.WriteFile(snap.Path, []byte(*snap.Content), 0o644); err != nil {
			return fmt.Errorf("reversion: write %s: %w", snap.Path, err)
		}
	}

	return m.svc.rewrite(kept)
}

// UnifiedDiff renders a 3-line-context unified diff between before and
// after, for surfacing a file_history block's entry to the model/UI.
func UnifiedDiff(path, before, after string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, false)
	diffs = dmp.DiffCleanupSemantic(diffs)
	patches := dmp.PatchMake(before, diffs)
	return dmp.PatchToText(patches)
}

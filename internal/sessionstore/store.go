// Package sessionstore is the append-only JSONL journal of conversation
// threads (spec component SessionStore): one file per session, one JSON
// object per line, messages are never rewritten in place.
package sessionstore

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/waveterm-ai/wave/internal/storage"
	"github.com/waveterm-ai/wave/pkg/types"
)

// ErrNotFound mirrors storage.ErrNotFound for callers that only depend on
// this package.
var ErrNotFound = storage.ErrNotFound

// metaRecord is the first line of a session file.
type metaRecord struct {
	Type            string  `json:"type"` // always "meta"
	ID              string  `json:"id"`
	Workdir         string  `json:"workdir"`
	ParentSessionID *string `json:"parentSessionID,omitempty"`
	RootSessionID   string  `json:"rootSessionID"`
	StartedAt       int64   `json:"startedAt"`
}

// messageRecord is every subsequent line.
type messageRecord struct {
	Role             types.Role     `json:"role"`
	Blocks           types.Blocks   `json:"blocks"`
	Source           types.Source   `json:"source,omitempty"`
	AdditionalFields map[string]any `json:"additionalFields,omitempty"`
	ID               string         `json:"id,omitempty"`
	CreatedAt        int64          `json:"createdAt,omitempty"`
}

// Store is one directory per workdir (encoded as a filesystem-safe name),
// each holding one JSONL file per session, named by session UUID.
type Store struct {
	baseDir string

	mu    sync.Mutex
	locks map[string]*storage.FileLock
}

// New creates a Store rooted at baseDir (usually ~/.local/share/wave/session
// or similar, supplied by the caller's config layer).
func New(baseDir string) *Store {
	return &Store{baseDir: baseDir, locks: make(map[string]*storage.FileLock)}
}

func encodeWorkdir(workdir string) string {
	return strings.ReplaceAll(strings.TrimPrefix(workdir, "/"), "/", "-")
}

func (s *Store) sessionPath(workdir, sessionID string) string {
	return filepath.Join(s.baseDir, encodeWorkdir(workdir), sessionID+".jsonl")
}

func (s *Store) lockFor(path string) *storage.FileLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[path]
	if !ok {
		l = storage.NewFileLock(path)
		s.locks[path] = l
	}
	return l
}

// GenerateSessionID returns a fresh UUID v4, per spec §4.4.
func GenerateSessionID() string {
	return uuid.NewString()
}

// AppendMessages appends only the messages in newMessages (the caller is
// responsible for slicing to the unsaved suffix — invariant 4). It creates
// the file, writing the meta record first, if the file does not yet exist.
func (s *Store) AppendMessages(session *types.Session, newMessages []*types.Message) error {
	path := s.sessionPath(session.Workdir, session.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("sessionstore: mkdir: %w", err)
	}

	lock := s.lockFor(path)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("sessionstore: lock: %w", err)
	}
	defer lock.Unlock()

	needsMeta := false
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		needsMeta = true
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("sessionstore: open: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if needsMeta {
		meta := metaRecord{
			Type:            "meta",
			ID:              session.ID,
			Workdir:         session.Workdir,
			ParentSessionID: session.ParentSessionID,
			RootSessionID:   session.RootSessionID,
			StartedAt:       session.LastActiveAt,
		}
		if err := writeJSONLine(w, meta); err != nil {
			return err
		}
	}

	for _, m := range newMessages {
		rec := messageRecord{
			Role: m.Role, Blocks: m.Blocks, Source: m.Source,
			AdditionalFields: m.AdditionalFields, ID: m.ID, CreatedAt: m.CreatedAt,
		}
		if err := writeJSONLine(w, rec); err != nil {
			return err
		}
	}

	return w.Flush()
}

func writeJSONLine(w *bufio.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("sessionstore: marshal: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("sessionstore: write: %w", err)
	}
	return w.WriteByte('\n')
}

// LoadSession parses a single session file into a *types.Session with its
// Messages populated (and MessagesSavedCount set to len(Messages), since
// everything on disk is by definition already saved).
func (s *Store) LoadSession(workdir, sessionID string) (*types.Session, error) {
	path := s.sessionPath(workdir, sessionID)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("sessionstore: open: %w", err)
	}
	defer f.Close()

	sess := &types.Session{ID: sessionID, Workdir: workdir}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	first := true
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if first {
			first = false
			var meta metaRecord
			if err := json.Unmarshal(line, &meta); err == nil && meta.Type == "meta" {
				sess.ParentSessionID = meta.ParentSessionID
				sess.RootSessionID = meta.RootSessionID
				sess.LastActiveAt = meta.StartedAt
				if sess.RootSessionID == "" {
					sess.RootSessionID = sessionID
				}
				continue
			}
			// Not a meta line: fall through, treat as a message record.
		}

		var rec messageRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			// Forward-compatible: skip lines we cannot parse rather than
			// fail the whole load.
			continue
		}
		sess.Messages = append(sess.Messages, &types.Message{
			ID: rec.ID, SessionID: sessionID, Role: rec.Role, Blocks: rec.Blocks,
			Source: rec.Source, AdditionalFields: rec.AdditionalFields, CreatedAt: rec.CreatedAt,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("sessionstore: scan: %w", err)
	}

	if sess.RootSessionID == "" {
		sess.RootSessionID = sessionID
	}
	sess.MessagesSavedCount = len(sess.Messages)
	return sess, nil
}

// LoadFullThread walks the ParentSessionID chain from the oldest ancestor
// down to sessionID and concatenates their messages, dropping each child
// session's leading compress block from the visible list (but the per-
// session record, as loaded via LoadSession, still carries it).
func (s *Store) LoadFullThread(workdir, sessionID string) ([]*types.Message, error) {
	var chain []*types.Session
	cur := sessionID
	for cur != "" {
		sess, err := s.LoadSession(workdir, cur)
		if err != nil {
			return nil, err
		}
		chain = append(chain, sess)
		if sess.ParentSessionID == nil {
			break
		}
		cur = *sess.ParentSessionID
	}

	// chain is child-to-ancestor order; reverse to ancestor-to-child.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}

	var out []*types.Message
	for i, sess := range chain {
		msgs := sess.Messages
		if i > 0 && len(msgs) > 0 && len(msgs[0].Blocks) > 0 {
			if _, ok := msgs[0].Blocks[0].(*types.CompressBlock); ok {
				msgs = msgs[1:]
			}
		}
		out = append(out, msgs...)
	}
	return out, nil
}

// Package types provides the core data types for the wave agent engine.
package types

// Session is a conversation thread. It is identified by a UUID and forms a
// linear ancestor chain through ParentSessionID after compression or fork;
// RootSessionID is stable across the whole chain.
type Session struct {
	ID              string  `json:"id"`
	ParentSessionID *string `json:"parentSessionID,omitempty"`
	RootSessionID   string  `json:"rootSessionID"`
	Workdir         string  `json:"workdir"`
	Title           string  `json:"title,omitempty"`

	LastActiveAt      int64 `json:"lastActiveAt"`
	LatestTotalTokens int   `json:"latestTotalTokens"`

	// Messages holds only the messages belonging to this session record
	// (not the full ancestor thread). The first message of a non-root
	// session is conventionally a compress block per invariant 5.
	Messages []*Message `json:"-"`

	// MessagesSavedCount tracks how many of Messages have already been
	// appended to the journal, so SessionStore.AppendMessages only writes
	// the suffix (invariant 4).
	MessagesSavedCount int `json:"-"`
}

// Clone returns a shallow copy of the session header (without messages),
// used when forking into a child session during compression.
func (s *Session) Clone() *Session {
	cp := *s
	cp.Messages = nil
	cp.MessagesSavedCount = 0
	return &cp
}

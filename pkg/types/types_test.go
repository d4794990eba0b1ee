package types

import (
	"encoding/json"
	"testing"
)

func TestSession_JSON(t *testing.T) {
	parent := "parent-session-1"
	sess := Session{
		ID:                "session-123",
		ParentSessionID:   &parent,
		RootSessionID:     "parent-session-1",
		Workdir:           "/home/user/project",
		Title:             "Test Session",
		LastActiveAt:      1700000000000,
		LatestTotalTokens: 4200,
	}

	data, err := json.Marshal(sess)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded Session
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.ID != sess.ID {
		t.Errorf("ID mismatch: got %s, want %s", decoded.ID, sess.ID)
	}
	if decoded.ParentSessionID == nil || *decoded.ParentSessionID != parent {
		t.Errorf("ParentSessionID mismatch: got %v", decoded.ParentSessionID)
	}
	if decoded.LatestTotalTokens != sess.LatestTotalTokens {
		t.Errorf("LatestTotalTokens mismatch: got %d, want %d", decoded.LatestTotalTokens, sess.LatestTotalTokens)
	}

	// Messages and MessagesSavedCount are journal bookkeeping, not wire fields.
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal to map failed: %v", err)
	}
	if _, ok := raw["Messages"]; ok {
		t.Error("Messages should not be serialized")
	}
}

func TestSession_ParentSessionIDOmittedWhenNil(t *testing.T) {
	sess := Session{ID: "session-456", RootSessionID: "session-456"}
	data, err := json.Marshal(sess)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var raw map[string]any
	json.Unmarshal(data, &raw)
	if _, ok := raw["parentSessionID"]; ok {
		t.Error("parentSessionID should be omitted when nil")
	}
}

func TestSession_Clone(t *testing.T) {
	sess := &Session{
		ID:                 "session-1",
		RootSessionID:      "session-1",
		Messages:           []*Message{{ID: "msg-1"}},
		MessagesSavedCount: 1,
	}

	clone := sess.Clone()
	if clone.ID != sess.ID {
		t.Errorf("ID mismatch: got %s, want %s", clone.ID, sess.ID)
	}
	if clone.Messages != nil {
		t.Error("Clone should drop Messages")
	}
	if clone.MessagesSavedCount != 0 {
		t.Error("Clone should reset MessagesSavedCount")
	}

	// Mutating the clone must not affect the original.
	clone.Title = "forked"
	if sess.Title == "forked" {
		t.Error("Clone should be an independent copy")
	}
}

func TestUsage_Total(t *testing.T) {
	read := 100
	create := 50
	u := Usage{TotalTokens: 1000, CacheReadInputTokens: &read, CacheCreationInputTokens: &create}
	if got, want := u.Total(), 1150; got != want {
		t.Errorf("Total() = %d, want %d", got, want)
	}

	u2 := Usage{TotalTokens: 500}
	if got, want := u2.Total(), 500; got != want {
		t.Errorf("Total() with no cache fields = %d, want %d", got, want)
	}
}

func TestMessage_JSON(t *testing.T) {
	msg := Message{
		ID:        "msg-123",
		SessionID: "session-456",
		Role:      RoleAssistant,
		Source:    SourceAgent,
		Blocks: Blocks{
			&TextBlock{Content: "hello"},
		},
		CreatedAt: 1700000000000,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.Role != RoleAssistant {
		t.Errorf("Role mismatch: got %s, want %s", decoded.Role, RoleAssistant)
	}
	if len(decoded.Blocks) != 1 {
		t.Fatalf("Blocks length mismatch: got %d, want 1", len(decoded.Blocks))
	}
	tb, ok := decoded.Blocks[0].(*TextBlock)
	if !ok {
		t.Fatalf("Blocks[0] type mismatch: got %T", decoded.Blocks[0])
	}
	if tb.Content != "hello" {
		t.Errorf("TextBlock.Content mismatch: got %s", tb.Content)
	}
}

func TestMessage_LastTextBlock(t *testing.T) {
	msg := Message{
		Blocks: Blocks{
			&TextBlock{Content: "first"},
			&ToolBlock{ID: "call-1", Name: "bash"},
			&TextBlock{Content: "second"},
		},
	}

	tb, idx := msg.LastTextBlock()
	if tb == nil || tb.Content != "second" {
		t.Fatalf("LastTextBlock() = %v, want content %q", tb, "second")
	}
	if idx != 2 {
		t.Errorf("LastTextBlock() index = %d, want 2", idx)
	}

	if rb, _ := msg.LastReasoningBlock(); rb != nil {
		t.Error("LastReasoningBlock() should be nil, no reasoning block present")
	}
}

func TestMessage_FindToolBlock(t *testing.T) {
	msg := Message{
		Blocks: Blocks{
			&ToolBlock{ID: "call-1", Name: "bash", Stage: ToolStageEnd},
			&ToolBlock{ID: "call-2", Name: "read", Stage: ToolStageRunning},
		},
	}

	tb, idx := msg.FindToolBlock("call-2")
	if tb == nil || tb.Name != "read" {
		t.Fatalf("FindToolBlock(call-2) = %v", tb)
	}
	if idx != 1 {
		t.Errorf("FindToolBlock(call-2) index = %d, want 1", idx)
	}

	if tb, _ := msg.FindToolBlock("missing"); tb != nil {
		t.Error("FindToolBlock(missing) should return nil")
	}
}

func TestBlocks_RoundTrip(t *testing.T) {
	result := "ok"
	blocks := Blocks{
		&TextBlock{Content: "intro"},
		&ReasoningBlock{Content: "thinking"},
		&ToolBlock{ID: "t1", Name: "bash", Stage: ToolStageEnd, Result: &result},
		&CompressBlock{Content: "summary of elided history"},
		&ErrorBlock{Content: "boom"},
		&InfoBlock{Content: "fyi"},
		&SubagentBlock{SubagentID: "sub-1", Name: "reviewer", SessionID: "session-2", Status: "active"},
		&FileHistoryBlock{Entries: []FileHistoryEntry{{Path: "main.go", MessageID: "msg-1", Existed: true}}},
	}

	data, err := json.Marshal(blocks)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded Blocks
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if len(decoded) != len(blocks) {
		t.Fatalf("length mismatch: got %d, want %d", len(decoded), len(blocks))
	}
	for i, b := range blocks {
		if decoded[i].BlockType() != b.BlockType() {
			t.Errorf("block %d type mismatch: got %s, want %s", i, decoded[i].BlockType(), b.BlockType())
		}
	}

	tb, ok := decoded[2].(*ToolBlock)
	if !ok || tb.Result == nil || *tb.Result != "ok" {
		t.Errorf("ToolBlock did not round-trip correctly: %+v", decoded[2])
	}
}

func TestUnmarshalBlock_UnknownTypeFallsBackToInfo(t *testing.T) {
	raw := []byte(`{"type":"future_block","content":"from a newer client"}`)
	b, err := UnmarshalBlock(raw)
	if err != nil {
		t.Fatalf("UnmarshalBlock failed: %v", err)
	}
	ib, ok := b.(*InfoBlock)
	if !ok {
		t.Fatalf("expected fallback to *InfoBlock, got %T", b)
	}
	if ib.Content == "" {
		t.Error("fallback InfoBlock should carry the raw payload")
	}
}

func TestProject_JSON(t *testing.T) {
	initialized := int64(1700000001000)
	proj := Project{
		ID:       "project-1",
		Worktree: "/home/user/project",
		VCS:      "git",
		Time: ProjectTime{
			Created:     1700000000000,
			Initialized: &initialized,
		},
	}

	data, err := json.Marshal(proj)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded Project
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.ID != proj.ID {
		t.Errorf("ID mismatch: got %s, want %s", decoded.ID, proj.ID)
	}
	if decoded.Time.Initialized == nil || *decoded.Time.Initialized != initialized {
		t.Errorf("Time.Initialized mismatch: got %v", decoded.Time.Initialized)
	}
}

package session

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/waveterm-ai/wave/internal/event"
	"github.com/waveterm-ai/wave/internal/provider"
	"github.com/waveterm-ai/wave/internal/sessionstore"
	"github.com/waveterm-ai/wave/pkg/types"
)

// CompressionSystemPrompt is the external-collaborator prompt used to ask
// the model to summarize the older portion of a conversation (§4.1.1).
const CompressionSystemPrompt = `You are summarizing a conversation between a user and an AI coding assistant so that it can continue with a compact history.

Produce a dense summary covering:
- What the user asked for and why
- Decisions made and their rationale
- Files read, written, or otherwise touched, and the current state of each
- Any unresolved questions or pending next steps

Write it as plain prose, not a transcript. Be exact about file paths, identifiers, and commands already run.`

// messagesToKeepAfterCompression is the fixed tail length preserved
// verbatim across a compaction boundary (§4.1.1).
const messagesToKeepAfterCompression = 3

// Compress implements §4.1.1: call the model over the older portion of the
// conversation with CompressionSystemPrompt, then fold the resulting
// summary into a fresh child session via CompressMessagesAndUpdateSession.
func Compress(ctx context.Context, mm *MessageManager, prov provider.Provider, modelID string) error {
	full, err := mm.LoadFullThread()
	if err != nil {
		return fmt.Errorf("session: compress: load thread: %w", err)
	}
	if len(full) <= messagesToKeepAfterCompression {
		return nil
	}

	older := full[:len(full)-messagesToKeepAfterCompression]
	wireMsgs := provider.ConvertToEinoMessages(older)
	wireMsgs = append([]*schema.Message{{Role: schema.System, Content: CompressionSystemPrompt}}, wireMsgs...)

	stream, err := prov.CreateCompletion(ctx, &provider.CompletionRequest{Model: modelID, Messages: wireMsgs})
	if err != nil {
		return fmt.Errorf("session: compress: model call: %w", err)
	}
	defer stream.Close()

	var summary strings.Builder
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("session: compress: stream: %w", err)
		}
		summary.WriteString(chunk.Content)
	}

	mm.CompressMessagesAndUpdateSession(summary.String())
	return nil
}

// CompressMessagesAndUpdateSession rotates the session id, preserving
// RootSessionID, and replaces the visible message list with a leading
// compress block plus the last messagesToKeepAfterCompression messages
// (invariant 3: compression is append-only in the visible thread).
func (mm *MessageManager) CompressMessagesAndUpdateSession(summary string) {
	mm.mu.Lock()
	oldSessionID := mm.sessionID
	tail := mm.messages
	if len(tail) > messagesToKeepAfterCompression {
		tail = tail[len(tail)-messagesToKeepAfterCompression:]
	}
	kept := make([]*types.Message, len(tail))
	copy(kept, tail)

	newID := sessionstore.GenerateSessionID()
	mm.parentSessionID = &oldSessionID
	mm.sessionID = newID

	compressMsg := &types.Message{
		ID:        sessionstore.GenerateSessionID(),
		SessionID: newID,
		Role:      types.RoleAssistant,
		Blocks:    types.Blocks{&types.CompressBlock{Content: summary}},
		CreatedAt: nowMillis(),
	}
	mm.messages = append([]*types.Message{compressMsg}, kept...)
	mm.messagesSavedCount = 0
	rootID, workDir := mm.rootSessionID, mm.workDir
	mm.mu.Unlock()

	event.PublishSync(event.Event{
		Type: event.SessionUpdated,
		Data: event.SessionUpdatedData{Info: &types.Session{
			ID: newID, ParentSessionID: &oldSessionID, RootSessionID: rootID, Workdir: workDir,
		}},
	})
}

package server

import (
	"context"
	"sync"

	"github.com/waveterm-ai/wave/internal/event"
	"github.com/waveterm-ai/wave/internal/permission"
)

// AskBroker bridges permission.AskFunc (an in-process blocking call made
// from inside AIManager.Send) to a client that can only answer over HTTP:
// it publishes a permission.updated event and parks the calling goroutine
// on a channel until respondPermission delivers an answer or the request's
// context is cancelled.
type AskBroker struct {
	mu      sync.Mutex
	pending map[string]chan permission.Response
}

// NewAskBroker creates an empty broker.
func NewAskBroker() *AskBroker {
	return &AskBroker{pending: make(map[string]chan permission.Response)}
}

// Ask implements permission.AskFunc.
func (b *AskBroker) Ask(ctx context.Context, req permission.Request) permission.Decision {
	ch := make(chan permission.Response, 1)
	b.mu.Lock()
	b.pending[req.ID] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, req.ID)
		b.mu.Unlock()
	}()

	event.Publish(event.Event{Type: event.PermissionRequired, Data: event.PermissionUpdatedData{
		ID:             req.ID,
		SessionID:      req.SessionID,
		PermissionType: string(req.Type),
		Pattern:        req.Pattern,
		Title:          req.Title,
	}})

	select {
	case resp := <-ch:
		event.Publish(event.Event{Type: event.PermissionResolved, Data: event.PermissionRepliedData{
			PermissionID: req.ID, SessionID: req.SessionID, Response: resp.Action,
		}})
		switch resp.Action {
		case "reject":
			return permission.Decision{Allow: false, Message: "rejected by user"}
		default:
			return permission.Decision{Allow: true}
		}
	case <-ctx.Done():
		return permission.Decision{Allow: false, Message: "request cancelled"}
	}
}

// Respond delivers a client's answer to the goroutine blocked in Ask.
// Returns false if requestID is unknown (already answered, or never asked).
func (b *AskBroker) Respond(resp permission.Response) bool {
	b.mu.Lock()
	ch, ok := b.pending[resp.RequestID]
	b.mu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}

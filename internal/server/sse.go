package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/waveterm-ai/wave/internal/event"
)

// sseHeartbeatInterval keeps idle connections (and the proxies between
// them) from timing out.
const sseHeartbeatInterval = 30 * time.Second

// allEvents streams every published event to the client, grounding the
// permission ask / hook notification transport and giving a UI the same
// live feed the in-process subscribers get.
func (s *Server) allEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := make(chan event.Event, 64)
	unsubscribe := event.SubscribeAll(func(ev event.Event) {
		select {
		case events <- ev:
		default:
			// Slow client; drop rather than block the publisher.
		}
	})
	defer unsubscribe()

	ticker := time.NewTicker(sseHeartbeatInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

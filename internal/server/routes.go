package server

import "github.com/go-chi/chi/v5"

// setupRoutes wires the minimal control surface: the global event stream,
// permission replies, subagent backgrounding, abort, and history rewind.
// Turn submission itself is driven in-process by the command that owns the
// session; headless `run` never needs an HTTP hop for its own session at all.
func (s *Server) setupRoutes() {
	r := s.router

	r.Get("/event", s.allEvents)

	r.Route("/session/{sessionID}", func(r chi.Router) {
		r.Post("/permission/{permissionID}", s.respondPermission)
		r.Post("/subagent/{subagentID}/background", s.backgroundSubagent)
		r.Post("/background", s.backgroundCurrentTask)
		r.Post("/abort", s.abortSession)
		r.Post("/rewind", s.rewindSession)
	})
}

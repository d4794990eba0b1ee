// Package server exposes the minimal HTTP control surface the runtime core
// needs a transport for: the event stream (SSE) and the permission
// ask_callback round trip (§4.2's AskFunc). It deliberately does not
// reimplement a full session/message CRUD API — every operation the
// ambient stack needs is already reachable in-process through AIManager
// and MessageManager; this package only carries what must cross a process
// boundary to reach a UI.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/waveterm-ai/wave/internal/executor"
	"github.com/waveterm-ai/wave/internal/foreground"
	"github.com/waveterm-ai/wave/internal/reversion"
	"github.com/waveterm-ai/wave/internal/session"
)

// Config holds server configuration.
type Config struct {
	Port         int
	Directory    string
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:         8080,
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // no write timeout, SSE streams hold the connection open
	}
}

// SessionHandle is everything one active turn loop needs exposed over HTTP.
type SessionHandle struct {
	Messages   *session.MessageManager
	AI         *session.AIManager
	Abort      *session.AbortHandle
	Reversion  *reversion.Manager
	Foreground *foreground.Stack
}

// Server is the HTTP control surface.
type Server struct {
	config *Config
	router *chi.Mux
	httpSrv *http.Server

	asks *AskBroker
	subs *executor.Supervisor

	mu       sync.Mutex
	sessions map[string]*SessionHandle
}

// New creates a Server wired to a shared AskBroker (the same one passed to
// permission.AskFunc when constructing each session's AIManager) and the
// subagent supervisor (for /session/{id}/subagent/{id}/background).
func New(cfg *Config, asks *AskBroker, subs *executor.Supervisor) *Server {
	r := chi.NewRouter()
	s := &Server{
		config:   cfg,
		router:   r,
		asks:     asks,
		subs:     subs,
		sessions: make(map[string]*SessionHandle),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// RegisterSession makes a turn loop reachable over HTTP for event
// publication and permission replies. Sessions created headlessly (via the
// run command) never call this; only `wave serve` does.
func (s *Server) RegisterSession(sessionID string, h *SessionHandle) {
	s.mu.Lock()
	s.sessions[sessionID] = h
	s.mu.Unlock()
}

// UnregisterSession drops a session handle once its turn loop exits.
func (s *Server) UnregisterSession(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
}

func (s *Server) getSessionHandle(id string) (*SessionHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.sessions[id]
	return h, ok
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router exposes the chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Package web serves the JSON API and the /ws change feed.
package web

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"homescript/internal/automation"
	"homescript/internal/coordinator"
	"homescript/internal/session"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithAutomation sets the automation engine and script manager.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// WithVersion sets the application version string.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// WithSessions shares a session manager with other subscribers.
func WithSessions(m *session.Manager) ServerOption {
	return func(s *Server) {
		s.sessions = m
	}
}

// WithTrackTimeout bounds POST /api/track requests that carry no timeout.
func WithTrackTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.trackTimeout = d
	}
}

// Server is the HTTP server.
type Server struct {
	coord          *coordinator.Coordinator
	sessions       *session.Manager
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	version        string
	trackTimeout   time.Duration
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates a new web server. Coordinator events are broadcast to
// every /ws client.
func NewServer(coord *coordinator.Coordinator, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		coord:        coord,
		logger:       logger.With("component", "web"),
		mux:          http.NewServeMux(),
		trackTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sessions == nil {
		s.sessions = session.NewManager(logger, 0)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	s.unsubEvents = coord.Events().OnAll(func(event coordinator.Event) {
		s.wsHub.Broadcast(event)
	})

	s.routes()
	return s
}

// Stop shuts down the WebSocket hub and waits for its goroutine.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

// Sessions returns the server's session manager.
func (s *Server) Sessions() *session.Manager { return s.sessions }

func (s *Server) routes() {
	const acc = "/api/accessories/{home}/{room}/{name}"

	s.mux.HandleFunc("POST /api/track", s.handleAPITrack)
	s.mux.HandleFunc("GET /api/tracked", s.handleAPITracked)
	s.mux.HandleFunc("GET /api/homes", s.handleAPIHomes)
	s.mux.HandleFunc("GET /api/accessories", s.handleAPIListAccessories)
	s.mux.HandleFunc("GET "+acc, s.handleAPIGetAccessory)
	s.mux.HandleFunc("GET "+acc+"/services", s.handleAPIServices)
	s.mux.HandleFunc("GET "+acc+"/services/{service}", s.handleAPIService)
	s.mux.HandleFunc("GET "+acc+"/services/{service}/characteristics/{characteristic}", s.handleAPIGetCharacteristic)
	s.mux.HandleFunc("PUT "+acc+"/services/{service}/characteristics/{characteristic}", s.handleAPISetCharacteristic)
	s.mux.HandleFunc("GET /api/write-errors", s.handleAPIWriteErrors)
	s.mux.HandleFunc("DELETE /api/write-errors", s.handleAPIClearWriteErrors)
	s.mux.HandleFunc("GET /api/sessions", s.handleAPISessions)
	s.mux.HandleFunc("GET /api/sessions/{id}/history", s.handleAPISessionHistory)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	s.mux.HandleFunc("GET /api/automations", s.handleAPIListAutomations)
	s.mux.HandleFunc("GET /api/automations/{id}", s.handleAPIGetAutomation)
	s.mux.HandleFunc("POST /api/automations", s.handleAPICreateAutomation)
	s.mux.HandleFunc("PUT /api/automations/{id}", s.handleAPIUpdateAutomation)
	s.mux.HandleFunc("DELETE /api/automations/{id}", s.handleAPIDeleteAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/toggle", s.handleAPIToggleAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/run", s.handleAPIRunAutomation)

	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP applies the origin and API key checks, then routes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.checkOrigin(w, r) || !s.checkAPIKey(w, r) {
		return
	}
	s.mux.ServeHTTP(w, r)
}

// checkOrigin answers preflights and rejects cross-origin mutations from
// origins outside the allow list. Without an allow list every origin passes.
func (s *Server) checkOrigin(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if len(s.allowedOrigins) == 0 || origin == "" {
		return true
	}
	allowed := slices.Contains(s.allowedOrigins, "*") || slices.Contains(s.allowedOrigins, origin)

	switch {
	case r.Method == http.MethodOptions && allowed:
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		h.Set("Access-Control-Max-Age", "3600")
		w.WriteHeader(http.StatusNoContent)
		return false
	case r.Method == http.MethodGet:
		return true
	case !allowed:
		s.writeJSON(w, http.StatusForbidden, map[string]string{"error": "origin not allowed"})
		return false
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	return true
}

// checkAPIKey guards /api/ only; browsers cannot set headers on the /ws
// upgrade.
func (s *Server) checkAPIKey(w http.ResponseWriter, r *http.Request) bool {
	if s.apiKey == "" || !strings.HasPrefix(r.URL.Path, "/api/") {
		return true
	}
	key := r.Header.Get("X-API-Key")
	if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) == 1 {
		return true
	}
	s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or missing API key"})
	return false
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}

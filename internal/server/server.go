// Package server exposes build sessions over HTTP: a websocket worker
// endpoint speaking the {"run"} / {"stderr"} / {"compiled"} message protocol
// and a server-sent events endpoint for one-shot builds.
//
// Sessions are bound to the request that started them. When a websocket
// peer disconnects or a build request is abandoned, its running session is
// canceled and the run lock frees up, rather than a hung compiler holding
// the lock until it finishes on its own.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/szaher/zigsandbox/internal/auth"
	"github.com/szaher/zigsandbox/internal/events"
	"github.com/szaher/zigsandbox/internal/telemetry"
)

// MaxSourceBytes bounds an inbound run request.
const MaxSourceBytes = 1 << 20

// Submitter runs build sessions. *session.Orchestrator implements it.
type Submitter interface {
	Submit(ctx context.Context, source string, emit events.Emitter) bool
	// Reserve takes the run lock without starting the session; run must be
	// called exactly once when ok.
	Reserve() (run func(ctx context.Context, source string, emit events.Emitter), ok bool)
	Busy() bool
}

// Server is the HTTP front end of the build service.
type Server struct {
	submitter Submitter
	mux       *http.ServeMux
	server    *http.Server
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	upgrader  websocket.Upgrader
	guard     *auth.Guard
	startTime time.Time
	apiKey    string
	version   string
}

// ServerOption configures the Server.
type ServerOption func(*Server)

// WithAPIKey sets the API key for authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) { s.apiKey = key }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics serves m on /metrics.
func WithMetrics(m *telemetry.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithVersion sets the version reported by /healthz.
func WithVersion(v string) ServerOption {
	return func(s *Server) { s.version = v }
}

// WithAllowedOrigins lets websocket upgrades come from the given origins
// ("*" for any). Without it, or with an empty list, only same-host origins
// are accepted.
func WithAllowedOrigins(origins []string) ServerOption {
	if len(origins) == 0 {
		return func(*Server) {}
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(s *Server) {
		s.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed["*"] || allowed[origin]
		}
	}
}

// NewServer creates a new build server.
func NewServer(submitter Submitter, opts ...ServerOption) *Server {
	s := &Server{
		submitter: submitter,
		logger:    slog.Default(),
		guard:     auth.NewGuard(),
		startTime: time.Now(),
		version:   "dev",
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	mux.HandleFunc("GET /v1/worker", s.handleWorker)
	mux.HandleFunc("POST /v1/build", s.handleBuild)

	s.mux = mux
	return s
}

// Handler returns the HTTP handler for use with httptest or custom servers.
func (s *Server) Handler() http.Handler {
	return auth.Middleware(s.apiKey, []string{"/healthz", "/metrics"}, s.guard)(s.mux)
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("build server starting", "addr", addr, "auth", s.apiKey != "")
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"uptime":  time.Since(s.startTime).String(),
		"busy":    s.submitter.Busy(),
		"version": s.version,
	})
}

// runRequest is the inbound message. Messages without a non-empty run are
// ignored.
type runRequest struct {
	Run string `json:"run"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}

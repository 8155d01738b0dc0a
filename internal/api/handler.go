// Package api exposes the daemon over HTTP: session management,
// event reads, SSE streaming, and permission decisions.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/memva/memva/internal/domain"
	"github.com/memva/memva/internal/events"
	"github.com/memva/memva/internal/infrastructure/sqlite"
	"github.com/memva/memva/internal/jobs"
	"github.com/memva/memva/internal/log"
	"github.com/memva/memva/internal/permissions"
	"github.com/memva/memva/internal/pool"
	"github.com/memva/memva/internal/pubsub"
	"github.com/memva/memva/internal/queue"
)

// StatusClientClosedRequest reports a request abandoned by its client
// before the response was committed.
const StatusClientClosedRequest = 499

// Handler provides the HTTP endpoints over the daemon's collaborators.
type Handler struct {
	sessions  *sqlite.SessionRepository
	pipeline  *events.Pipeline
	broker    *permissions.Broker
	queue     *queue.Manager
	aborts    *jobs.AbortRegistry
	jobEvents *pubsub.Broker[pool.JobEvent]
	version   string
}

// HandlerConfig wires the handler's collaborators.
type HandlerConfig struct {
	DB       *sqlite.DB
	Pipeline *events.Pipeline
	Broker   *permissions.Broker
	Queue    *queue.Manager
	Aborts   *jobs.AbortRegistry

	// JobEvents carries worker-pool status transitions for the job
	// stream endpoint. Optional; without it the stream only keeps alive.
	JobEvents *pubsub.Broker[pool.JobEvent]

	// Version is reported by the health endpoint.
	Version string
}

// NewHandler creates the API handler.
func NewHandler(cfg HandlerConfig) *Handler {
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	return &Handler{
		sessions:  cfg.DB.SessionRepository(),
		pipeline:  cfg.Pipeline,
		broker:    cfg.Broker,
		queue:     cfg.Queue,
		aborts:    cfg.Aborts,
		jobEvents: cfg.JobEvents,
		version:   version,
	}
}

// Routes returns an http.Handler with all API routes registered.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// Sessions
	mux.HandleFunc("POST /api/sessions", h.CreateSession)
	mux.HandleFunc("GET /api/sessions", h.ListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", h.GetSession)
	mux.HandleFunc("PATCH /api/sessions/{id}", h.UpdateSession)
	mux.HandleFunc("GET /api/sessions/{id}/events", h.ListSessionEvents)
	mux.HandleFunc("GET /api/sessions/{id}/active-job", h.ActiveJob)

	// Per-session settings
	mux.HandleFunc("GET /api/session/{sessionId}/settings", h.GetSessionSettings)
	mux.HandleFunc("PUT /api/session/{sessionId}/settings", h.PutSessionSettings)

	// Prompt submission and live tail
	mux.HandleFunc("POST /api/claude-code/{sessionId}", h.SubmitPrompt)
	mux.HandleFunc("GET /api/claude-code/{sessionId}", h.StreamEvents)

	// Permissions
	mux.HandleFunc("GET /api/permissions", h.ListPermissions)
	mux.HandleFunc("POST /api/permissions/{id}", h.DecidePermission)

	// Operational
	mux.HandleFunc("GET /api/jobs/stats", h.JobStats)
	mux.HandleFunc("GET /api/jobs/stream", h.StreamJobs)
	mux.HandleFunc("GET /api/health", h.Health)

	return mux
}

// ErrorResponse is the response body for errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// HealthResponse is the response body for the health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// Health reports daemon liveness, proving the store answers reads.
// GET /api/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if _, err := h.queue.Stats(r.Context()); err != nil {
		h.writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unhealthy", Version: h.version})
		return
	}
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: h.version})
}

// JobStats returns queue counts by status and type.
// GET /api/jobs/stats
func (h *Handler) JobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// StreamJobs streams worker-pool status transitions as SSE data frames.
// The stream is live-only: transitions before connect are not replayed.
// GET /api/jobs/stream
func (h *Handler) StreamJobs(w http.ResponseWriter, r *http.Request) {
	if h.jobEvents == nil {
		h.writeError(w, http.StatusServiceUnavailable, "unavailable", "job stream is not running")
		return
	}

	sub := h.jobEvents.Subscribe(r.Context())
	sseHeaders(w)
	if err := events.WriteFrame(w, map[string]string{"type": "connection"}); err != nil {
		return
	}

	keepalive := time.NewTicker(events.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return // pool shut down
			}
			if err := events.WriteFrame(w, ev.Payload); err != nil {
				log.ErrorErr(log.CatSSE, "job stream ended", err)
				return
			}
		case <-keepalive.C:
			if err := events.WriteKeepalive(w); err != nil {
				return
			}
		}
	}
}

// === Helpers ===

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.ErrorErr(log.CatHTTP, "encoding response failed", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// writeDomainError maps store error kinds onto status codes.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case domain.IsValidation(err):
		h.writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	case domain.IsNotFound(err):
		h.writeError(w, http.StatusNotFound, "not_found", err.Error())
	case domain.IsConflict(err):
		h.writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, context.Canceled):
		h.writeError(w, StatusClientClosedRequest, "client_closed_request", "client closed request")
	default:
		log.ErrorErr(log.CatHTTP, "request failed", err)
		h.writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
}

// Server wraps the Handler with an http.Server for lifecycle management.
type Server struct {
	server   *http.Server
	listener net.Listener
	port     int
}

// ServerConfig configures the API server.
type ServerConfig struct {
	// Addr is the address to listen on, e.g. "127.0.0.1:8484". Port 0
	// binds an OS-assigned port; read it back with Port().
	Addr string

	Handler HandlerConfig

	// Middleware, when set, wraps the route handler. The daemon installs
	// the tracing middleware here.
	Middleware func(http.Handler) http.Handler

	// ReadTimeout bounds reading the request. Default 30s.
	ReadTimeout time.Duration

	// WriteTimeout stays zero: SSE responses have no deadline.
	WriteTimeout time.Duration
}

// NewServer binds the listener and prepares the server. Binding first
// makes the port observable before Start and fails fast on conflicts.
func NewServer(cfg ServerConfig) (*Server, error) {
	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 30 * time.Second
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", cfg.Addr, err)
	}

	port := 0
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		port = tcpAddr.Port
	}

	var routes http.Handler = NewHandler(cfg.Handler).Routes()
	if cfg.Middleware != nil {
		routes = cfg.Middleware(routes)
	}

	return &Server{
		listener: listener,
		port:     port,
		server: &http.Server{
			Handler:           routes,
			ReadTimeout:       readTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
	}, nil
}

// Start serves until Stop is called or the listener fails. Blocks.
func (s *Server) Start() error {
	log.Info(log.CatHTTP, "API server listening", "addr", s.listener.Addr().String())
	err := s.server.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop drains in-flight requests and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	log.Info(log.CatHTTP, "stopping API server")
	return s.server.Shutdown(ctx)
}

// Port returns the bound port, useful with an OS-assigned address.
func (s *Server) Port() int {
	return s.port
}

// Package api exposes the session orchestration operations over HTTP.
package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sandboxrunner/browserd/pkg/daemon"
	"github.com/sandboxrunner/browserd/pkg/events"
	"github.com/sandboxrunner/browserd/pkg/monitoring"
	"github.com/sandboxrunner/browserd/pkg/pool"
	"github.com/sandboxrunner/browserd/pkg/types"
)

// BasePath prefixes every session route
const BasePath = "/api/v1"

// SessionController is the orchestration surface served by the API
type SessionController interface {
	Start(ctx context.Context, sessionID string, opts daemon.StartOptions) (*daemon.StartResult, error)
	Stop(ctx context.Context, sessionID string) error
	Navigate(ctx context.Context, sessionID, url string) error
	Launch(ctx context.Context, sessionID string) error
	GetStatus(sessionID string) (*types.DaemonStatus, bool)
	ListStatuses() []*types.DaemonStatus
	GetCurrentURL(ctx context.Context, sessionID string) (string, bool)
	Heartbeat(sessionID string) error
	IsHealthy(ctx context.Context) bool
}

// RouteLister lists the proxy routing table
type RouteLister interface {
	Entries() []types.RouteEntry
}

// PoolInspector reports on the warm pool
type PoolInspector interface {
	Stats() pool.Stats
	Slots() []types.PoolSlot
}

// EventSource is the subscription side of the event bus
type EventSource interface {
	Subscribe(handler events.EventHandler, filter events.EventFilter, eventTypes ...events.EventType) string
	Unsubscribe(subscriptionID string)
	GetEventHistory(limit int) []events.Event
}

// ServerConfig holds API server configuration
type ServerConfig struct {
	Address         string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// RequestTimeout bounds start/stop/navigate calls made on behalf of a request
	RequestTimeout time.Duration
	AllowedOrigins []string
	Version        string
}

// DefaultServerConfig returns default API server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:         "127.0.0.1",
		Port:            8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    2 * time.Minute,
		ShutdownTimeout: 10 * time.Second,
		RequestTimeout:  90 * time.Second,
		AllowedOrigins:  []string{"*"},
	}
}

// Option configures a Server
type Option func(*Server)

func WithPool(p PoolInspector) Option {
	return func(s *Server) { s.pool = p }
}

func WithEvents(src EventSource) Option {
	return func(s *Server) { s.events = src }
}

func WithMetrics(m *monitoring.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// Server serves the REST API, the websocket event stream and /metrics
type Server struct {
	config     ServerConfig
	ctrl       SessionController
	routes     RouteLister
	pool       PoolInspector
	events     EventSource
	metrics    *monitoring.Metrics
	router     *mux.Router
	httpServer *http.Server
	logger     zerolog.Logger
	upgrader   websocket.Upgrader

	streamsMu sync.Mutex
	streams   map[string]*eventStream
	wg        sync.WaitGroup
}

// NewServer creates the API server
func NewServer(config ServerConfig, ctrl SessionController, routes RouteLister, logger zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		config:  config,
		ctrl:    ctrl,
		routes:  routes,
		router:  mux.NewRouter(),
		logger:  logger.With().Str("component", "api").Logger(),
		streams: make(map[string]*eventStream),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.setupRoutes()
	return s
}

// Handler returns the configured router
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoveryMiddleware)

	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")

	v1 := s.router.PathPrefix(BasePath).Subrouter()
	session := "/sessions/{id}"

	v1.HandleFunc("/sessions", s.handleListSessions).Methods("GET")
	v1.HandleFunc(session, s.handleGetSession).Methods("GET")
	v1.HandleFunc(session, s.handleStop).Methods("DELETE")
	v1.HandleFunc(session+"/start", s.handleStart).Methods("POST")
	v1.HandleFunc(session+"/stop", s.handleStop).Methods("POST")
	v1.HandleFunc(session+"/navigate", s.handleNavigate).Methods("POST")
	v1.HandleFunc(session+"/launch", s.handleLaunch).Methods("POST")
	v1.HandleFunc(session+"/url", s.handleGetURL).Methods("GET")
	v1.HandleFunc(session+"/heartbeat", s.handleHeartbeat).Methods("POST")

	v1.HandleFunc("/routes", s.handleRoutes).Methods("GET")
	v1.HandleFunc("/pool", s.handlePool).Methods("GET")
	v1.HandleFunc("/health", s.handleHealth).Methods("GET")
	v1.HandleFunc("/events/history", s.handleEventHistory).Methods("GET")
	v1.HandleFunc("/events", s.handleEvents).Methods("GET")

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeErrorResponse(w, r, http.StatusNotFound, "", "Route not found", nil)
	})
}

// Start listens in the background until Stop is called
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Address, s.config.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.httpServer = &http.Server{
		Handler:        s.router,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: 1 << 20,
		BaseContext:    func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info().Str("address", ln.Addr().String()).Msg("Starting API server")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("API server listen error")
		}
	}()
	return nil
}

// Stop closes event streams and shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping API server")

	s.streamsMu.Lock()
	for _, st := range s.streams {
		st.close()
	}
	s.streamsMu.Unlock()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error().Err(err).Msg("API server shutdown error")
			return err
		}
	}
	s.wg.Wait()

	s.logger.Info().Msg("API server stopped")
	return nil
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

type requestIDKey struct{}

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey{}).(string)
	return id
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		event := s.logger.Debug()
		if rec.status >= http.StatusInternalServerError {
			event = s.logger.Warn()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Str("request_id", requestID(r)).
			Msg("HTTP request")
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				s.logger.Error().Interface("panic", p).Str("path", r.URL.Path).Msg("Handler panicked")
				s.writeErrorResponse(w, r, http.StatusInternalServerError, "", "Internal server error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status. It forwards Hijack so the
// websocket upgrade still works behind the logging middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

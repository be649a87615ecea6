// Package api exposes the engine's HTTP control surface: plan CRUD, batch
// operations, system status, health and metrics.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/planrun/internal/telemetry"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultServerConfig returns the development defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         ":8090",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Server is the control-surface HTTP server.
type Server struct {
	router   *mux.Router
	server   *http.Server
	handlers *Handlers
}

// NewServer wires routes and middleware around the handlers.
func NewServer(cfg ServerConfig, handlers *Handlers, metrics *telemetry.Metrics) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultServerConfig().Addr
	}
	router := mux.NewRouter()
	s := &Server{router: router, handlers: handlers}
	s.setupRoutes(metrics)

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes(metrics *telemetry.Metrics) {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(s.jsonContentTypeMiddleware)

	api.HandleFunc("/plans", s.handlers.CreatePlan).Methods("POST")
	api.HandleFunc("/plans", s.handlers.ListPlans).Methods("GET")
	api.HandleFunc("/plans/batch", s.handlers.CreateBatch).Methods("POST")
	api.HandleFunc("/plans/batch/update", s.handlers.UpdateBatch).Methods("POST")
	api.HandleFunc("/plans/batch/cancel", s.handlers.CancelBatch).Methods("POST")
	api.HandleFunc("/plans/{id}", s.handlers.GetPlan).Methods("GET")
	api.HandleFunc("/plans/{id}", s.handlers.UpdatePlan).Methods("PATCH")
	api.HandleFunc("/plans/{id}", s.handlers.CancelPlan).Methods("DELETE")
	api.HandleFunc("/plans/{id}/close", s.handlers.ClosePosition).Methods("POST")
	api.HandleFunc("/status", s.handlers.SystemStatus).Methods("GET")
	api.HandleFunc("/health", s.handlers.Health).Methods("GET")

	if metrics != nil {
		s.router.Handle("/metrics", metrics.Handler()).Methods("GET")
	}
	s.router.NotFoundHandler = http.HandlerFunc(s.handlers.NotFound)
}

// requestIDMiddleware tags every request with a short unique id.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestLoggingMiddleware logs method, path, status and duration.
func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		log.Info().
			Str("request_id", requestID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("http request")
	})
}

func (s *Server) jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func requestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return "unknown"
}

// Start runs the server until it fails or is shut down.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("http server starting")
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("http server shutting down")
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

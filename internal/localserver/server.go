// Package localserver implements the local HTTP server (C6): the five
// worker-facing routes plus the dashboard/ops surface (health, metrics,
// websocket events) called out in the expanded spec.
package localserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ghrunner/broker-proxy/internal/events"
	"github.com/ghrunner/broker-proxy/internal/jobtracker"
	"github.com/ghrunner/broker-proxy/internal/localstate"
	"github.com/ghrunner/broker-proxy/internal/queue"
	"github.com/ghrunner/broker-proxy/internal/target"
	"github.com/ghrunner/broker-proxy/internal/token"
)

// Driver is the subset of *upstream.Driver the local server needs: target
// lookup, session-active checks, and opportunistic session creation. A
// narrow interface here (rather than importing the upstream package's
// concrete type) keeps this package's dependency surface honest — it only
// needs these five operations, never the polling internals.
type Driver interface {
	TargetByID(id string) (*target.Target, bool)
	SessionID(targetID string) (string, bool)
	FirstEnabledActiveTarget() (*target.Target, bool)
	EnsureSessionsForEnabled(ctx context.Context)
	TargetCount() int
}

// Config bundles the local server's collaborators.
type Config struct {
	Port     int
	State    *localstate.State
	Queues   *queue.Queues
	Tracker  *jobtracker.Tracker
	Tokens   *token.Manager
	Driver   Driver
	Hub      *events.Hub
	Registry prometheus.Gatherer
	Logger   *zap.Logger
}

// Server owns the loopback HTTP listener workers talk to.
type Server struct {
	port    int
	state   *localstate.State
	queues  *queue.Queues
	tracker *jobtracker.Tracker
	tokens  *token.Manager
	driver  Driver
	hub     *events.Hub
	logger  *zap.Logger

	httpClient *http.Client
	httpServer *http.Server

	shuttingDown atomic.Bool
}

// New builds a Server and its router. Call Start to begin listening.
func New(cfg Config) *Server {
	s := &Server{
		port:       cfg.Port,
		state:      cfg.State,
		queues:     cfg.Queues,
		tracker:    cfg.Tracker,
		tokens:     cfg.Tokens,
		driver:     cfg.Driver,
		hub:        cfg.Hub,
		logger:     cfg.Logger.Named("localserver"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Post("/session", s.handleCreateSession)
	r.Get("/message", s.handleGetMessage)
	r.Delete("/session", s.handleDeleteSession)
	r.Post("/acquirejob", s.handleAcquireJob)
	r.Post("/acknowledge", s.handleAcknowledge)

	r.Get("/healthz", s.handleHealthz)
	if cfg.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))
	}
	if s.hub != nil {
		r.Get("/ws/events", s.hub.ServeHTTP)
	}

	r.NotFound(s.handleForward)
	r.MethodNotAllowed(s.handleForward)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", cfg.Port),
		Handler: r,
	}
	return s
}

// Start binds the loopback listener and serves in the background.
func (s *Server) Start() error {
	s.shuttingDown.Store(false)

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("localserver: listening on %s: %w", s.httpServer.Addr, err)
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server exited", zap.Error(err))
		}
	}()

	s.logger.Info("local server listening", zap.String("addr", s.httpServer.Addr))
	return nil
}

// Stop sets the shutdown flag — short-circuiting any in-flight long-poll to
// its 202-empty response — and then closes the HTTP listener.
func (s *Server) Stop(ctx context.Context) error {
	s.shuttingDown.Store(true)
	return s.httpServer.Shutdown(ctx)
}

// Port returns the configured local port. When the server was configured
// with port 0, this stays 0 rather than reporting the port the OS picked.
func (s *Server) Port() int { return s.port }

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"targets": s.driver.TargetCount(),
	})
}

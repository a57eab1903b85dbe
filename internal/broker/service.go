// Package broker implements the service orchestrator (C7). It wires the
// token manager, session store, message queue, job tracker, upstream
// driver, and local HTTP server together and exposes the lifecycle and
// status operations the command-line entrypoint drives.
package broker

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ghrunner/broker-proxy/internal/events"
	"github.com/ghrunner/broker-proxy/internal/jobtracker"
	"github.com/ghrunner/broker-proxy/internal/localserver"
	"github.com/ghrunner/broker-proxy/internal/localstate"
	"github.com/ghrunner/broker-proxy/internal/metrics"
	"github.com/ghrunner/broker-proxy/internal/queue"
	"github.com/ghrunner/broker-proxy/internal/sessionstore"
	"github.com/ghrunner/broker-proxy/internal/target"
	"github.com/ghrunner/broker-proxy/internal/token"
	"github.com/ghrunner/broker-proxy/internal/upstream"
)

// Config bundles everything needed to build a Service.
type Config struct {
	Port       int
	RunnerDir  string
	HTTPClient *http.Client
	Logger     *zap.Logger
	Registry   *prometheus.Registry
}

// Service is the C7 orchestrator: the single object the command-line
// entrypoint constructs, starts, and stops.
type Service struct {
	logger *zap.Logger

	state    *localstate.State
	queues   *queue.Queues
	tracker  *jobtracker.Tracker
	tokens   *token.Manager
	sessions *sessionstore.Store
	emitter  *events.Emitter
	hub      *events.Hub

	driver *upstream.Driver
	local  *localserver.Server

	mu      sync.Mutex
	targets map[string]*target.Target
	running bool
}

// New constructs every collaborator and wires them together. The returned
// Service is idle until Start is called.
func New(cfg Config) (*Service, error) {
	logger := cfg.Logger.Named("broker")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}

	sessions, err := sessionstore.New(cfg.RunnerDir, logger)
	if err != nil {
		return nil, fmt.Errorf("broker: opening session store: %w", err)
	}

	svc := &Service{
		logger:   logger,
		state:    localstate.NewState(),
		queues:   queue.New(),
		tracker:  jobtracker.New(),
		tokens:   token.New(httpClient, logger),
		sessions: sessions,
		emitter:  events.NewEmitter(),
		hub:      events.NewHub(logger),
		targets:  make(map[string]*target.Target),
	}

	svc.emitter.Register(svc.hub)
	if cfg.Registry != nil {
		svc.emitter.Register(metrics.NewCollector(cfg.Registry))
	}

	driver, err := upstream.New(upstream.Config{
		HTTPClient: httpClient,
		Tokens:     svc.tokens,
		Sessions:   svc.sessions,
		Queues:     svc.queues,
		Tracker:    svc.tracker,
		Emitter:    svc.emitter,
		Assignment: svc.state,
		Logger:     logger,
		Port:       cfg.Port,
	})
	if err != nil {
		return nil, fmt.Errorf("broker: creating upstream driver: %w", err)
	}
	svc.driver = driver

	var gatherer prometheus.Gatherer
	if cfg.Registry != nil {
		gatherer = cfg.Registry
	}

	svc.local = localserver.New(localserver.Config{
		Port:     cfg.Port,
		State:    svc.state,
		Queues:   svc.queues,
		Tracker:  svc.tracker,
		Tokens:   svc.tokens,
		Driver:   svc.driver,
		Hub:      svc.hub,
		Registry: gatherer,
		Logger:   logger,
	})

	return svc, nil
}

// AddTarget registers tg with both the upstream driver and the orchestrator's
// own registry (used for status reporting and removal).
func (s *Service) AddTarget(tg *target.Target) {
	s.mu.Lock()
	s.targets[tg.ID] = tg
	s.mu.Unlock()
	s.driver.AddTarget(tg)
}

// RemoveTarget unregisters a target, deleting its upstream session and
// clearing all state tracked on its behalf.
func (s *Service) RemoveTarget(id string) {
	s.mu.Lock()
	delete(s.targets, id)
	s.mu.Unlock()
	s.driver.RemoveTarget(id)
}

// SetCanAcceptJobCallback installs the capacity gate the upstream driver
// consults before claiming a newly-seen job.
func (s *Service) SetCanAcceptJobCallback(fn upstream.CapacityFunc) {
	s.driver.SetCanAcceptJobCallback(fn)
}

// Port returns the local HTTP server's configured port.
func (s *Service) Port() int { return s.local.Port() }

// GetQueuedJob returns the oldest queued (not-yet-dequeued) payload for
// targetID, without removing it.
func (s *Service) GetQueuedJob(targetID string) ([]byte, bool) {
	return s.queues.Peek(targetID)
}

// HasQueuedJobs reports whether targetID has at least one queued payload.
func (s *Service) HasQueuedJobs(targetID string) bool {
	return s.queues.HasMessages(targetID)
}

// Status snapshots every registered target and fans it out to listeners
// (the metrics collector and the websocket hub) as well as returning it to
// the caller.
func (s *Service) Status() []events.TargetStatus {
	status := s.driver.Status()
	s.emitter.StatusUpdate(status)
	return status
}

// Start is idempotent: calling it again while already running resets the
// shutdown flag (so the service can be restarted) without double-starting
// the listener or polling loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	if err := s.local.Start(); err != nil {
		return fmt.Errorf("broker: starting local server: %w", err)
	}

	if err := s.driver.Start(ctx); err != nil {
		return fmt.Errorf("broker: starting upstream driver: %w", err)
	}

	s.logger.Info("broker service started", zap.Int("port", s.local.Port()))
	return nil
}

// Stop sets the shutdown flag (short-circuiting in-flight long-polls),
// cancels session-retry timers and the poll loop, fire-and-forget deletes
// every upstream session, and closes the local HTTP listener.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.driver.Stop()

	if err := s.local.Stop(ctx); err != nil {
		return fmt.Errorf("broker: stopping local server: %w", err)
	}

	s.state.RemoveAll()

	s.logger.Info("broker service stopped")
	return nil
}

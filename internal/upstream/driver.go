// Package upstream implements the upstream driver (C5): upstream session
// CRUD with 409-conflict recovery, the concurrent long-poll loop, job
// acquisition, and acknowledgement. It owns the polling timer and every
// target's upstream session id, last-poll time, and last error.
package upstream

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ghrunner/broker-proxy/internal/events"
	"github.com/ghrunner/broker-proxy/internal/jobtracker"
	"github.com/ghrunner/broker-proxy/internal/queue"
	"github.com/ghrunner/broker-proxy/internal/sessionstore"
	"github.com/ghrunner/broker-proxy/internal/target"
	"github.com/ghrunner/broker-proxy/internal/token"
)

const (
	pollInterval         = 5 * time.Second
	sessionRetryInterval = 30 * time.Second

	// instance is the sessionstore instance key. The proxy only ever runs one
	// instance per target today; see the document type comment in
	// sessionstore for why the key exists at all.
	instance = "0"

	// runnerOS is the literal value the spec's acquirejob body sends
	// regardless of the host's actual OS.
	runnerOS = "macOS"

	runnerVersion = "2.2.0"
)

// defaultCreateSessionBackoffs are the delays between the 3 createSession
// attempts, used whenever the previous attempt failed without a clean
// delete.
var defaultCreateSessionBackoffs = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

// defaultAfterDeleteBackoff is used instead of createSessionBackoffs once a
// stale session has just been deleted — the upstream side should already be
// clear, so a short delay is enough.
const defaultAfterDeleteBackoff = 1 * time.Second

// AssignmentQueue receives a target ID every time a job is queued for it.
// Satisfied by *localstate.State; declared here so this package depends only
// on the one method it calls.
type AssignmentQueue interface {
	PushPendingAssignment(targetID string)
}

// CapacityFunc reports whether the proxy can currently accept another job.
// A nil func (the default) always accepts.
type CapacityFunc func() bool

// targetState is the per-target upstream bookkeeping the driver owns:
// current session, last poll time, and last observed error.
type targetState struct {
	tg        *target.Target
	sessionID string
	lastPoll  *time.Time
	lastErr   error
}

// Driver polls every enabled, sessioned target, claims jobs as messages
// arrive, and manages the lifecycle of each target's upstream session.
type Driver struct {
	httpClient *http.Client
	tokens     *token.Manager
	sessions   *sessionstore.Store
	queues     *queue.Queues
	tracker    *jobtracker.Tracker
	emitter    *events.Emitter
	assignQ    AssignmentQueue
	logger     *zap.Logger

	port int

	// createSessionBackoffs and afterDeleteBackoff default to the spec's
	// schedule but are overridable (tests shorten them so retry-exhaustion
	// paths don't cost real wall-clock time).
	createSessionBackoffs []time.Duration
	afterDeleteBackoff    time.Duration

	canAcceptJob CapacityFunc

	mu      sync.Mutex
	targets map[string]*targetState

	scheduler gocron.Scheduler
	pollJob   gocron.Job
	running   bool
}

// Config bundles the collaborators a Driver needs.
type Config struct {
	HTTPClient *http.Client
	Tokens     *token.Manager
	Sessions   *sessionstore.Store
	Queues     *queue.Queues
	Tracker    *jobtracker.Tracker
	Emitter    *events.Emitter
	Assignment AssignmentQueue
	Logger     *zap.Logger
	Port       int
}

// New creates a Driver. The returned Driver is idle until Start is called.
func New(cfg Config) (*Driver, error) {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("upstream: creating scheduler: %w", err)
	}

	return &Driver{
		httpClient:            httpClient,
		tokens:                cfg.Tokens,
		sessions:              cfg.Sessions,
		queues:                cfg.Queues,
		tracker:               cfg.Tracker,
		emitter:               cfg.Emitter,
		assignQ:               cfg.Assignment,
		logger:                cfg.Logger.Named("upstream"),
		port:                  cfg.Port,
		targets:               make(map[string]*targetState),
		scheduler:             sched,
		createSessionBackoffs: defaultCreateSessionBackoffs,
		afterDeleteBackoff:    defaultAfterDeleteBackoff,
	}, nil
}

// SetCanAcceptJobCallback installs fn as the capacity gate consulted before
// a newly-seen job is claimed. A nil fn disables the gate.
func (d *Driver) SetCanAcceptJobCallback(fn CapacityFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.canAcceptJob = fn
}

// AddTarget registers tg with the driver. If the driver is already running
// and tg is enabled, a session is created for it in the background.
func (d *Driver) AddTarget(tg *target.Target) {
	d.mu.Lock()
	d.targets[tg.ID] = &targetState{tg: tg}
	running := d.running
	d.mu.Unlock()

	if running && tg.Enabled() {
		go d.ensureSession(context.Background(), tg)
	}
}

// RemoveTarget deletes tg's upstream session (best-effort), clears its
// tracked jobs and queued messages, and forgets it.
func (d *Driver) RemoveTarget(id string) {
	d.mu.Lock()
	st, ok := d.targets[id]
	if ok {
		delete(d.targets, id)
	}
	d.mu.Unlock()
	if !ok {
		return
	}

	d.scheduler.RemoveByTags(id)

	if st.sessionID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		d.deleteSession(ctx, st.tg, st.sessionID)
		cancel()
	}
	d.tracker.ClearTarget(id)
	d.queues.Clear(id)
	d.sessions.Clear(id)
}

// Start boots session creation for every enabled target and launches the
// polling loop. Idempotent: calling Start again while already running is a
// no-op.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = true
	targets := make([]*target.Target, 0, len(d.targets))
	for _, st := range d.targets {
		targets = append(targets, st.tg)
	}
	d.mu.Unlock()

	for _, tg := range targets {
		if tg.Enabled() {
			go d.ensureSession(context.Background(), tg)
		}
	}

	job, err := d.scheduler.NewJob(
		gocron.DurationJob(pollInterval),
		gocron.NewTask(func() { d.pollTick(context.Background()) }),
		gocron.WithTags("poll-tick"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("upstream: scheduling poll loop: %w", err)
	}
	d.pollJob = job

	d.scheduler.Start()
	d.logger.Info("upstream driver started", zap.Int("targets", len(targets)))
	return nil
}

// Stop cancels all retry timers and the polling loop, then fire-and-forget
// deletes every active upstream session — it does not wait for those
// deletes to complete.
func (d *Driver) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	sessions := make(map[*target.Target]string, len(d.targets))
	for _, st := range d.targets {
		if st.sessionID != "" {
			sessions[st.tg] = st.sessionID
		}
	}
	d.mu.Unlock()

	if err := d.scheduler.Shutdown(); err != nil {
		d.logger.Warn("scheduler shutdown error", zap.Error(err))
	}

	for tg, sessionID := range sessions {
		go func(tg *target.Target, sessionID string) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			d.deleteSession(ctx, tg, sessionID)
		}(tg, sessionID)
	}
}

// TargetByID returns the registered target for id, if any.
func (d *Driver) TargetByID(id string) (*target.Target, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.targets[id]
	if !ok {
		return nil, false
	}
	return st.tg, true
}

// TargetCount returns the number of currently-registered targets.
func (d *Driver) TargetCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.targets)
}

// HasActiveSession reports whether targetID currently has an upstream
// session.
func (d *Driver) HasActiveSession(targetID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.targets[targetID]
	return ok && st.sessionID != ""
}

// SessionID returns the current upstream session ID for targetID, if any.
func (d *Driver) SessionID(targetID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.targets[targetID]
	if !ok || st.sessionID == "" {
		return "", false
	}
	return st.sessionID, true
}

// FirstEnabledActiveTarget returns an arbitrary enabled target that
// currently has an active session, used by the forward handler's fallback
// target-resolution path when a request carries no sessionId.
func (d *Driver) FirstEnabledActiveTarget() (*target.Target, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, st := range d.targets {
		if st.tg.Enabled() && st.sessionID != "" {
			return st.tg, true
		}
	}
	return nil, false
}

// EnsureSessionsForEnabled opportunistically creates upstream sessions for
// any enabled target that currently lacks one. Each creation attempt runs
// in its own goroutine so a slow or failing target does not block the
// caller (the POST /session handler).
func (d *Driver) EnsureSessionsForEnabled(ctx context.Context) {
	d.mu.Lock()
	var need []*target.Target
	for _, st := range d.targets {
		if st.tg.Enabled() && st.sessionID == "" {
			need = append(need, st.tg)
		}
	}
	d.mu.Unlock()

	for _, tg := range need {
		go d.ensureSession(ctx, tg)
	}
}

// Status snapshots every target's current upstream state.
func (d *Driver) Status() []events.TargetStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]events.TargetStatus, 0, len(d.targets))
	for id, st := range d.targets {
		s := events.TargetStatus{
			TargetID:      id,
			Registered:    true,
			SessionActive: st.sessionID != "",
			LastPoll:      st.lastPoll,
			JobsAssigned:  len(d.tracker.GetJobsForTarget(id)),
		}
		if st.lastErr != nil {
			s.Error = st.lastErr.Error()
		}
		out = append(out, s)
	}
	return out
}

// pollTick is invoked by the scheduler every pollInterval. Singleton mode on
// the underlying gocron job (LimitModeReschedule) is what gives this the
// "isPolling flag" behavior the design calls for: a tick that is still
// running when the next one fires causes the next one to be skipped, not
// queued.
func (d *Driver) pollTick(ctx context.Context) {
	targets := d.enabledSessionedTargets()
	if len(targets) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, st := range targets {
		st := st
		g.Go(func() error {
			d.pollOne(gctx, st)
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Driver) enabledSessionedTargets() []*targetState {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*targetState, 0, len(d.targets))
	for _, st := range d.targets {
		if st.tg.Enabled() && st.sessionID != "" {
			out = append(out, st)
		}
	}
	return out
}

func (d *Driver) pollOne(ctx context.Context, st *targetState) {
	hasMessage, body, err := d.pollTarget(ctx, st.tg, st.sessionID)

	now := time.Now()
	d.mu.Lock()
	st.lastPoll = &now
	st.lastErr = err
	d.mu.Unlock()

	if err != nil {
		d.emitter.Error(st.tg.ID, err)
		return
	}
	if !hasMessage {
		return
	}

	d.handleMessage(ctx, st, body)
}

func runnerInfo() (string, string) {
	return runtime.GOOS, runtime.GOARCH
}

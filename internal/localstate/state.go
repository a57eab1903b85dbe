// Package localstate owns the local-session and pending-target-assignment
// state that both the upstream driver (C5) and the local HTTP server (C6)
// touch. Consolidating it behind one mutex, rather than splitting it across
// the two packages, is what the design notes call for: "Global mutable maps
// should be consolidated behind a single owner with narrow methods."
package localstate

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// LocalSession is a worker-facing session minted by POST /session. It is
// bound to a target from the head of the pending-assignment queue (which
// may be empty, leaving the session unbound) and transitions to holding a
// job exactly once.
type LocalSession struct {
	ID           string
	CreatedAt    time.Time
	TargetID     string // empty until/unless a pending assignment was available
	CurrentJobID string // empty until a message is delivered
}

// State is the single owner of the maps the design notes call out as
// needing consolidation: local sessions and the pending-target-assignment
// queue. Both are touched from multiple flows (the upstream poll loop
// pushes assignments and the local HTTP server consumes them), so a single
// mutex guards them, matching the "process-wide mutex is acceptable"
// guidance in the concurrency model.
type State struct {
	mu sync.Mutex

	localSessions map[string]*LocalSession

	// pendingAssignments is a single-consumer (local session create),
	// multi-producer (poll loop) FIFO of target IDs reserved for the next
	// worker to open a local session.
	pendingAssignments []string
}

// NewState creates an empty State.
func NewState() *State {
	return &State{
		localSessions: make(map[string]*LocalSession),
	}
}

// PushPendingAssignment reserves targetID for the next worker that opens a
// local session. Called by the upstream driver whenever a new job is
// queued for that target.
func (s *State) PushPendingAssignment(targetID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingAssignments = append(s.pendingAssignments, targetID)
}

// CreateLocalSession mints a new local session, binding it to the target at
// the head of the pending-assignment queue if one is available. The
// binding is consumed exactly once — invariant #3 in the data model.
func (s *State) CreateLocalSession() *LocalSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	var targetID string
	if len(s.pendingAssignments) > 0 {
		targetID = s.pendingAssignments[0]
		s.pendingAssignments = s.pendingAssignments[1:]
	}

	sess := &LocalSession{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		TargetID:  targetID,
	}
	s.localSessions[sess.ID] = sess
	return sess
}

// GetLocalSession returns the session for id, if any.
func (s *State) GetLocalSession(id string) (*LocalSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.localSessions[id]
	return sess, ok
}

// RemoveLocalSession deletes the session, e.g. on DELETE /session or server
// close.
func (s *State) RemoveLocalSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.localSessions, id)
}

// SetCurrentJob records that session id now holds jobID. Returns false (and
// does nothing) if the session already holds a job or does not exist —
// a local session transitions to holding a job exactly once.
func (s *State) SetCurrentJob(id, jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.localSessions[id]
	if !ok || sess.CurrentJobID != "" {
		return false
	}
	sess.CurrentJobID = jobID
	return true
}

// RemoveAll clears every local session and the pending-assignment queue.
// Called on shutdown.
func (s *State) RemoveAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localSessions = make(map[string]*LocalSession)
	s.pendingAssignments = nil
}

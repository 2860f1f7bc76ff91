// ABOUTME: Execution request types and per-request lifecycle state machine.
// ABOUTME: queued -> running -> {completed | failed | terminated}, with an internal cancel_requested sub-state.

package admission

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Lane is the admission class a request runs under.
type Lane string

const (
	// LaneExclusive guarantees at most one running request per agent. Work
	// that mutates the agent's shared conversation or workspace state belongs
	// here regardless of origin.
	LaneExclusive Lane = "exclusive"
	// LaneConcurrent allows bounded parallel stateless requests per agent.
	LaneConcurrent Lane = "concurrent"
)

// Origin identifies who submitted a request. It has no effect on admission
// order; the exclusive lane is plain FIFO regardless of origin.
type Origin string

const (
	OriginInteractive Origin = "interactive"
	OriginSchedule    Origin = "schedule"
	OriginPeer        Origin = "peer-agent"
	OriginSystem      Origin = "system"
)

// Status is an execution request's lifecycle state. Terminal states are
// immutable once reached.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTerminated Status = "terminated"
)

// Terminal reports whether the status is one of the three terminal states.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTerminated
}

// TerminateMode selects cooperative or hard termination.
type TerminateMode string

const (
	// TerminateGraceful sends a cooperative cancellation signal and escalates
	// to force automatically if the request does not settle within the grace
	// period.
	TerminateGraceful TerminateMode = "graceful"
	// TerminateForce interrupts the underlying runtime call immediately.
	TerminateForce TerminateMode = "force"
)

// SubmitRequest is one unit of work submitted against an agent.
type SubmitRequest struct {
	AgentID string
	Origin  Origin
	Lane    Lane
	Payload []byte

	// Timeout, when positive, is a soft deadline for the running phase. On
	// expiry the execution settles as terminated with ErrExecutionTimeout.
	Timeout time.Duration
}

// Execution is the controller's record of one admitted request. Immutable
// identity fields are exported; lifecycle state is read through accessors.
type Execution struct {
	ID          string
	AgentID     string
	Origin      Origin
	Lane        Lane
	Payload     []byte
	SubmittedAt time.Time

	timeout time.Duration

	mu              sync.Mutex
	status          Status
	startedAt       time.Time
	completedAt     time.Time
	result          []byte
	err             error
	cancelRequested bool
	cancel          context.CancelFunc
	forceTimer      *time.Timer

	// released and occupiesSlot are guarded by the controller's mutex, not
	// exec.mu. released marks that the lock or slot this execution occupied
	// has been given back, so a late-returning runtime call cannot release it
	// a second time.
	released     bool
	occupiesSlot bool

	done chan struct{}
}

func newExecution(req SubmitRequest) *Execution {
	return &Execution{
		ID:          uuid.New().String(),
		AgentID:     req.AgentID,
		Origin:      req.Origin,
		Lane:        req.Lane,
		Payload:     req.Payload,
		SubmittedAt: time.Now().UTC(),
		timeout:     req.Timeout,
		status:      StatusQueued,
		done:        make(chan struct{}),
	}
}

// Status returns the current lifecycle state.
func (e *Execution) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Result returns the runtime's output and error once the execution has
// settled. Before Done is closed both values are zero.
func (e *Execution) Result() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result, e.err
}

// StartedAt is zero until the execution leaves the queue.
func (e *Execution) StartedAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startedAt
}

// CompletedAt is zero until the execution settles.
func (e *Execution) CompletedAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.completedAt
}

// Done is closed when the execution reaches a terminal state. Synchronous
// callers select on it against their own timeout.
func (e *Execution) Done() <-chan struct{} {
	return e.done
}

func (e *Execution) markRunning(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = StatusRunning
	e.startedAt = now
}

// markFinished records the terminal state and wakes waiters. The caller is
// responsible for ensuring it runs at most once per execution.
func (e *Execution) markFinished(status Status, result []byte, err error, now time.Time) {
	e.mu.Lock()
	e.status = status
	e.result = result
	e.err = err
	e.completedAt = now
	if e.forceTimer != nil {
		e.forceTimer.Stop()
		e.forceTimer = nil
	}
	e.mu.Unlock()
	close(e.done)
}

// markCancelRequested enters the internal cancel_requested sub-state. Returns
// false if it was already set, so escalation timers are armed only once.
func (e *Execution) markCancelRequested() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelRequested {
		return false
	}
	e.cancelRequested = true
	return true
}

func (e *Execution) isCancelRequested() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelRequested
}

// setCancel publishes the running call's cancel function. If a cancellation
// was requested before the worker picked the execution up, it reports that so
// the caller can cancel immediately.
func (e *Execution) setCancel(cancel context.CancelFunc) (alreadyRequested bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancel = cancel
	return e.cancelRequested
}

func (e *Execution) cancelNow() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *Execution) setForceTimer(t *time.Timer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.forceTimer = t
}

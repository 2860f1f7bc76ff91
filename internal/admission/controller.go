// ABOUTME: Per-agent execution admission controller: exclusive lane, bounded concurrent lane, FIFO queues.
// ABOUTME: Owns all lock and slot state; termination with graceful-to-force escalation; administrative force-release.

package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/warden/internal/ledger"
	"github.com/2389/warden/internal/runtime"
)

// Policy holds the admission bounds for one agent. Zero fields fall back to
// the defaults below.
type Policy struct {
	// QueueDepth bounds each lane's FIFO wait list. A submission that would
	// exceed it fails with ErrCapacityExceeded; waiters already admitted are
	// never evicted.
	QueueDepth int
	// ConcurrentSlots bounds how many concurrent-lane requests may run at
	// once.
	ConcurrentSlots int
	// TerminateGrace is how long a graceful terminate waits for the request
	// to settle cooperatively before escalating to force.
	TerminateGrace time.Duration
	// StuckLockAfter is how long an exclusive lock may be held before the
	// watchdog flags it as stuck.
	StuckLockAfter time.Duration
}

const (
	defaultQueueDepth      = 50
	defaultConcurrentSlots = 4
	defaultTerminateGrace  = 10 * time.Second
	defaultStuckLockAfter  = 30 * time.Minute

	defaultSettledRetention = 5 * time.Minute
)

func (p Policy) withDefaults() Policy {
	if p.QueueDepth <= 0 {
		p.QueueDepth = defaultQueueDepth
	}
	if p.ConcurrentSlots <= 0 {
		p.ConcurrentSlots = defaultConcurrentSlots
	}
	if p.TerminateGrace <= 0 {
		p.TerminateGrace = defaultTerminateGrace
	}
	if p.StuckLockAfter <= 0 {
		p.StuckLockAfter = defaultStuckLockAfter
	}
	return p
}

// merge overlays the non-zero fields of an agent override onto the base.
func (p Policy) merge(override Policy) Policy {
	if override.QueueDepth > 0 {
		p.QueueDepth = override.QueueDepth
	}
	if override.ConcurrentSlots > 0 {
		p.ConcurrentSlots = override.ConcurrentSlots
	}
	if override.TerminateGrace > 0 {
		p.TerminateGrace = override.TerminateGrace
	}
	if override.StuckLockAfter > 0 {
		p.StuckLockAfter = override.StuckLockAfter
	}
	return p
}

// Config configures a Controller.
type Config struct {
	Policy        Policy
	AgentPolicies map[string]Policy

	// Workers and WorkerBacklog size the pool that runs blocking runtime
	// invocations. This pool is never used for terminal I/O.
	Workers       int
	WorkerBacklog int

	// SettledRetention is how long a settled execution stays resolvable
	// through Lookup before it is evicted from the index. Defaults to five
	// minutes; the gateway aligns it with the idempotency-key TTL so replays
	// keep resolving for as long as the key is live.
	SettledRetention time.Duration
}

// laneState is all per-agent admission state. Guarded by Controller.mu.
type laneState struct {
	holder          *Execution
	lockAcquiredAt  time.Time
	warnedStuck     bool
	exclusiveQueue  []*Execution
	slotsUsed       int
	concurrentQueue []*Execution
}

// availabilityChecker is implemented by runtime managers that can reject an
// agent up front, such as the circuit breaker wrapper.
type availabilityChecker interface {
	Available(agentID string) bool
}

// Snapshot is a read-only view of one agent's admission state.
type Snapshot struct {
	AgentID           string        `json:"agent_id"`
	RunningRequestID  string        `json:"running_request_id,omitempty"`
	LockHeldFor       time.Duration `json:"-"`
	QueueDepth        int           `json:"queue_depth"`
	ConcurrentRunning int           `json:"concurrent_running"`
	ConcurrentQueued  int           `json:"concurrent_queued"`
	ConcurrentSlots   int           `json:"concurrent_slots"`
}

// Controller decides, per agent, what may run now and what must wait. It is
// the only writer of lock, slot, and queue state; callers interact through
// Submit, Terminate, ForceRelease, and Snapshot.
type Controller struct {
	runtime   runtime.Manager
	directory runtime.Directory
	ledger    *ledger.Ledger
	pool      *Pool
	logger    *slog.Logger

	basePolicy       Policy
	agentPolicies    map[string]Policy
	settledRetention time.Duration

	mu    sync.Mutex
	lanes map[string]*laneState
	index map[string]*Execution

	// recordMu orders ledger writes. Every path that produces events while
	// holding mu takes recordMu before releasing mu (see handoff), so two
	// transitions on the same agent persist their events in the order the
	// state changes happened.
	recordMu sync.Mutex
}

// New creates a controller. The ledger receives an event for every lifecycle
// transition the controller performs.
func New(rt runtime.Manager, dir runtime.Directory, led *ledger.Ledger, cfg Config, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	retention := cfg.SettledRetention
	if retention <= 0 {
		retention = defaultSettledRetention
	}
	return &Controller{
		runtime:          rt,
		directory:        dir,
		ledger:           led,
		pool:             NewPool(cfg.Workers, cfg.WorkerBacklog, logger),
		logger:           logger.With("component", "admission"),
		basePolicy:       cfg.Policy.withDefaults(),
		agentPolicies:    cfg.AgentPolicies,
		settledRetention: retention,
		lanes:            make(map[string]*laneState),
		index:            make(map[string]*Execution),
	}
}

func (c *Controller) policyFor(agentID string) Policy {
	if override, ok := c.agentPolicies[agentID]; ok {
		return c.basePolicy.merge(override)
	}
	return c.basePolicy
}

func (c *Controller) laneFor(agentID string) *laneState {
	lane, ok := c.lanes[agentID]
	if !ok {
		lane = &laneState{}
		c.lanes[agentID] = lane
	}
	return lane
}

// Submit admits one unit of work. It either starts the execution immediately,
// queues it FIFO behind the lane's current occupants, or rejects it with
// ErrAgentUnavailable or ErrCapacityExceeded. The returned Execution exposes
// Done for synchronous callers.
func (c *Controller) Submit(ctx context.Context, req SubmitRequest) (*Execution, error) {
	if req.Lane != LaneExclusive && req.Lane != LaneConcurrent {
		return nil, fmt.Errorf("lane %q: %w", req.Lane, ErrInvalidLane)
	}
	if req.Origin == "" {
		req.Origin = OriginSystem
	}

	if status := c.directory.Status(req.AgentID); status != runtime.StatusRunning {
		return nil, fmt.Errorf("agent %s is %s: %w", req.AgentID, status, ErrAgentUnavailable)
	}
	if checker, ok := c.runtime.(availabilityChecker); ok && !checker.Available(req.AgentID) {
		return nil, fmt.Errorf("agent %s runtime circuit open: %w", req.AgentID, ErrAgentUnavailable)
	}

	exec := newExecution(req)
	now := time.Now().UTC()

	c.mu.Lock()
	lane := c.laneFor(req.AgentID)
	policy := c.policyFor(req.AgentID)

	var started bool
	switch req.Lane {
	case LaneExclusive:
		switch {
		case lane.holder == nil:
			c.acquireLockLocked(lane, exec, now)
			started = true
		case len(lane.exclusiveQueue) >= policy.QueueDepth:
			return nil, c.rejectCapacity(exec, policy.QueueDepth)
		default:
			lane.exclusiveQueue = append(lane.exclusiveQueue, exec)
		}
	case LaneConcurrent:
		switch {
		case lane.slotsUsed < policy.ConcurrentSlots:
			c.takeSlotLocked(lane, exec, now)
			started = true
		case len(lane.concurrentQueue) >= policy.QueueDepth:
			return nil, c.rejectCapacity(exec, policy.QueueDepth)
		default:
			lane.concurrentQueue = append(lane.concurrentQueue, exec)
		}
	}
	c.index[exec.ID] = exec

	if started {
		c.handoff([]*ledger.Event{c.execEvent(exec, ledger.StateRunning, 0, "")})
		if !c.pool.TrySubmit(func() { c.run(exec) }) {
			poolErr := fmt.Errorf("invoke pool saturated: %w", ErrCapacityExceeded)
			c.finish(exec, nil, poolErr)
			c.forget(exec.ID)
			return nil, poolErr
		}
	} else {
		c.handoff([]*ledger.Event{c.execEvent(exec, ledger.StateQueued, 0, "")})
	}

	c.logger.Debug("execution admitted",
		"execution_id", exec.ID,
		"agent_id", exec.AgentID,
		"lane", exec.Lane,
		"origin", exec.Origin,
		"started", started,
	)
	return exec, nil
}

// rejectCapacity records the rejection and builds the caller-facing error.
// Called with mu held; handoff releases it.
func (c *Controller) rejectCapacity(exec *Execution, depth int) error {
	c.handoff([]*ledger.Event{{
		AgentID:     exec.AgentID,
		ExecutionID: exec.ID,
		Type:        ledger.EventTypeAdmission,
		State:       ledger.StateCapacityExceeded,
		Error:       fmt.Sprintf("%s lane queue full", exec.Lane),
	}})
	return fmt.Errorf("agent %s %s lane queue full (depth %d): %w",
		exec.AgentID, exec.Lane, depth, ErrCapacityExceeded)
}

func (c *Controller) acquireLockLocked(lane *laneState, exec *Execution, now time.Time) {
	lane.holder = exec
	lane.lockAcquiredAt = now
	lane.warnedStuck = false
	exec.markRunning(now)
}

func (c *Controller) takeSlotLocked(lane *laneState, exec *Execution, now time.Time) {
	lane.slotsUsed++
	exec.occupiesSlot = true
	exec.markRunning(now)
}

// run executes one admitted request on a pool worker. The invoke context is
// detached from the submitter's request context: an interactive caller going
// away must not cancel work the agent is already performing.
func (c *Controller) run(exec *Execution) {
	var ctx context.Context
	var cancel context.CancelFunc
	if exec.timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), exec.timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	defer cancel()

	if exec.setCancel(cancel) {
		// Terminate arrived before a worker picked this up.
		cancel()
	}

	result, err := c.runtime.Invoke(ctx, exec.AgentID, exec.Payload)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("soft deadline %s exceeded: %w", exec.timeout, ErrExecutionTimeout)
	}
	c.finish(exec, result, err)
}

func (c *Controller) finish(exec *Execution, result []byte, invokeErr error) {
	c.mu.Lock()
	events, promoted := c.finishLocked(exec, result, invokeErr)
	c.settle(events, promoted)
}

// handoff releases mu and records the given events. Taking recordMu before
// dropping mu closes the window where a later transition on the same agent
// could persist its events first. Must be called with mu held.
func (c *Controller) handoff(events []*ledger.Event) {
	c.recordMu.Lock()
	c.mu.Unlock()
	for _, event := range events {
		c.record(event)
	}
	c.recordMu.Unlock()
}

// finishLocked settles one execution, releases its lock or slot, and promotes
// the next FIFO waiter. It is idempotent: a second settle attempt (late
// runtime return after a force terminate) is a no-op.
func (c *Controller) finishLocked(exec *Execution, result []byte, invokeErr error) ([]*ledger.Event, []*Execution) {
	if exec.released {
		return nil, nil
	}
	exec.released = true

	now := time.Now().UTC()

	status := StatusCompleted
	switch {
	case exec.isCancelRequested():
		status = StatusTerminated
	case invokeErr != nil && errors.Is(invokeErr, ErrExecutionTimeout):
		status = StatusTerminated
	case invokeErr != nil:
		status = StatusFailed
	}

	var duration time.Duration
	if started := exec.StartedAt(); !started.IsZero() {
		duration = now.Sub(started)
	}
	exec.markFinished(status, result, invokeErr, now)

	errText := ""
	if invokeErr != nil {
		errText = invokeErr.Error()
	}
	events := []*ledger.Event{c.execEvent(exec, terminalState(status), duration, errText)}

	promoted := c.releaseLocked(exec, now)
	for _, next := range promoted {
		events = append(events, c.execEvent(next, ledger.StateRunning, 0, ""))
	}

	// Settled executions stay resolvable for the retention window, then the
	// index lets them go.
	id := exec.ID
	time.AfterFunc(c.settledRetention, func() { c.forget(id) })
	return events, promoted
}

func terminalState(status Status) ledger.EventState {
	switch status {
	case StatusFailed:
		return ledger.StateFailed
	case StatusTerminated:
		return ledger.StateTerminated
	default:
		return ledger.StateCompleted
	}
}

// releaseLocked gives back the lock or slot the execution held, or removes it
// from its wait queue if it never started, and promotes waiters.
func (c *Controller) releaseLocked(exec *Execution, now time.Time) []*Execution {
	lane, ok := c.lanes[exec.AgentID]
	if !ok {
		return nil
	}

	switch exec.Lane {
	case LaneExclusive:
		if lane.holder != exec {
			lane.exclusiveQueue = removeExecution(lane.exclusiveQueue, exec)
			return nil
		}
		lane.holder = nil
		if len(lane.exclusiveQueue) == 0 {
			return nil
		}
		next := lane.exclusiveQueue[0]
		lane.exclusiveQueue = lane.exclusiveQueue[1:]
		c.acquireLockLocked(lane, next, now)
		return []*Execution{next}

	case LaneConcurrent:
		if !exec.occupiesSlot {
			lane.concurrentQueue = removeExecution(lane.concurrentQueue, exec)
			return nil
		}
		lane.slotsUsed--
		if len(lane.concurrentQueue) == 0 {
			return nil
		}
		next := lane.concurrentQueue[0]
		lane.concurrentQueue = lane.concurrentQueue[1:]
		c.takeSlotLocked(lane, next, now)
		return []*Execution{next}
	}
	return nil
}

func removeExecution(queue []*Execution, exec *Execution) []*Execution {
	for i, e := range queue {
		if e == exec {
			return append(queue[:i], queue[i+1:]...)
		}
	}
	return queue
}

// settle is the tail of every finishLocked call: it records the events via
// handoff (releasing mu) and hands promoted waiters to the pool. Promotions
// use Enqueue: admitted waiters wait for a worker rather than being dropped
// under pool pressure. Must be called with mu held.
func (c *Controller) settle(events []*ledger.Event, promoted []*Execution) {
	c.handoff(events)
	for _, next := range promoted {
		next := next
		c.pool.Enqueue(func() { c.run(next) })
	}
}

// Terminate cancels one execution. Graceful mode signals cooperative
// cancellation and escalates to force after the grace period; force mode
// interrupts the runtime call and releases the lane immediately. Returns
// false without error if the execution already settled.
func (c *Controller) Terminate(ctx context.Context, executionID string, mode TerminateMode) (bool, error) {
	if mode != TerminateGraceful && mode != TerminateForce {
		return false, fmt.Errorf("unknown terminate mode %q", mode)
	}

	c.mu.Lock()
	exec, ok := c.index[executionID]
	if !ok {
		c.mu.Unlock()
		return false, fmt.Errorf("execution %s: %w", executionID, ErrUnknownExecution)
	}

	status := exec.Status()
	if status.Terminal() {
		c.mu.Unlock()
		return false, nil
	}

	if status == StatusQueued {
		exec.markCancelRequested()
		events, promoted := c.finishLocked(exec, nil, nil)
		c.settle(events, promoted)
		c.logger.Info("queued execution terminated", "execution_id", executionID)
		return true, nil
	}

	if mode == TerminateForce {
		exec.markCancelRequested()
		exec.cancelNow()
		events, promoted := c.finishLocked(exec, nil, nil)
		c.settle(events, promoted)
		c.logger.Info("execution force terminated", "execution_id", executionID)
		return true, nil
	}

	firstRequest := exec.markCancelRequested()
	grace := c.policyFor(exec.AgentID).TerminateGrace
	c.mu.Unlock()

	exec.cancelNow()
	if firstRequest {
		exec.setForceTimer(time.AfterFunc(grace, func() { c.forceSettle(exec) }))
	}
	c.logger.Info("graceful terminate requested",
		"execution_id", executionID,
		"grace", grace,
	)
	return true, nil
}

// forceSettle is the escalation path when a graceful terminate's grace period
// elapses without the runtime call returning.
func (c *Controller) forceSettle(exec *Execution) {
	exec.cancelNow()
	c.mu.Lock()
	events, promoted := c.finishLocked(exec, nil, nil)
	escalated := len(events) > 0
	c.settle(events, promoted)
	if escalated {
		c.logger.Warn("graceful terminate escalated to force", "execution_id", exec.ID)
	}
}

// ForceRelease clears an agent's exclusive lock regardless of holder state.
// Administrative only: it is never invoked automatically, and it is always
// recorded in the ledger even when the lock was already free. Returns false
// when there was nothing to release.
func (c *Controller) ForceRelease(ctx context.Context, agentID string) (bool, error) {
	c.mu.Lock()
	var events []*ledger.Event
	var promoted []*Execution
	var holderID string
	released := false

	if lane, ok := c.lanes[agentID]; ok && lane.holder != nil {
		holder := lane.holder
		holderID = holder.ID
		holder.markCancelRequested()
		holder.cancelNow()
		events, promoted = c.finishLocked(holder, nil,
			fmt.Errorf("abandoned by holder, released by administrator: %w", ErrLockStuck))
		released = true
	}
	events = append(events, &ledger.Event{
		AgentID:     agentID,
		ExecutionID: holderID,
		Type:        ledger.EventTypeAdmission,
		State:       ledger.StateForceReleased,
	})
	c.settle(events, promoted)
	c.logger.Warn("force release", "agent_id", agentID, "released", released)
	return released, nil
}

// Snapshot returns a read-only view of one agent's admission state.
func (c *Controller) Snapshot(agentID string) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		AgentID:         agentID,
		ConcurrentSlots: c.policyFor(agentID).ConcurrentSlots,
	}
	lane, ok := c.lanes[agentID]
	if !ok {
		return snap
	}
	if lane.holder != nil {
		snap.RunningRequestID = lane.holder.ID
		snap.LockHeldFor = time.Since(lane.lockAcquiredAt)
	}
	snap.QueueDepth = len(lane.exclusiveQueue)
	snap.ConcurrentRunning = lane.slotsUsed
	snap.ConcurrentQueued = len(lane.concurrentQueue)
	return snap
}

// Lookup returns the execution with the given id, if the controller still
// tracks it.
func (c *Controller) Lookup(executionID string) (*Execution, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	exec, ok := c.index[executionID]
	return exec, ok
}

func (c *Controller) forget(executionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.index, executionID)
}

// RunWatchdog periodically flags exclusive locks held past their policy's
// StuckLockAfter. A stuck lock is surfaced once per holder as an operational
// condition; it is never auto-released.
func (c *Controller) RunWatchdog(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkStuckLocks(time.Now().UTC())
		}
	}
}

func (c *Controller) checkStuckLocks(now time.Time) {
	type stuckLock struct {
		agentID string
		execID  string
		heldFor time.Duration
	}
	var found []stuckLock
	var events []*ledger.Event

	c.mu.Lock()
	for agentID, lane := range c.lanes {
		if lane.holder == nil || lane.warnedStuck {
			continue
		}
		heldFor := now.Sub(lane.lockAcquiredAt)
		if heldFor >= c.policyFor(agentID).StuckLockAfter {
			lane.warnedStuck = true
			found = append(found, stuckLock{agentID, lane.holder.ID, heldFor})
			events = append(events, &ledger.Event{
				AgentID:     agentID,
				ExecutionID: lane.holder.ID,
				Type:        ledger.EventTypeAdmission,
				State:       ledger.StateLockStuck,
				Error:       fmt.Sprintf("exclusive lock held for %s without completion", heldFor.Round(time.Second)),
			})
		}
	}
	c.handoff(events)

	for _, s := range found {
		c.logger.Warn("exclusive lock appears stuck",
			"agent_id", s.agentID,
			"execution_id", s.execID,
			"held_for", s.heldFor,
		)
	}
}

func (c *Controller) execEvent(exec *Execution, state ledger.EventState, duration time.Duration, errText string) *ledger.Event {
	return &ledger.Event{
		AgentID:     exec.AgentID,
		ExecutionID: exec.ID,
		Type:        ledger.EventTypeExecution,
		State:       state,
		Duration:    duration,
		Error:       errText,
	}
}

func (c *Controller) record(event *ledger.Event) {
	if c.ledger == nil {
		return
	}
	if err := c.ledger.Record(context.Background(), event); err != nil {
		c.logger.Error("recording activity event failed",
			"agent_id", event.AgentID,
			"state", event.State,
			"error", err,
		)
	}
}

// Close stops the worker pool. In-flight invocations are abandoned to their
// contexts; the caller should have drained submissions first.
func (c *Controller) Close() {
	c.pool.Close()
}

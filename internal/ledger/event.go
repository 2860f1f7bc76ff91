// ABOUTME: ActivityEvent record types for the append-only per-agent activity ledger.
// ABOUTME: Immutable lifecycle transitions produced by admission and terminal components.

package ledger

import "time"

// EventType categorizes which component produced an event.
type EventType string

const (
	// EventTypeExecution marks a transition in an execution request's lifecycle.
	EventTypeExecution EventType = "execution"
	// EventTypeSession marks a terminal session opening or closing.
	EventTypeSession EventType = "session"
	// EventTypeAdmission marks an operational admission-control condition
	// (capacity rejection, stuck lock, administrative force-release).
	EventTypeAdmission EventType = "admission"
)

// EventState is the lifecycle state an event records.
type EventState string

const (
	StateQueued     EventState = "queued"
	StateRunning    EventState = "running"
	StateCompleted  EventState = "completed"
	StateFailed     EventState = "failed"
	StateTerminated EventState = "terminated"

	StateSessionOpened EventState = "opened"
	StateSessionClosed EventState = "closed"

	StateCapacityExceeded EventState = "capacity_exceeded"
	StateLockStuck        EventState = "lock_stuck"
	StateForceReleased    EventState = "force_released"
)

// Event is one immutable activity record. Events are append-only: consumers
// never mutate or delete them, and the store (not the live broadcast channel)
// is the durable system of record.
type Event struct {
	// Seq is the store-assigned per-process monotonic sequence number.
	// Zero until the event has been persisted.
	Seq int64

	ID          string
	AgentID     string
	ExecutionID string // empty for events not tied to an execution
	Type        EventType
	State       EventState
	Timestamp   time.Time
	Duration    time.Duration // zero unless the event closes a measured span
	Error       string        // empty unless the transition carried an error
}

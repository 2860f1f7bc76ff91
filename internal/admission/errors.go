// ABOUTME: Error taxonomy for execution admission control.
// ABOUTME: Sentinel errors callers match with errors.Is to decide retry behavior.

package admission

import "errors"

var (
	// ErrAgentUnavailable means the target agent is not running or not found.
	// Surfaced immediately; the controller never retries on the caller's behalf.
	ErrAgentUnavailable = errors.New("agent unavailable")

	// ErrCapacityExceeded means a queue or concurrency bound was hit. The new
	// submission is rejected; existing waiters are never evicted. Callers retry
	// with backoff.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrExecutionTimeout means a caller-supplied soft deadline elapsed while
	// the request was running.
	ErrExecutionTimeout = errors.New("execution timeout")

	// ErrExecutionFailed means the runtime reported an application-level
	// failure. Recorded in the ledger; retry is an explicit re-submission.
	ErrExecutionFailed = errors.New("execution failed")

	// ErrLockStuck means an exclusive lock holder vanished without releasing.
	// Never auto-resolved; requires an administrative force-release.
	ErrLockStuck = errors.New("execution lock stuck")

	// ErrUnknownExecution means no execution with the given id exists.
	ErrUnknownExecution = errors.New("unknown execution")

	// ErrInvalidLane means the submission named a lane the controller does not
	// recognize.
	ErrInvalidLane = errors.New("invalid lane")
)

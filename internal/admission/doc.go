// Package admission decides, per agent, what may run now and what must wait.
//
// # Lanes
//
// Each agent has two admission lanes. The exclusive lane guarantees at most
// one running request at a time: interactive turns and scheduled triggers
// both mutate the agent's shared conversation and workspace state, so they
// serialize through it regardless of origin. The concurrent lane allows a
// bounded number of parallel stateless requests, sized to the agent's
// resource allocation.
//
// Overflow in either lane queues FIFO up to the policy's queue depth. A
// submission past the bound fails with ErrCapacityExceeded; waiters already
// admitted are never evicted, preserving submission-order fairness.
//
// # Termination and recovery
//
// Terminate supports a cooperative graceful mode that escalates to force
// after a grace period, and an immediate force mode. Either way the lock or
// slot is released and the next waiter promoted. A lock whose holder vanished
// without settling is flagged by the watchdog as an operational condition and
// cleared only by an explicit administrative ForceRelease, which is always
// recorded in the activity ledger.
//
// # Blocking-call discipline
//
// Runtime invocations may block for seconds to minutes, so they run on a
// bounded pool dedicated to that purpose. Terminal session I/O never touches
// this pool; see the termio package.
package admission

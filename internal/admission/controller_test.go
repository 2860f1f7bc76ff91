// ABOUTME: Tests for the per-agent admission controller.
// ABOUTME: Covers mutual exclusion, FIFO fairness, capacity bounds, termination, force-release, watchdog.

package admission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/warden/internal/ledger"
	"github.com/2389/warden/internal/runtime"
)

func newTestController(t *testing.T, cfg Config) (*Controller, *runtime.MockManager, *ledger.Ledger) {
	t.Helper()

	mock := runtime.NewMockManager()
	mock.SetStatus("agent-1", runtime.StatusRunning)

	store, err := ledger.NewStore(":memory:", nil)
	require.NoError(t, err)
	led := ledger.New(store, nil)

	c := New(mock, mock, led, cfg, nil)
	t.Cleanup(func() {
		c.Close()
		_ = led.Close()
	})
	return c, mock, led
}

func nextInvocation(t *testing.T, mock *runtime.MockManager) *runtime.MockInvocation {
	t.Helper()
	select {
	case inv := <-mock.Started():
		return inv
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for runtime invocation")
		return nil
	}
}

func waitStatus(t *testing.T, exec *Execution, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		return exec.Status() == want
	}, 2*time.Second, 5*time.Millisecond, "execution never reached %s", want)
}

func waitDone(t *testing.T, exec *Execution) {
	t.Helper()
	select {
	case <-exec.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for execution to settle")
	}
}

func submitExclusive(t *testing.T, c *Controller, payload string) *Execution {
	t.Helper()
	exec, err := c.Submit(testContext(t), SubmitRequest{
		AgentID: "agent-1",
		Origin:  OriginInteractive,
		Lane:    LaneExclusive,
		Payload: []byte(payload),
	})
	require.NoError(t, err)
	return exec
}

func TestController_RejectsStoppedAgent(t *testing.T) {
	c, _, _ := newTestController(t, Config{})

	_, err := c.Submit(testContext(t), SubmitRequest{
		AgentID: "agent-stopped",
		Lane:    LaneExclusive,
	})
	require.ErrorIs(t, err, ErrAgentUnavailable)
}

func TestController_RejectsInvalidLane(t *testing.T) {
	c, _, _ := newTestController(t, Config{})

	_, err := c.Submit(testContext(t), SubmitRequest{
		AgentID: "agent-1",
		Lane:    Lane("sideways"),
	})
	require.ErrorIs(t, err, ErrInvalidLane)
}

func TestController_ExclusiveLaneSerializes(t *testing.T) {
	c, mock, _ := newTestController(t, Config{})

	a := submitExclusive(t, c, "a")
	waitStatus(t, a, StatusRunning)
	invA := nextInvocation(t, mock)

	// B arrives while A holds the lock: it must queue, not run.
	b := submitExclusive(t, c, "b")
	assert.Equal(t, StatusQueued, b.Status())

	snap := c.Snapshot("agent-1")
	assert.Equal(t, a.ID, snap.RunningRequestID)
	assert.Equal(t, 1, snap.QueueDepth)

	// A completing autonomously promotes B.
	invA.Finish([]byte("done-a"), nil)
	waitStatus(t, a, StatusCompleted)
	waitStatus(t, b, StatusRunning)

	invB := nextInvocation(t, mock)
	assert.Equal(t, []byte("b"), invB.Payload)
	invB.Finish(nil, nil)
	waitStatus(t, b, StatusCompleted)

	result, err := a.Result()
	require.NoError(t, err)
	assert.Equal(t, []byte("done-a"), result)
}

func TestController_ExclusiveQueueIsFIFO(t *testing.T) {
	c, mock, _ := newTestController(t, Config{})

	holder := submitExclusive(t, c, "holder")
	waitStatus(t, holder, StatusRunning)
	inv := nextInvocation(t, mock)

	// Mixed origins queue behind the holder in submission order; a scheduled
	// trigger gets no priority over interactive turns or vice versa.
	first := submitExclusive(t, c, "first")
	second, err := c.Submit(testContext(t), SubmitRequest{
		AgentID: "agent-1",
		Origin:  OriginSchedule,
		Lane:    LaneExclusive,
		Payload: []byte("second"),
	})
	require.NoError(t, err)
	third := submitExclusive(t, c, "third")

	inv.Finish(nil, nil)
	for _, want := range []string{"first", "second", "third"} {
		inv = nextInvocation(t, mock)
		assert.Equal(t, []byte(want), inv.Payload)
		inv.Finish(nil, nil)
	}

	for _, exec := range []*Execution{first, second, third} {
		waitStatus(t, exec, StatusCompleted)
	}
}

func TestController_QueueBoundRejectsNewWithoutEvictingWaiters(t *testing.T) {
	c, mock, _ := newTestController(t, Config{Policy: Policy{QueueDepth: 2}})

	holder := submitExclusive(t, c, "holder")
	waitStatus(t, holder, StatusRunning)
	inv := nextInvocation(t, mock)

	w1 := submitExclusive(t, c, "w1")
	w2 := submitExclusive(t, c, "w2")

	_, err := c.Submit(testContext(t), SubmitRequest{
		AgentID: "agent-1",
		Lane:    LaneExclusive,
		Payload: []byte("overflow"),
	})
	require.ErrorIs(t, err, ErrCapacityExceeded)

	// The rejection hit only the new submission.
	assert.Equal(t, StatusQueued, w1.Status())
	assert.Equal(t, StatusQueued, w2.Status())
	assert.Equal(t, 2, c.Snapshot("agent-1").QueueDepth)

	inv.Finish(nil, nil)
	nextInvocation(t, mock).Finish(nil, nil)
	nextInvocation(t, mock).Finish(nil, nil)
	waitStatus(t, w2, StatusCompleted)
}

func TestController_ConcurrentLaneBound(t *testing.T) {
	c, mock, _ := newTestController(t, Config{Policy: Policy{ConcurrentSlots: 3}})

	var execs []*Execution
	for i := 0; i < 4; i++ {
		exec, err := c.Submit(testContext(t), SubmitRequest{
			AgentID: "agent-1",
			Origin:  OriginPeer,
			Lane:    LaneConcurrent,
		})
		require.NoError(t, err)
		execs = append(execs, exec)
	}

	// Exactly three run immediately; the fourth waits for a slot.
	invs := []*runtime.MockInvocation{
		nextInvocation(t, mock),
		nextInvocation(t, mock),
		nextInvocation(t, mock),
	}
	snap := c.Snapshot("agent-1")
	assert.Equal(t, 3, snap.ConcurrentRunning)
	assert.Equal(t, 1, snap.ConcurrentQueued)
	assert.Equal(t, StatusQueued, execs[3].Status())

	invs[0].Finish(nil, nil)
	waitStatus(t, execs[3], StatusRunning)
	nextInvocation(t, mock).Finish(nil, nil)
	invs[1].Finish(nil, nil)
	invs[2].Finish(nil, nil)

	for _, exec := range execs {
		waitDone(t, exec)
	}
}

func TestController_ConcurrentLaneDoesNotTouchExclusiveLock(t *testing.T) {
	c, mock, _ := newTestController(t, Config{})

	excl := submitExclusive(t, c, "exclusive")
	waitStatus(t, excl, StatusRunning)
	invExcl := nextInvocation(t, mock)

	conc, err := c.Submit(testContext(t), SubmitRequest{
		AgentID: "agent-1",
		Origin:  OriginPeer,
		Lane:    LaneConcurrent,
	})
	require.NoError(t, err)
	waitStatus(t, conc, StatusRunning)

	nextInvocation(t, mock).Finish(nil, nil)
	waitStatus(t, conc, StatusCompleted)
	invExcl.Finish(nil, nil)
	waitStatus(t, excl, StatusCompleted)
}

func TestController_TerminateForceReleasesAndPromotes(t *testing.T) {
	c, mock, _ := newTestController(t, Config{})

	a := submitExclusive(t, c, "a")
	waitStatus(t, a, StatusRunning)
	nextInvocation(t, mock)

	b := submitExclusive(t, c, "b")

	accepted, err := c.Terminate(testContext(t), a.ID, TerminateForce)
	require.NoError(t, err)
	assert.True(t, accepted)

	waitStatus(t, a, StatusTerminated)
	waitStatus(t, b, StatusRunning)
	nextInvocation(t, mock).Finish(nil, nil)
	waitStatus(t, b, StatusCompleted)
}

func TestController_TerminateGracefulCooperative(t *testing.T) {
	c, mock, _ := newTestController(t, Config{})

	a := submitExclusive(t, c, "a")
	waitStatus(t, a, StatusRunning)
	inv := nextInvocation(t, mock)

	accepted, err := c.Terminate(testContext(t), a.ID, TerminateGraceful)
	require.NoError(t, err)
	assert.True(t, accepted)

	// The default mock honors cancellation, so the cooperative path settles
	// well before the grace period.
	waitStatus(t, a, StatusTerminated)
	assert.Error(t, inv.Context().Err())
}

func TestController_TerminateGracefulEscalatesToForce(t *testing.T) {
	c, mock, _ := newTestController(t, Config{
		Policy: Policy{TerminateGrace: 50 * time.Millisecond},
	})

	// A holder that ignores cancellation entirely.
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	mock.InvokeFn = func(ctx context.Context, agentID string, payload []byte) ([]byte, error) {
		<-block
		return nil, nil
	}

	a := submitExclusive(t, c, "a")
	waitStatus(t, a, StatusRunning)
	b := submitExclusive(t, c, "b")

	accepted, err := c.Terminate(testContext(t), a.ID, TerminateGraceful)
	require.NoError(t, err)
	assert.True(t, accepted)

	// Escalation settles A and frees the lock despite the stuck call.
	waitStatus(t, a, StatusTerminated)
	waitStatus(t, b, StatusRunning)
}

func TestController_TerminateQueuedRemovesWaiter(t *testing.T) {
	c, mock, _ := newTestController(t, Config{})

	a := submitExclusive(t, c, "a")
	waitStatus(t, a, StatusRunning)
	inv := nextInvocation(t, mock)
	b := submitExclusive(t, c, "b")

	accepted, err := c.Terminate(testContext(t), b.ID, TerminateGraceful)
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, StatusTerminated, b.Status())
	assert.Equal(t, 0, c.Snapshot("agent-1").QueueDepth)

	// A's completion must not resurrect the removed waiter.
	inv.Finish(nil, nil)
	waitStatus(t, a, StatusCompleted)
	select {
	case inv := <-mock.Started():
		t.Fatalf("terminated waiter was promoted: %v", inv.AgentID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestController_TerminateSettledIsNoOp(t *testing.T) {
	c, mock, _ := newTestController(t, Config{})

	a := submitExclusive(t, c, "a")
	nextInvocation(t, mock).Finish(nil, nil)
	waitStatus(t, a, StatusCompleted)

	accepted, err := c.Terminate(testContext(t), a.ID, TerminateForce)
	require.NoError(t, err)
	assert.False(t, accepted)
}

func TestController_TerminateUnknownExecution(t *testing.T) {
	c, _, _ := newTestController(t, Config{})

	_, err := c.Terminate(testContext(t), "no-such-id", TerminateForce)
	require.ErrorIs(t, err, ErrUnknownExecution)
}

func TestController_ForceReleaseFreeLock(t *testing.T) {
	c, _, led := newTestController(t, Config{})

	released, err := c.ForceRelease(testContext(t), "agent-1")
	require.NoError(t, err)
	assert.False(t, released)

	// Audited even when there was nothing to release.
	events, err := led.QuerySince(testContext(t), "agent-1", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ledger.StateForceReleased, events[0].State)
}

func TestController_ForceReleaseStuckHolder(t *testing.T) {
	c, mock, _ := newTestController(t, Config{})

	// Simulate a holder whose runtime crashed silently: the call never
	// returns and never observes cancellation.
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	mock.InvokeFn = func(ctx context.Context, agentID string, payload []byte) ([]byte, error) {
		<-block
		return nil, nil
	}

	a := submitExclusive(t, c, "a")
	waitStatus(t, a, StatusRunning)
	b := submitExclusive(t, c, "b")

	released, err := c.ForceRelease(testContext(t), "agent-1")
	require.NoError(t, err)
	assert.True(t, released)

	waitStatus(t, a, StatusTerminated)
	_, aErr := a.Result()
	require.ErrorIs(t, aErr, ErrLockStuck)

	// The next waiter takes the lock immediately.
	waitStatus(t, b, StatusRunning)
}

func TestController_SoftDeadlineTerminates(t *testing.T) {
	c, mock, _ := newTestController(t, Config{})

	exec, err := c.Submit(testContext(t), SubmitRequest{
		AgentID: "agent-1",
		Lane:    LaneExclusive,
		Timeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	nextInvocation(t, mock)

	waitStatus(t, exec, StatusTerminated)
	_, execErr := exec.Result()
	require.ErrorIs(t, execErr, ErrExecutionTimeout)
}

func TestController_RuntimeFailureMarksFailed(t *testing.T) {
	c, mock, led := newTestController(t, Config{})

	a := submitExclusive(t, c, "a")
	nextInvocation(t, mock).Finish(nil, errors.New("tool crashed"))
	waitStatus(t, a, StatusFailed)

	_, aErr := a.Result()
	require.EqualError(t, aErr, "tool crashed")

	// Failure detail lands in the ledger regardless of who is listening.
	require.Eventually(t, func() bool {
		events, err := led.ByExecution(testContext(t), a.ID)
		require.NoError(t, err)
		for _, event := range events {
			if event.State == ledger.StateFailed && event.Error == "tool crashed" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestController_WatchdogFlagsStuckLockOnce(t *testing.T) {
	c, mock, led := newTestController(t, Config{
		Policy: Policy{StuckLockAfter: 30 * time.Minute},
	})

	a := submitExclusive(t, c, "a")
	waitStatus(t, a, StatusRunning)
	nextInvocation(t, mock)

	future := time.Now().UTC().Add(31 * time.Minute)
	c.checkStuckLocks(future)
	c.checkStuckLocks(future.Add(time.Minute))

	events, err := led.QuerySince(testContext(t), "agent-1", time.Time{}, 0)
	require.NoError(t, err)
	var stuck int
	for _, event := range events {
		if event.State == ledger.StateLockStuck {
			stuck++
			assert.Equal(t, a.ID, event.ExecutionID)
		}
	}
	assert.Equal(t, 1, stuck, "stuck lock flagged once per holder, not per tick")

	// The lock itself stays held; only force-release clears it.
	assert.Equal(t, a.ID, c.Snapshot("agent-1").RunningRequestID)
}

func TestController_LedgerOrderingPerAgent(t *testing.T) {
	c, mock, led := newTestController(t, Config{})

	a := submitExclusive(t, c, "a")
	b := submitExclusive(t, c, "b")
	nextInvocation(t, mock).Finish(nil, nil)
	nextInvocation(t, mock).Finish(nil, nil)
	waitStatus(t, a, StatusCompleted)
	waitStatus(t, b, StatusCompleted)

	events, err := led.QuerySince(testContext(t), "agent-1", time.Time{}, 0)
	require.NoError(t, err)

	// a: running, completed; b: queued, running, completed. Generation order
	// survives in sequence order.
	var states []ledger.EventState
	for _, event := range events {
		states = append(states, event.State)
	}
	assert.Equal(t, []ledger.EventState{
		ledger.StateRunning,
		ledger.StateQueued,
		ledger.StateCompleted,
		ledger.StateRunning,
		ledger.StateCompleted,
	}, states)
}

func TestController_SettledExecutionEvictedAfterRetention(t *testing.T) {
	c, mock, _ := newTestController(t, Config{SettledRetention: 50 * time.Millisecond})

	a := submitExclusive(t, c, "a")
	nextInvocation(t, mock).Finish(nil, nil)
	waitStatus(t, a, StatusCompleted)

	// Settled work stays resolvable for the retention window, then the index
	// lets it go.
	_, ok := c.Lookup(a.ID)
	assert.True(t, ok)
	require.Eventually(t, func() bool {
		_, ok := c.Lookup(a.ID)
		return !ok
	}, 2*time.Second, 10*time.Millisecond, "settled execution never evicted")
}

func TestController_TrailOrderSurvivesPromotionRace(t *testing.T) {
	c, mock, led := newTestController(t, Config{})

	rank := map[ledger.EventState]int{
		ledger.StateQueued:    0,
		ledger.StateRunning:   1,
		ledger.StateCompleted: 2,
	}

	for i := 0; i < 30; i++ {
		holder := submitExclusive(t, c, "holder")
		waitStatus(t, holder, StatusRunning)
		inv := nextInvocation(t, mock)

		// Settle the holder from another goroutine so the waiter's promotion
		// races its own admission.
		go inv.Finish(nil, nil)
		waiter := submitExclusive(t, c, "waiter")

		nextInvocation(t, mock).Finish(nil, nil)
		waitStatus(t, holder, StatusCompleted)
		waitStatus(t, waiter, StatusCompleted)

		events, err := led.ByExecution(testContext(t), waiter.ID)
		require.NoError(t, err)
		require.NotEmpty(t, events)
		prev := -1
		for _, event := range events {
			r, known := rank[event.State]
			require.True(t, known, "unexpected state %s in trail", event.State)
			require.Greater(t, r, prev,
				"trail recorded %s out of order for %s", event.State, waiter.ID)
			prev = r
		}
	}
}

func TestController_SnapshotUnknownAgent(t *testing.T) {
	c, _, _ := newTestController(t, Config{})

	snap := c.Snapshot("agent-unknown")
	assert.Empty(t, snap.RunningRequestID)
	assert.Zero(t, snap.QueueDepth)
	assert.Equal(t, defaultConcurrentSlots, snap.ConcurrentSlots)
}

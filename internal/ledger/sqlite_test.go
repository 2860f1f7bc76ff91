// ABOUTME: Tests for SQLite activity event persistence.
// ABOUTME: Covers append, sequence assignment, since-queries, per-execution queries.

package ledger

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func appendEvent(t *testing.T, s *Store, agentID, execID string, state EventState, ts time.Time) *Event {
	t.Helper()
	event := &Event{
		ID:          uuid.New().String(),
		AgentID:     agentID,
		ExecutionID: execID,
		Type:        EventTypeExecution,
		State:       state,
		Timestamp:   ts,
	}
	require.NoError(t, s.Append(testContext(t), event))
	return event
}

func TestStore_AppendAssignsSequence(t *testing.T) {
	s := newTestStore(t)

	first := appendEvent(t, s, "agent-1", "exec-1", StateQueued, time.Now())
	second := appendEvent(t, s, "agent-1", "exec-1", StateRunning, time.Now())

	assert.Greater(t, first.Seq, int64(0))
	assert.Greater(t, second.Seq, first.Seq)
}

func TestStore_QuerySinceReturnsGenerationOrder(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC()

	// Equal timestamps must not disturb generation order.
	appendEvent(t, s, "agent-1", "exec-1", StateQueued, base)
	appendEvent(t, s, "agent-1", "exec-1", StateRunning, base)
	appendEvent(t, s, "agent-1", "exec-1", StateCompleted, base)

	events, err := s.QuerySince(testContext(t), "agent-1", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, StateQueued, events[0].State)
	assert.Equal(t, StateRunning, events[1].State)
	assert.Equal(t, StateCompleted, events[2].State)
	assert.True(t, events[0].Seq < events[1].Seq && events[1].Seq < events[2].Seq)
}

func TestStore_QuerySinceFiltersByTimeAndAgent(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC()

	appendEvent(t, s, "agent-1", "old", StateCompleted, base.Add(-time.Hour))
	appendEvent(t, s, "agent-1", "new", StateQueued, base)
	appendEvent(t, s, "agent-2", "other", StateQueued, base)

	events, err := s.QuerySince(testContext(t), "agent-1", base.Add(-time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "new", events[0].ExecutionID)
}

func TestStore_ByExecution(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	appendEvent(t, s, "agent-1", "exec-1", StateQueued, now)
	appendEvent(t, s, "agent-1", "exec-1", StateRunning, now)
	appendEvent(t, s, "agent-1", "exec-2", StateQueued, now)

	events, err := s.ByExecution(testContext(t), "exec-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, StateQueued, events[0].State)
	assert.Equal(t, StateRunning, events[1].State)
}

func TestStore_RoundTripsDurationAndError(t *testing.T) {
	s := newTestStore(t)

	event := &Event{
		ID:        uuid.New().String(),
		AgentID:   "agent-1",
		Type:      EventTypeSession,
		State:     StateSessionClosed,
		Timestamp: time.Now().UTC(),
		Duration:  1500 * time.Millisecond,
		Error:     "stream reset",
	}
	require.NoError(t, s.Append(testContext(t), event))

	events, err := s.QuerySince(testContext(t), "agent-1", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 1500*time.Millisecond, events[0].Duration)
	assert.Equal(t, "stream reset", events[0].Error)
	assert.Empty(t, events[0].ExecutionID)
}

// Package ledger is the append-only per-agent activity log.
//
// # Overview
//
// Every lifecycle transition in the control plane is recorded as an immutable
// Event: an execution request queueing, running, or reaching a terminal state;
// a terminal session opening or closing; an operational admission condition
// like a stuck lock.
//
// # Ordering and delivery
//
// Events carry a store-assigned monotonic sequence number. Per agent, a live
// subscriber observes events in exactly the order they were generated; there
// is no ordering guarantee across agents.
//
// Live delivery is best-effort, at-most-once per connection: a subscriber
// whose channel is full misses events, and a disconnected observer misses the
// window entirely. The SQLite store, not the broadcast channel, is the durable
// system of record; observers call QuerySince to resynchronize.
//
// # Usage
//
//	store, _ := ledger.NewStore(path, logger)
//	l := ledger.New(store, logger)
//
//	l.Record(ctx, &ledger.Event{
//	    AgentID:     "agent-1",
//	    ExecutionID: reqID,
//	    Type:        ledger.EventTypeExecution,
//	    State:       ledger.StateRunning,
//	})
//
//	ch, subID := l.Subscribe(ctx, "agent-1")
//	defer l.Unsubscribe("agent-1", subID)
package ledger

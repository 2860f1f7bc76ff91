// ABOUTME: Ledger facade combining durable event storage with live fan-out.
// ABOUTME: Record persists first, then publishes; the store is the system of record.

package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Ledger is the append-only activity log for all agents. Every lifecycle
// transition in the admission controller and terminal multiplexer flows
// through Record. Live subscribers get best-effort delivery; reconnecting
// observers catch up through QuerySince.
type Ledger struct {
	store     *Store
	broadcast *Broadcaster
	logger    *slog.Logger
}

// New creates a ledger around the given store.
func New(store *Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:     store,
		broadcast: NewBroadcaster(logger),
		logger:    logger.With("component", "ledger"),
	}
}

// Record assigns the event an id and timestamp if missing, persists it, and
// then publishes it to live subscribers. Persistence failure is returned and
// nothing is published; a half-recorded event must not reach observers.
func (l *Ledger) Record(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if err := l.store.Append(ctx, event); err != nil {
		return fmt.Errorf("recording activity event: %w", err)
	}
	l.broadcast.Publish(event)
	return nil
}

// Subscribe registers a live observer for one agent. Delivery is at-most-once
// per connection; a disconnected observer resynchronizes via QuerySince.
func (l *Ledger) Subscribe(ctx context.Context, agentID string) (<-chan *Event, string) {
	return l.broadcast.Subscribe(ctx, agentID)
}

// Unsubscribe removes a live observer.
func (l *Ledger) Unsubscribe(agentID, subID string) {
	l.broadcast.Unsubscribe(agentID, subID)
}

// QuerySince returns persisted events for an agent at or after since.
func (l *Ledger) QuerySince(ctx context.Context, agentID string, since time.Time, limit int) ([]*Event, error) {
	return l.store.QuerySince(ctx, agentID, since, limit)
}

// ByExecution returns every persisted event for one execution request.
func (l *Ledger) ByExecution(ctx context.Context, executionID string) ([]*Event, error) {
	return l.store.ByExecution(ctx, executionID)
}

// Close shuts down live fan-out and the underlying store.
func (l *Ledger) Close() error {
	l.broadcast.Close()
	return l.store.Close()
}

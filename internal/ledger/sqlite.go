// ABOUTME: SQLite persistence for activity events using modernc.org/sqlite.
// ABOUTME: Append-only writes with monotonic per-process sequence and since-queries for catch-up.

package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists activity events in SQLite. The schema is created on open and
// rows are never updated or deleted.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore opens (or creates) the event database at the given path. Parent
// directories are created if needed. Use ":memory:" for an ephemeral store.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "ledger-store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("activity store initialized", "path", path)
	return s, nil
}

func (s *Store) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS activity_events (
			seq          INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id     TEXT NOT NULL UNIQUE,
			agent_id     TEXT NOT NULL,
			execution_id TEXT,
			type         TEXT NOT NULL,
			state        TEXT NOT NULL,
			timestamp    TEXT NOT NULL,
			duration_ms  INTEGER NOT NULL DEFAULT 0,
			error        TEXT,

			CHECK (type IN ('execution', 'session', 'admission'))
		);

		CREATE INDEX IF NOT EXISTS idx_activity_agent_seq
			ON activity_events(agent_id, seq);

		CREATE INDEX IF NOT EXISTS idx_activity_execution
			ON activity_events(execution_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Append persists one event and fills in its Seq. Events are immutable after
// this point.
func (s *Store) Append(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO activity_events (
			event_id, agent_id, execution_id, type, state, timestamp, duration_ms, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	var execID, errText *string
	if event.ExecutionID != "" {
		execID = &event.ExecutionID
	}
	if event.Error != "" {
		errText = &event.Error
	}

	res, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.AgentID,
		execID,
		string(event.Type),
		string(event.State),
		event.Timestamp.UTC().Format(time.RFC3339Nano),
		event.Duration.Milliseconds(),
		errText,
	)
	if err != nil {
		return fmt.Errorf("inserting activity event: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading event sequence: %w", err)
	}
	event.Seq = seq

	s.logger.Debug("appended activity event",
		"event_id", event.ID,
		"agent_id", event.AgentID,
		"type", event.Type,
		"state", event.State,
	)
	return nil
}

// QuerySince returns events for one agent at or after the given time, in
// generation (sequence) order. A zero since returns from the beginning.
// Limit caps the result set; values outside 1..1000 default to 200.
func (s *Store) QuerySince(ctx context.Context, agentID string, since time.Time, limit int) ([]*Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}

	query := `
		SELECT seq, event_id, agent_id, execution_id, type, state, timestamp, duration_ms, error
		FROM activity_events
		WHERE agent_id = ? AND timestamp >= ?
		ORDER BY seq ASC
		LIMIT ?
	`
	return s.queryEvents(ctx, query, agentID, since.UTC().Format(time.RFC3339Nano), limit)
}

// ByExecution returns every event recorded for one execution request, in
// generation order.
func (s *Store) ByExecution(ctx context.Context, executionID string) ([]*Event, error) {
	query := `
		SELECT seq, event_id, agent_id, execution_id, type, state, timestamp, duration_ms, error
		FROM activity_events
		WHERE execution_id = ?
		ORDER BY seq ASC
	`
	return s.queryEvents(ctx, query, executionID)
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying activity events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		event := &Event{}
		var execID, errText sql.NullString
		var eventType, state, timestampStr string
		var durationMS int64

		if err := rows.Scan(
			&event.Seq,
			&event.ID,
			&event.AgentID,
			&execID,
			&eventType,
			&state,
			&timestampStr,
			&durationMS,
			&errText,
		); err != nil {
			return nil, fmt.Errorf("scanning activity event: %w", err)
		}

		event.Type = EventType(eventType)
		event.State = EventState(state)
		event.Duration = time.Duration(durationMS) * time.Millisecond
		if execID.Valid {
			event.ExecutionID = execID.String
		}
		if errText.Valid {
			event.Error = errText.String
		}
		event.Timestamp, err = time.Parse(time.RFC3339Nano, timestampStr)
		if err != nil {
			return nil, fmt.Errorf("parsing event timestamp: %w", err)
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating activity events: %w", err)
	}
	return events, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

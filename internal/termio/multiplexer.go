// ABOUTME: Registry of live terminal sessions across agents.
// ABOUTME: Opens streams through the runtime manager, tracks them, records open/close in the ledger.

package termio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/warden/internal/ledger"
	"github.com/2389/warden/internal/runtime"
)

// SessionInfo is a read-only listing entry for one open session.
type SessionInfo struct {
	ID        string        `json:"id"`
	AgentID   string        `json:"agent_id"`
	State     SessionState  `json:"state"`
	CreatedAt time.Time     `json:"created_at"`
	IdleFor   time.Duration `json:"-"`
}

// Multiplexer owns all live terminal sessions. It is entirely independent of
// execution admission: sessions are never serialized through the exclusive or
// concurrent lanes, and any number of them may coexist per agent.
type Multiplexer struct {
	runtime   runtime.Manager
	directory runtime.Directory
	ledger    *ledger.Ledger
	logger    *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMultiplexer creates an empty session registry.
func NewMultiplexer(rt runtime.Manager, dir runtime.Directory, led *ledger.Ledger, logger *slog.Logger) *Multiplexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multiplexer{
		runtime:   rt,
		directory: dir,
		ledger:    led,
		logger:    logger.With("component", "termio"),
		sessions:  make(map[string]*Session),
	}
}

// Open attaches a new byte-stream session to an agent's interactive surface.
// The session starts forwarding immediately; the caller owns it and must
// Close it when done, since an abandoned session holds its descriptor for the
// life of the agent.
func (m *Multiplexer) Open(ctx context.Context, agentID string) (*Session, error) {
	if status := m.directory.Status(agentID); status != runtime.StatusRunning {
		return nil, fmt.Errorf("agent %s is %s: %w", agentID, status, ErrAgentUnavailable)
	}

	stream, err := m.runtime.AttachStream(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("attaching stream to agent %s: %w", agentID, err)
	}

	session := newSession(agentID, stream, m.logger, m.deregister)

	m.mu.Lock()
	m.sessions[session.ID] = session
	m.mu.Unlock()

	// The opened event is recorded before the forwarding loop starts: a
	// stream that dies on its first read must not persist its closed event
	// ahead of this one.
	m.record(&ledger.Event{
		AgentID: agentID,
		Type:    ledger.EventTypeSession,
		State:   ledger.StateSessionOpened,
	})
	session.start()
	m.logger.Info("session opened", "session_id", session.ID, "agent_id", agentID)
	return session, nil
}

// deregister runs exactly once per session, from the session's own teardown.
func (m *Multiplexer) deregister(s *Session, ioErr error) {
	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()

	errText := ""
	if ioErr != nil {
		errText = ioErr.Error()
	}
	m.record(&ledger.Event{
		AgentID:  s.AgentID,
		Type:     ledger.EventTypeSession,
		State:    ledger.StateSessionClosed,
		Duration: time.Since(s.CreatedAt),
		Error:    errText,
	})
}

// Get returns a registered session.
func (m *Multiplexer) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrUnknownSession)
	}
	return session, nil
}

// Close deliberately ends one session.
func (m *Multiplexer) Close(sessionID string) error {
	session, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	return session.Close()
}

// Sessions lists open sessions, filtered by agent when agentID is non-empty.
func (m *Multiplexer) Sessions(agentID string) []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		if agentID != "" && s.AgentID != agentID {
			continue
		}
		infos = append(infos, SessionInfo{
			ID:        s.ID,
			AgentID:   s.AgentID,
			State:     s.State(),
			CreatedAt: s.CreatedAt,
			IdleFor:   s.IdleFor(),
		})
	}
	return infos
}

// CloseAll tears down every open session, used during shutdown.
func (m *Multiplexer) CloseAll() {
	m.mu.RLock()
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.RUnlock()

	for _, s := range open {
		_ = s.Close()
	}
}

func (m *Multiplexer) record(event *ledger.Event) {
	if m.ledger == nil {
		return
	}
	if err := m.ledger.Record(context.Background(), event); err != nil {
		m.logger.Error("recording session event failed",
			"agent_id", event.AgentID,
			"state", event.State,
			"error", err,
		)
	}
}

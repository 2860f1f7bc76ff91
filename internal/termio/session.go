// ABOUTME: One live bidirectional byte-stream session against an agent's interactive surface.
// ABOUTME: A single goroutine parked in Read forwards inbound bytes; no polling, no worker pool.

package termio

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrSessionClosed means the session already reached the closed state.
	ErrSessionClosed = errors.New("session closed")

	// ErrSessionIO means the underlying stream reset or closed unexpectedly.
	// The session transitions to closed; there is no automatic reconnect.
	ErrSessionIO = errors.New("session i/o error")

	// ErrUnknownSession means no session with the given id is registered.
	ErrUnknownSession = errors.New("unknown session")

	// ErrAgentUnavailable means the target agent is not running.
	ErrAgentUnavailable = errors.New("agent unavailable")
)

// SessionState is a terminal session's lifecycle state.
type SessionState string

const (
	SessionConnecting SessionState = "connecting"
	SessionActive     SessionState = "active"
	SessionClosing    SessionState = "closing"
	SessionClosed     SessionState = "closed"
)

// readBufferSize is the per-read drain size. The forwarding loop reads
// whatever is currently buffered, up to this much per call, and forwards each
// chunk immediately.
const readBufferSize = 32 * 1024

// Session is one independent full-duplex byte stream between a remote caller
// and an agent. Sessions are decoupled from execution admission: they coexist
// with running executions and with each other.
//
// Inbound bytes are forwarded on Output by one goroutine blocked in
// stream.Read. The Go runtime parks that goroutine on the netpoller, so a
// session consumes a descriptor and a goroutine but zero dedicated OS
// threads.
type Session struct {
	ID        string
	AgentID   string
	CreatedAt time.Time

	stream  io.ReadWriteCloser
	out     chan []byte
	quit    chan struct{}
	logger  *slog.Logger
	onClose func(s *Session, ioErr error)

	mu           sync.Mutex
	state        SessionState
	lastActivity time.Time
	ioErr        error

	closeOnce sync.Once
}

func newSession(agentID string, stream io.ReadWriteCloser, logger *slog.Logger, onClose func(*Session, error)) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:           uuid.New().String(),
		AgentID:      agentID,
		CreatedAt:    now,
		stream:       stream,
		out:          make(chan []byte, 16),
		quit:         make(chan struct{}),
		logger:       logger,
		onClose:      onClose,
		state:        SessionConnecting,
		lastActivity: now,
	}
}

// Output delivers inbound bytes from the agent. The channel is closed when
// the session closes, which is how an attached caller learns of disconnection.
func (s *Session) Output() <-chan []byte {
	return s.out
}

// State returns the session's lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IdleFor is the time since bytes last moved in either direction.
func (s *Session) IdleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

// Err returns the I/O error that closed the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ioErr
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()
}

// Send writes raw input bytes (keystrokes, resize events) to the agent,
// looping until the full buffer is flushed. A write failure closes the
// session.
func (s *Session) Send(data []byte) error {
	if s.State() != SessionActive {
		return ErrSessionClosed
	}
	for len(data) > 0 {
		n, err := s.stream.Write(data)
		if err != nil {
			s.closeWith(fmt.Errorf("writing to agent stream: %w", err))
			return fmt.Errorf("%w: %v", ErrSessionIO, err)
		}
		data = data[n:]
	}
	s.touch()
	return nil
}

// start activates the session and begins forwarding inbound bytes.
func (s *Session) start() {
	s.mu.Lock()
	s.state = SessionActive
	s.mu.Unlock()
	go s.readLoop()
}

// readLoop drains the stream and forwards every chunk downstream. It exits
// when the stream closes; a reset that was not caused by Close surfaces as a
// session I/O error.
func (s *Session) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.stream.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.touch()
			select {
			case s.out <- chunk:
			case <-s.quit:
				// Nobody is draining anymore; finish the teardown instead of
				// blocking on the output channel.
				s.closeWith(nil)
				return
			}
		}
		if err != nil {
			if s.expectedReadError(err) {
				s.closeWith(nil)
			} else {
				s.closeWith(fmt.Errorf("reading from agent stream: %w", err))
			}
			return
		}
	}
}

// expectedReadError reports whether a read error is the normal consequence of
// this side closing the stream, as opposed to the agent going away.
func (s *Session) expectedReadError(err error) bool {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state == SessionClosing || state == SessionClosed {
		return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
	}
	return false
}

// Close ends the session deliberately. Closing the stream unblocks the read
// loop, which finishes the teardown.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == SessionClosing || s.state == SessionClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = SessionClosing
	s.mu.Unlock()

	close(s.quit)
	return s.stream.Close()
}

func (s *Session) closeWith(ioErr error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = SessionClosed
		s.ioErr = ioErr
		s.mu.Unlock()

		_ = s.stream.Close()
		close(s.out)

		if ioErr != nil {
			s.logger.Warn("session closed on i/o error",
				"session_id", s.ID,
				"agent_id", s.AgentID,
				"error", ioErr,
			)
		} else {
			s.logger.Debug("session closed", "session_id", s.ID, "agent_id", s.AgentID)
		}

		if s.onClose != nil {
			s.onClose(s, ioErr)
		}
	})
}

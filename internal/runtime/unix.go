// ABOUTME: Unix-socket implementation of the runtime manager boundary.
// ABOUTME: Invokes agents over exec.sock and attaches terminals via term.sock.

package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
)

const (
	execSocketName = "exec.sock"
	termSocketName = "term.sock"
)

// UnixManager talks to agent runtimes through per-agent unix sockets laid out
// as <root>/<agent_id>/exec.sock and <root>/<agent_id>/term.sock. An agent
// whose exec socket exists is considered running; an agent directory without
// sockets is considered starting.
type UnixManager struct {
	root   string
	logger *slog.Logger
}

// NewUnixManager creates a manager rooted at the given socket directory.
func NewUnixManager(root string, logger *slog.Logger) *UnixManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &UnixManager{
		root:   root,
		logger: logger.With("component", "runtime"),
	}
}

// Status implements Directory by probing the agent's socket directory.
func (m *UnixManager) Status(agentID string) AgentStatus {
	dir := filepath.Join(m.root, agentID)
	if _, err := os.Stat(filepath.Join(dir, execSocketName)); err == nil {
		return StatusRunning
	}
	if _, err := os.Stat(dir); err == nil {
		return StatusStarting
	}
	return StatusStopped
}

// invokeRequest is the wire frame written to exec.sock, one JSON object per line.
type invokeRequest struct {
	Payload json.RawMessage `json:"payload"`
}

// invokeResponse is the wire frame read back from exec.sock.
type invokeResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Invoke dials the agent's exec socket, writes the payload, and blocks until
// the runtime writes a response line. Cancelling ctx closes the connection,
// which interrupts the blocked read.
func (m *UnixManager) Invoke(ctx context.Context, agentID string, payload []byte) ([]byte, error) {
	conn, err := m.dial(ctx, agentID, execSocketName)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	// Close the connection when ctx is cancelled so the read below unblocks.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-watchDone:
		}
	}()

	frame, err := json.Marshal(invokeRequest{Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("encoding invoke request: %w", err)
	}
	frame = append(frame, '\n')
	if _, err := conn.Write(frame); err != nil {
		return nil, fmt.Errorf("writing invoke request: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("runtime closed exec stream for agent %s", agentID)
		}
		return nil, fmt.Errorf("reading invoke response: %w", err)
	}

	var resp invokeResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("decoding invoke response: %w", err)
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	return resp.Result, nil
}

// AttachStream dials the agent's terminal socket and returns the raw
// connection. net.Conn reads and writes park on the Go runtime netpoller, so
// sessions built on this stream consume no dedicated OS threads.
func (m *UnixManager) AttachStream(ctx context.Context, agentID string) (io.ReadWriteCloser, error) {
	return m.dial(ctx, agentID, termSocketName)
}

func (m *UnixManager) dial(ctx context.Context, agentID, socket string) (net.Conn, error) {
	path := filepath.Join(m.root, agentID, socket)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("agent %s: %w", agentID, ErrAgentNotFound)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", path, err)
	}
	return conn, nil
}

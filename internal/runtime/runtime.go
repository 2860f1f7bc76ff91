// ABOUTME: Interfaces to the external runtime manager that owns sandboxed agent processes.
// ABOUTME: Defines agent lifecycle status, blocking invocation, and raw stream attachment.

package runtime

import (
	"context"
	"errors"
	"io"
)

// ErrBreakerOpen indicates the agent's invoke circuit is open after repeated
// failures; callers should treat the agent as unavailable and back off.
var ErrBreakerOpen = errors.New("runtime circuit open")

// ErrAgentNotFound indicates the runtime manager knows nothing about the agent.
var ErrAgentNotFound = errors.New("agent not found")

// AgentStatus is the lifecycle state of a sandboxed agent process. It is owned
// by the runtime manager; this control plane only reads it.
type AgentStatus string

const (
	StatusStopped  AgentStatus = "stopped"
	StatusStarting AgentStatus = "starting"
	StatusRunning  AgentStatus = "running"
	StatusStopping AgentStatus = "stopping"
)

// Directory reports the lifecycle status of agents. Work may only be admitted
// against agents whose status is StatusRunning.
type Directory interface {
	Status(agentID string) AgentStatus
}

// Manager is the consumed boundary of the runtime that hosts agent processes.
// Exactly two operations matter to this control plane: a blocking invocation
// of the agent and attachment of a raw bidirectional byte stream to its
// interactive surface. Provisioning, credentials, and container lifecycle are
// someone else's problem.
type Manager interface {
	// Invoke executes one unit of work inside the agent and blocks until the
	// runtime reports a result. Cancelling ctx interrupts the call.
	Invoke(ctx context.Context, agentID string, payload []byte) ([]byte, error)

	// AttachStream opens a raw full-duplex byte stream to the agent's
	// interactive surface (terminal, log tail). The returned stream is
	// independent of any in-flight Invoke calls.
	AttachStream(ctx context.Context, agentID string) (io.ReadWriteCloser, error)
}

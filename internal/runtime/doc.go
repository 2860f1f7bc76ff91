// Package runtime defines the boundary to the external runtime manager that
// owns sandboxed agent processes.
//
// # Boundary
//
// The control plane depends on exactly two runtime operations:
//
//   - Invoke(ctx, agentID, payload): run one unit of work inside the agent,
//     blocking for its duration (seconds to minutes)
//   - AttachStream(ctx, agentID): open a raw full-duplex byte stream to the
//     agent's interactive surface
//
// Everything else about the runtime (provisioning, credential injection,
// container lifecycle) is out of scope and lives behind these interfaces.
//
// # Agent status
//
// The Directory interface reports each agent's lifecycle status
// (stopped/starting/running/stopping). The runtime manager owns this state;
// the admission controller and terminal multiplexer only read it and reject
// work against agents that are not running.
//
// # Implementations
//
// UnixManager talks to agents through per-agent unix sockets:
//
//	<root>/<agent_id>/exec.sock   newline-delimited JSON invoke frames
//	<root>/<agent_id>/term.sock   raw duplex terminal bytes
//
// BreakerManager wraps any Manager with a per-agent circuit breaker
// (sony/gobreaker) so that an agent whose invokes fail repeatedly is reported
// unavailable at submit time instead of burning worker-pool capacity.
//
// MockManager is the in-memory test double used throughout the repo's tests.
package runtime

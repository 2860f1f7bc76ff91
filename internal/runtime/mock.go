// ABOUTME: In-memory mock runtime manager for tests across packages.
// ABOUTME: Scriptable invocations, pipe-backed terminal streams, settable agent statuses.

package runtime

import (
	"context"
	"io"
	"net"
	"sync"
)

// MockManager implements Manager and Directory entirely in memory. Invocations
// block until the test finishes them (or their context is cancelled), and
// terminal streams are net.Pipe pairs whose far end the test drives.
type MockManager struct {
	mu       sync.Mutex
	statuses map[string]AgentStatus

	// InvokeFn, when set, replaces the default blocking invocation behavior.
	InvokeFn func(ctx context.Context, agentID string, payload []byte) ([]byte, error)

	started  chan *MockInvocation
	attached chan *MockStream
}

// MockInvocation is one in-flight Invoke call awaiting completion.
type MockInvocation struct {
	AgentID string
	Payload []byte

	ctx     context.Context
	release chan mockResult
	once    sync.Once
}

type mockResult struct {
	out []byte
	err error
}

// MockStream is one attached terminal stream; Peer is the runtime-side end.
type MockStream struct {
	AgentID string
	Peer    net.Conn
}

// NewMockManager creates a mock with no agents registered.
func NewMockManager() *MockManager {
	return &MockManager{
		statuses: make(map[string]AgentStatus),
		started:  make(chan *MockInvocation, 64),
		attached: make(chan *MockStream, 64),
	}
}

// SetStatus registers or updates an agent's lifecycle status.
func (m *MockManager) SetStatus(agentID string, status AgentStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[agentID] = status
}

// Status implements Directory.
func (m *MockManager) Status(agentID string) AgentStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	status, ok := m.statuses[agentID]
	if !ok {
		return StatusStopped
	}
	return status
}

// Invoke implements Manager. Without an InvokeFn override it parks until the
// test calls Finish on the corresponding MockInvocation or ctx is cancelled.
func (m *MockManager) Invoke(ctx context.Context, agentID string, payload []byte) ([]byte, error) {
	if fn := m.invokeFn(); fn != nil {
		return fn(ctx, agentID, payload)
	}

	inv := &MockInvocation{
		AgentID: agentID,
		Payload: payload,
		ctx:     ctx,
		release: make(chan mockResult, 1),
	}
	m.started <- inv

	select {
	case res := <-inv.release:
		return res.out, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *MockManager) invokeFn() func(ctx context.Context, agentID string, payload []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.InvokeFn
}

// Started delivers each invocation as the blocking default Invoke begins.
func (m *MockManager) Started() <-chan *MockInvocation {
	return m.started
}

// Finish completes the invocation with the given result. Safe to call once;
// later calls are ignored.
func (i *MockInvocation) Finish(out []byte, err error) {
	i.once.Do(func() {
		i.release <- mockResult{out: out, err: err}
	})
}

// Context exposes the invocation's context so tests can observe cancellation.
func (i *MockInvocation) Context() context.Context {
	return i.ctx
}

// AttachStream implements Manager with an in-memory pipe. The runtime-side end
// is delivered on Attached.
func (m *MockManager) AttachStream(_ context.Context, agentID string) (io.ReadWriteCloser, error) {
	local, peer := net.Pipe()
	m.attached <- &MockStream{AgentID: agentID, Peer: peer}
	return local, nil
}

// Attached delivers the runtime-side end of each attached stream.
func (m *MockManager) Attached() <-chan *MockStream {
	return m.attached
}

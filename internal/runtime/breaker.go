// ABOUTME: Per-agent circuit breaker wrapper around the runtime manager.
// ABOUTME: Opens after repeated invoke failures so callers fail fast instead of tying up workers.

package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Default breaker settings; overridable through BreakerConfig.
const (
	defaultBreakerMaxFailures uint32        = 5
	defaultBreakerOpenFor     time.Duration = 30 * time.Second
	defaultBreakerInterval    time.Duration = 60 * time.Second
)

// BreakerConfig tunes the per-agent invoke circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the consecutive failure count that opens the circuit.
	MaxFailures uint32 `yaml:"max_failures"`
	// OpenFor is how long the circuit stays open before allowing a probe.
	OpenFor time.Duration `yaml:"-"`
	// Interval is the cyclic period of the closed state for clearing counts.
	Interval time.Duration `yaml:"-"`

	// Raw duration strings for YAML unmarshaling.
	OpenForRaw  string `yaml:"open_for"`
	IntervalRaw string `yaml:"interval"`
}

// BreakerManager wraps a Manager with one circuit breaker per agent. Invoke
// calls route through the breaker; stream attachment passes through untouched
// because a broken terminal is reported by the session itself, not by failing
// future attachments.
type BreakerManager struct {
	inner  Manager
	cfg    BreakerConfig
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[[]byte]
}

// NewBreakerManager wraps inner with per-agent circuit breakers. Zero-valued
// config fields fall back to defaults.
func NewBreakerManager(inner Manager, cfg BreakerConfig, logger *slog.Logger) *BreakerManager {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = defaultBreakerMaxFailures
	}
	if cfg.OpenFor == 0 {
		cfg.OpenFor = defaultBreakerOpenFor
	}
	if cfg.Interval == 0 {
		cfg.Interval = defaultBreakerInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BreakerManager{
		inner:    inner,
		cfg:      cfg,
		logger:   logger.With("component", "runtime-breaker"),
		breakers: make(map[string]*gobreaker.CircuitBreaker[[]byte]),
	}
}

// Invoke implements Manager, routing the call through the agent's breaker.
func (b *BreakerManager) Invoke(ctx context.Context, agentID string, payload []byte) ([]byte, error) {
	cb := b.breaker(agentID)
	result, err := cb.Execute(func() ([]byte, error) {
		return b.inner.Invoke(ctx, agentID, payload)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("agent %s: %w", agentID, ErrBreakerOpen)
		}
		return nil, err
	}
	return result, nil
}

// AttachStream implements Manager.
func (b *BreakerManager) AttachStream(ctx context.Context, agentID string) (io.ReadWriteCloser, error) {
	return b.inner.AttachStream(ctx, agentID)
}

// Available reports whether the agent's circuit currently admits calls. The
// admission controller consults this at submit time so a request against a
// tripped agent is rejected synchronously instead of occupying a worker.
func (b *BreakerManager) Available(agentID string) bool {
	return b.breaker(agentID).State() != gobreaker.StateOpen
}

func (b *BreakerManager) breaker(agentID string) *gobreaker.CircuitBreaker[[]byte] {
	b.mu.Lock()
	defer b.mu.Unlock()

	cb, ok := b.breakers[agentID]
	if !ok {
		cb = b.newBreaker(agentID)
		b.breakers[agentID] = cb
	}
	return cb
}

func (b *BreakerManager) newBreaker(agentID string) *gobreaker.CircuitBreaker[[]byte] {
	maxFailures := b.cfg.MaxFailures
	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "invoke:" + agentID,
		MaxRequests: 1, // one probe in half-open state
		Interval:    b.cfg.Interval,
		Timeout:     b.cfg.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("invoke circuit state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			// Cancellation is the caller's doing, not an agent fault.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
}

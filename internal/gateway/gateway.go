// ABOUTME: Gateway orchestrator that wires the ledger, admission controller, terminal multiplexer, and HTTP API.
// ABOUTME: Owns server lifecycle: Run starts everything, Shutdown drains it in dependency order.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/warden/internal/admission"
	"github.com/2389/warden/internal/auth"
	"github.com/2389/warden/internal/config"
	"github.com/2389/warden/internal/dedupe"
	"github.com/2389/warden/internal/ledger"
	"github.com/2389/warden/internal/runtime"
	"github.com/2389/warden/internal/schedule"
	"github.com/2389/warden/internal/termio"
)

const shutdownTimeout = 5 * time.Second

// Gateway ties the warden components together behind one HTTP surface.
type Gateway struct {
	config *config.Config
	logger *slog.Logger

	store       *ledger.Store
	ledger      *ledger.Ledger
	controller  *admission.Controller
	multiplexer *termio.Multiplexer
	dedupe      *dedupe.Cache
	scheduler   *schedule.Runner
	verifier    *auth.Verifier

	// requireAdmin wraps the privileged routes; a nil verifier leaves them
	// open, matching Middleware.
	requireAdmin func(http.Handler) http.Handler

	httpServer     *http.Server
	watchdogCancel context.CancelFunc
}

// New creates a gateway from configuration. The runtime manager dials agent
// sockets under runtime.socket_root; invocations route through a per-agent
// circuit breaker so a crashing agent fails fast instead of tying up workers.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	unix := runtime.NewUnixManager(cfg.Runtime.SocketRoot, logger)
	breaker := runtime.NewBreakerManager(unix, runtime.BreakerConfig{
		MaxFailures: uint32(cfg.Runtime.Breaker.MaxFailures),
		OpenFor:     cfg.Runtime.Breaker.OpenFor,
		Interval:    cfg.Runtime.Breaker.Interval,
	}, logger)

	return newGateway(cfg, breaker, unix, logger)
}

// newGateway wires components around an already-constructed runtime manager.
// Tests use this to substitute a mock runtime.
func newGateway(cfg *config.Config, mgr runtime.Manager, dir runtime.Directory, logger *slog.Logger) (*Gateway, error) {
	store, err := ledger.NewStore(cfg.Database.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("opening activity ledger: %w", err)
	}
	led := ledger.New(store, logger)

	controller := admission.New(mgr, dir, led, admissionConfig(cfg), logger)
	multiplexer := termio.NewMultiplexer(mgr, dir, led, logger)
	cache := dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.MaxSize)

	var verifier *auth.Verifier
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewVerifier([]byte(cfg.Auth.JWTSecret))
	} else {
		logger.Warn("auth disabled - no jwt_secret configured")
	}

	gw := &Gateway{
		config:       cfg,
		logger:       logger.With("component", "gateway"),
		store:        store,
		ledger:       led,
		controller:   controller,
		multiplexer:  multiplexer,
		dedupe:       cache,
		verifier:     verifier,
		requireAdmin: auth.RequireAdmin(verifier),
	}

	gw.scheduler = schedule.NewRunner(controller, logger)
	for _, sc := range cfg.Schedules {
		if err := gw.scheduler.Add(schedule.Trigger{
			Name:    sc.Name,
			Spec:    sc.Spec,
			AgentID: sc.AgentID,
			Payload: []byte(sc.Payload),
		}); err != nil {
			led.Close()
			return nil, fmt.Errorf("registering schedule: %w", err)
		}
	}

	gw.httpServer = &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: gw.routes(),
	}

	return gw, nil
}

// admissionConfig maps the YAML admission section onto controller policy.
func admissionConfig(cfg *config.Config) admission.Config {
	agentPolicies := make(map[string]admission.Policy, len(cfg.Admission.Agents))
	for id, p := range cfg.Admission.Agents {
		agentPolicies[id] = admission.Policy{
			QueueDepth:      p.QueueDepth,
			ConcurrentSlots: p.ConcurrentSlots,
		}
	}
	return admission.Config{
		Policy: admission.Policy{
			QueueDepth:      cfg.Admission.QueueDepth,
			ConcurrentSlots: cfg.Admission.ConcurrentSlots,
			TerminateGrace:  cfg.Admission.TerminateGrace,
			StuckLockAfter:  cfg.Admission.StuckLockAfter,
		},
		AgentPolicies: agentPolicies,
		Workers:       cfg.Admission.Workers,
		WorkerBacklog: cfg.Admission.WorkerBacklog,
		// Settled executions stay resolvable for as long as an idempotency
		// key may replay against them.
		SettledRetention: cfg.Dedupe.TTL,
	}
}

// routes builds the HTTP mux. When a verifier is configured every /api route
// requires a valid bearer token; health endpoints are always open.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)

	api := http.NewServeMux()
	api.HandleFunc("/api/executions", g.handleSubmitExecution)
	api.HandleFunc("/api/executions/", g.handleExecutionRoutes)
	api.HandleFunc("/api/agents/", g.handleAgentRoutes)

	mux.Handle("/api/", auth.Middleware(g.verifier)(api))
	return mux
}

// Run starts the scheduler, the stuck-lock watchdog, and the HTTP server,
// then blocks until the context is cancelled or the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	watchdogCtx, cancel := context.WithCancel(context.Background())
	g.watchdogCancel = cancel
	go g.controller.RunWatchdog(watchdogCtx, g.config.Admission.WatchdogInterval)

	g.scheduler.Start()

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("http server listening", "addr", g.httpServer.Addr)
		if err := g.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		g.logger.Info("shutdown signal received")
		return g.gracefulShutdown()
	case err := <-errCh:
		g.gracefulShutdown()
		return err
	}
}

func (g *Gateway) gracefulShutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return g.Shutdown(shutdownCtx)
}

// Shutdown drains the gateway: stop accepting HTTP, stop scheduled triggers
// and the watchdog, close terminal sessions, then release the controller and
// ledger. Errors are accumulated so one failure does not skip later steps.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var errs []error
	appendCloseError := func(op string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", op, err))
		}
	}

	if g.httpServer != nil {
		appendCloseError("http server shutdown", g.httpServer.Shutdown(ctx))
	}
	if g.scheduler != nil {
		g.scheduler.Stop()
	}
	if g.watchdogCancel != nil {
		g.watchdogCancel()
	}
	g.multiplexer.CloseAll()
	g.controller.Close()
	g.dedupe.Close()
	appendCloseError("closing ledger", g.ledger.Close())

	return errors.Join(errs...)
}

// handleHealth handles GET /health requests for liveness checks.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// handleReady handles GET /health/ready requests. Readiness means the
// activity ledger is reachable; a gateway that cannot record events must not
// admit work.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := g.store.QuerySince(r.Context(), "", time.Now().Add(-time.Second), 1); err != nil {
		g.logger.Error("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("ledger unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// ABOUTME: Scheduled trigger runner that submits autonomous work into the exclusive lane.
// ABOUTME: Accepts cron expressions or plain intervals; admission rejections are logged, never retried here.

package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/2389/warden/internal/admission"
)

// Trigger is one autonomous submission definition.
type Trigger struct {
	Name    string
	Spec    string // cron expression ("0 9 * * *") or plain interval ("15m")
	AgentID string
	Payload []byte
}

// Submitter is the single surface the runner uses on the admission
// controller. Scheduled work enters the exclusive lane like any interactive
// turn and waits its turn behind one.
type Submitter interface {
	Submit(ctx context.Context, req admission.SubmitRequest) (*admission.Execution, error)
}

// Runner fires configured triggers on their schedules.
type Runner struct {
	cron      *cron.Cron
	submitter Submitter
	logger    *slog.Logger
}

// NewRunner creates a runner with no triggers registered.
func NewRunner(submitter Submitter, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cron:      cron.New(),
		submitter: submitter,
		logger:    logger.With("component", "schedule"),
	}
}

// Add registers a trigger. The spec is parsed as a standard cron expression
// first; if that fails, as a Go duration meaning "every interval".
func (r *Runner) Add(trigger Trigger) error {
	sched, err := parseSpec(trigger.Spec)
	if err != nil {
		return fmt.Errorf("trigger %q: %w", trigger.Name, err)
	}

	r.cron.Schedule(sched, cron.FuncJob(func() { r.fire(trigger) }))
	r.logger.Info("trigger registered",
		"name", trigger.Name,
		"spec", trigger.Spec,
		"agent_id", trigger.AgentID,
	)
	return nil
}

func parseSpec(spec string) (cron.Schedule, error) {
	if sched, err := cron.ParseStandard(spec); err == nil {
		return sched, nil
	}
	interval, err := time.ParseDuration(spec)
	if err != nil {
		return nil, fmt.Errorf("spec %q is neither a cron expression nor a duration", spec)
	}
	if interval < time.Second {
		return nil, fmt.Errorf("interval %q is below one second", spec)
	}
	return cron.Every(interval), nil
}

// fire submits one trigger occurrence. A busy agent queues the trigger FIFO
// behind in-flight work; a full queue or unavailable agent drops this
// occurrence with a warning. The next occurrence fires on schedule either
// way.
func (r *Runner) fire(trigger Trigger) {
	exec, err := r.submitter.Submit(context.Background(), admission.SubmitRequest{
		AgentID: trigger.AgentID,
		Origin:  admission.OriginSchedule,
		Lane:    admission.LaneExclusive,
		Payload: trigger.Payload,
	})
	if err != nil {
		level := slog.LevelError
		if errors.Is(err, admission.ErrCapacityExceeded) || errors.Is(err, admission.ErrAgentUnavailable) {
			level = slog.LevelWarn
		}
		r.logger.Log(context.Background(), level, "trigger submission rejected",
			"name", trigger.Name,
			"agent_id", trigger.AgentID,
			"error", err,
		)
		return
	}

	r.logger.Info("trigger fired",
		"name", trigger.Name,
		"agent_id", trigger.AgentID,
		"execution_id", exec.ID,
		"status", exec.Status(),
	)
}

// Start begins firing registered triggers.
func (r *Runner) Start() {
	r.cron.Start()
}

// Stop halts the schedule and waits for in-flight fire callbacks.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
}

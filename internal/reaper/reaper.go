// Package reaper implements the timeout reaper (spec section 4.7): a
// periodic sweep of the Backend's temp (in-flight) set that fabricates a
// premature_failure result for any task whose time in flight has exceeded
// its options.timeout, recovering the at-most-once dispatch window noted
// in spec section 9 ("the small window is reclaimed by the timeout
// reaper"). Grounded on the teacher's periodic-ticker shape, seen in
// libs/go/core/resilience's sliding window cleanup goroutines.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/pipelinetool/internal/backend"
	"github.com/swarmguard/pipelinetool/internal/engine"
	"github.com/swarmguard/pipelinetool/internal/task"
)

// DefaultInterval is the reaper's sweep period per spec section 4.7.
const DefaultInterval = 5 * time.Second

// Reaper sweeps the Backend's temp set, preempting overdue in-flight
// tasks.
type Reaper struct {
	backend  backend.Backend
	engine   *engine.Engine
	log      *slog.Logger
	interval time.Duration

	reaped metric.Int64Counter
}

// New constructs a Reaper with the given sweep interval (DefaultInterval if
// zero or negative).
func New(b backend.Backend, e *engine.Engine, log *slog.Logger, interval time.Duration, meter metric.Meter) *Reaper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	reaped, _ := meter.Int64Counter("pipelinetool_reaper_preemptions_total")
	return &Reaper{backend: b, engine: e, log: log, interval: interval, reaped: reaped}
}

// Run blocks, sweeping every r.interval until ctx is canceled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	inFlight, err := r.backend.ListTempQueue(ctx)
	if err != nil {
		r.log.Error("list temp queue", "error", err)
		return
	}

	now := time.Now().UTC()
	for _, tqt := range inFlight {
		qt := tqt.QueuedTask
		t, ok, err := r.backend.GetTaskByID(ctx, qt.RunID, qt.TaskID)
		if err != nil {
			r.log.Error("load task", "run_id", qt.RunID, "task_id", qt.TaskID, "error", err)
			continue
		}
		if !ok || t.Options.Timeout == nil {
			continue
		}
		if now.Sub(tqt.PoppedDate) <= *t.Options.Timeout {
			continue
		}

		r.reaped.Add(ctx, 1, metric.WithAttributes(attribute.Int("task_id", qt.TaskID)))
		result := task.PrematureError(qt.TaskID, qt.Attempt, t.Options.MaxAttempts, t.Name, t.Function, "timed out", t.IsBranch, t.Options.IsSensor)
		if err := r.engine.HandleTaskResult(ctx, qt.RunID, qt, result); err != nil {
			r.log.Error("handle reaped result", "run_id", qt.RunID, "task_id", qt.TaskID, "error", err)
			continue
		}
		if err := r.backend.RemoveFromTempQueue(ctx, tqt); err != nil {
			r.log.Error("remove from temp queue", "run_id", qt.RunID, "task_id", qt.TaskID, "error", err)
		}
	}
}

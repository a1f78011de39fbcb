// Package runner implements the worker pool that drains the Backend's
// priority queue and dispatches each popped task to the engine, grounded
// on the teacher's DAGEngine worker pool (services/orchestrator/dag_engine.go)
// adapted from its in-process ready-channel/coordinator shape to polling a
// Backend-held queue, since dispatch state now lives outside the process.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/pipelinetool/internal/backend"
	"github.com/swarmguard/pipelinetool/internal/engine"
	"github.com/swarmguard/pipelinetool/internal/task"
)

// Pool runs Workers goroutines, each repeatedly popping a task off the
// Backend's priority queue and handing it to the Engine. PollInterval
// bounds how long a worker sleeps after finding the queue empty.
type Pool struct {
	backend      backend.Backend
	engine       *engine.Engine
	log          *slog.Logger
	workers      int
	pollInterval time.Duration

	parallelism metric.Int64UpDownCounter
	popEmpty    metric.Int64Counter
	workErrors  metric.Int64Counter
}

// New constructs a worker pool of the given size, grounded on the teacher's
// maxWorkers convention from NewDAGEngine.
func New(b backend.Backend, e *engine.Engine, log *slog.Logger, workers int, pollInterval time.Duration, meter metric.Meter) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if pollInterval <= 0 {
		pollInterval = 200 * time.Millisecond
	}
	parallelism, _ := meter.Int64UpDownCounter("pipelinetool_runner_active_workers")
	popEmpty, _ := meter.Int64Counter("pipelinetool_runner_empty_polls_total")
	workErrors, _ := meter.Int64Counter("pipelinetool_runner_work_errors_total")
	return &Pool{
		backend:      b,
		engine:       e,
		log:          log,
		workers:      workers,
		pollInterval: pollInterval,
		parallelism:  parallelism,
		popEmpty:     popEmpty,
		workErrors:   workErrors,
	}
}

// Run blocks until ctx is canceled, with Workers goroutines draining the
// queue concurrently.
func (p *Pool) Run(ctx context.Context) {
	done := make(chan struct{}, p.workers)
	for i := 0; i < p.workers; i++ {
		go func(id int) {
			p.worker(ctx, id)
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < p.workers; i++ {
		<-done
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		tqt, ok, err := p.backend.PopPriorityQueue(ctx)
		if err != nil {
			p.workErrors.Add(ctx, 1, metric.WithAttributes(attribute.Int("worker", id)))
			p.log.Error("pop priority queue", "worker", id, "error", err)
			p.sleepOrDone(ctx, p.pollInterval)
			continue
		}
		if !ok {
			p.popEmpty.Add(ctx, 1)
			p.sleepOrDone(ctx, p.pollInterval)
			continue
		}

		p.parallelism.Add(ctx, 1)
		p.dispatch(ctx, tqt)
		p.parallelism.Add(ctx, -1)
	}
}

func (p *Pool) dispatch(ctx context.Context, tqt task.TempQueuedTask) {
	if err := p.engine.Work(ctx, tqt); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		p.workErrors.Add(ctx, 1)
		p.log.Error("work task", "run_id", tqt.QueuedTask.RunID, "task_id", tqt.QueuedTask.TaskID, "error", err)
	}
}

func (p *Pool) sleepOrDone(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

package scheduler

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/swarmguard/pipelinetool/internal/backend"
	"github.com/swarmguard/pipelinetool/internal/engine"
	"github.com/swarmguard/pipelinetool/internal/task"
)

type noopExecutor struct{}

func (noopExecutor) Execute(context.Context, int64, task.Task, int, any) (task.Result, error) {
	return task.Result{Success: true}, nil
}

func newTestScheduler() (*Scheduler, backend.Backend) {
	b := backend.NewInMemory()
	meter := noopmetric.MeterProvider{}.Meter("test")
	tracer := nooptrace.NewTracerProvider().Tracer("test")
	eng := engine.New(b, noopExecutor{}, meter, tracer)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(b, eng, log, meter), b
}

func TestSchedulerCatchupFiresMissedRuns(t *testing.T) {
	s, b := newTestScheduler()
	ctx := context.Background()

	catchupFrom := time.Now().UTC().Add(-3 * time.Minute).Truncate(time.Minute)
	if err := b.PutPipeline(ctx, backend.Pipeline{
		Name:         "nightly",
		DefaultTasks: []task.Task{{Name: "a", Function: "noop", Options: task.DefaultOptions()}},
		Options: backend.Options{
			Schedule:      "* * * * *",
			MaxAttempts:   1,
			CatchupDate:   &catchupFrom,
			ShouldCatchup: true,
		},
	}); err != nil {
		t.Fatalf("put pipeline: %v", err)
	}

	if err := s.AddPipeline(ctx, "nightly"); err != nil {
		t.Fatalf("add pipeline: %v", err)
	}

	runs, err := b.ListRuns(ctx, "nightly")
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) < 2 {
		t.Fatalf("expected at least 2 catchup runs in a 3 minute window, got %d", len(runs))
	}
}

func TestSchedulerAddPipelineIsIdempotent(t *testing.T) {
	s, b := newTestScheduler()
	ctx := context.Background()

	if err := b.PutPipeline(ctx, backend.Pipeline{
		Name:         "hourly",
		DefaultTasks: []task.Task{{Name: "a", Function: "noop", Options: task.DefaultOptions()}},
		Options:      backend.Options{Schedule: "0 * * * *", MaxAttempts: 1},
	}); err != nil {
		t.Fatalf("put pipeline: %v", err)
	}

	if err := s.AddPipeline(ctx, "hourly"); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := s.AddPipeline(ctx, "hourly"); err != nil {
		t.Fatalf("second add (should be a no-op, not an error): %v", err)
	}

	s.mu.Lock()
	spawnedCount := len(s.spawned)
	s.mu.Unlock()
	if spawnedCount != 1 {
		t.Fatalf("spawned set size = %d, want 1", spawnedCount)
	}
}

func TestSchedulerNoScheduleIsNoop(t *testing.T) {
	s, b := newTestScheduler()
	ctx := context.Background()

	if err := b.PutPipeline(ctx, backend.Pipeline{Name: "manual-only"}); err != nil {
		t.Fatalf("put pipeline: %v", err)
	}
	if err := s.AddPipeline(ctx, "manual-only"); err != nil {
		t.Fatalf("add pipeline without schedule: %v", err)
	}
	s.mu.Lock()
	spawnedCount := len(s.spawned)
	s.mu.Unlock()
	if spawnedCount != 0 {
		t.Fatalf("spawned set size = %d, want 0 for a pipeline with no schedule", spawnedCount)
	}
}

package reaper

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

type hangingExecutor struct{}

func (hangingExecutor) Execute(context.Context, int64, task.Task, int, any) (task.Result, error) {
	panic("not invoked by the reaper path")
}

func TestSweepPreemptsOverdueTask(t *testing.T) {
	ctx := context.Background()
	b := backend.NewInMemory()
	meter := noopmetric.MeterProvider{}.Meter("test")
	tracer := nooptrace.NewTracerProvider().Tracer("test")
	e := engine.New(b, hangingExecutor{}, meter, tracer)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	run, err := b.CreateNewRun(ctx, "p", time.Now().UTC())
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	timeout := 10 * time.Millisecond
	opts := task.DefaultOptions()
	opts.Timeout = &timeout
	taskID, err := b.AppendNewTask(ctx, run.RunID, task.Task{Name: "slow", Function: "sleep", Options: opts})
	if err != nil {
		t.Fatalf("append task: %v", err)
	}

	qt := task.QueuedTask{TaskID: taskID, RunID: run.RunID, PipelineName: "p", Attempt: 1}
	if err := b.EnqueueTask(ctx, qt); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, ok, err := b.PopPriorityQueue(ctx); err != nil || !ok {
		t.Fatalf("pop: ok=%v err=%v", ok, err)
	}

	time.Sleep(30 * time.Millisecond)

	r := New(b, e, log, time.Hour, meter)
	r.sweep(ctx)

	st, err := b.GetTaskStatus(ctx, run.RunID, taskID)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if st != task.Failure {
		t.Fatalf("want Failure after reap, got %s", st)
	}

	remaining, err := b.ListTempQueue(ctx)
	if err != nil {
		t.Fatalf("list temp queue: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("want empty temp queue after reap, got %d entries", len(remaining))
	}
}

func TestSweepIgnoresTaskWithoutTimeout(t *testing.T) {
	ctx := context.Background()
	b := backend.NewInMemory()
	meter := noopmetric.MeterProvider{}.Meter("test")
	tracer := nooptrace.NewTracerProvider().Tracer("test")
	e := engine.New(b, hangingExecutor{}, meter, tracer)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	run, err := b.CreateNewRun(ctx, "p", time.Now().UTC())
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	taskID, err := b.AppendNewTask(ctx, run.RunID, task.Task{Name: "no-timeout", Function: "noop", Options: task.DefaultOptions()})
	if err != nil {
		t.Fatalf("append task: %v", err)
	}
	qt := task.QueuedTask{TaskID: taskID, RunID: run.RunID, PipelineName: "p", Attempt: 1}
	if err := b.EnqueueTask(ctx, qt); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, ok, err := b.PopPriorityQueue(ctx); err != nil || !ok {
		t.Fatalf("pop: ok=%v err=%v", ok, err)
	}

	r := New(b, e, log, time.Hour, meter)
	r.sweep(ctx)

	remaining, err := b.ListTempQueue(ctx)
	if err != nil {
		t.Fatalf("list temp queue: %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("want task to remain in flight, got %d entries", len(remaining))
	}
}

package runner

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/swarmguard/pipelinetool/internal/backend"
	"github.com/swarmguard/pipelinetool/internal/engine"
	"github.com/swarmguard/pipelinetool/internal/task"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type countingExecutor struct {
	calls atomic.Int64
}

func (c *countingExecutor) Execute(context.Context, int64, task.Task, int, any) (task.Result, error) {
	c.calls.Add(1)
	return task.Result{Success: true}, nil
}

func TestPoolDrainsQueueAndDispatches(t *testing.T) {
	b := backend.NewInMemory()
	meter := noopmetric.MeterProvider{}.Meter("test")
	tracer := nooptrace.NewTracerProvider().Tracer("test")
	ex := &countingExecutor{}
	eng := engine.New(b, ex, meter, tracer)

	ctx, cancel := context.WithCancel(context.Background())

	if err := b.PutPipeline(ctx, backend.Pipeline{
		Name:         "nightly",
		DefaultTasks: []task.Task{{Name: "a", Function: "noop", Options: task.DefaultOptions()}},
		Options:      backend.Options{MaxAttempts: 1},
	}); err != nil {
		t.Fatalf("put pipeline: %v", err)
	}
	if _, err := eng.EnqueueRun(ctx, "nightly", time.Now().UTC(), nil); err != nil {
		t.Fatalf("enqueue run: %v", err)
	}

	log := discardLogger()
	pool := New(b, eng, log, 2, 5*time.Millisecond, meter)

	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	deadline := time.After(time.Second)
	for ex.calls.Load() == 0 {
		select {
		case <-deadline:
			cancel()
			t.Fatal("executor was never invoked")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if ex.calls.Load() == 0 {
		t.Fatal("expected at least one dispatch")
	}
}

package executor

import (
	"context"
	"testing"
	"time"

	"github.com/swarmguard/pipelinetool/internal/backend"
	"github.com/swarmguard/pipelinetool/internal/task"
)

func TestExecuteSuccess(t *testing.T) {
	ctx := context.Background()
	b := backend.NewInMemory()
	e := New(Registry{"echo_args": `echo "{\"n\": 1}"`}, b)

	run, err := b.CreateNewRun(ctx, "p", time.Now().UTC())
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	tk := task.Task{ID: 0, Name: "t", Function: "echo_args", Options: task.DefaultOptions()}

	result, err := e.Execute(ctx, run.RunID, tk, 1, map[string]any{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("want success, got failure: %+v", result)
	}
	m, ok := result.Result.(map[string]any)
	if !ok || m["n"] != float64(1) {
		t.Fatalf("unexpected result: %#v", result.Result)
	}
}

func TestExecuteUnknownFunction(t *testing.T) {
	ctx := context.Background()
	b := backend.NewInMemory()
	e := New(Registry{}, b)
	run, err := b.CreateNewRun(ctx, "p", time.Now().UTC())
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	tk := task.Task{ID: 0, Name: "t", Function: "missing", Options: task.DefaultOptions()}

	result, err := e.Execute(ctx, run.RunID, tk, 1, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Success {
		t.Fatalf("want failure for unknown function")
	}
}

func TestExecuteNonZeroExit(t *testing.T) {
	ctx := context.Background()
	b := backend.NewInMemory()
	e := New(Registry{"fail": `exit 7`}, b)
	run, err := b.CreateNewRun(ctx, "p", time.Now().UTC())
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	tk := task.Task{ID: 0, Name: "t", Function: "fail", Options: task.DefaultOptions()}

	result, err := e.Execute(ctx, run.RunID, tk, 1, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Success {
		t.Fatalf("want failure for non-zero exit")
	}
	if result.ExitCode == nil || *result.ExitCode != 7 {
		t.Fatalf("want exit code 7, got %v", result.ExitCode)
	}
}

func TestExecuteTimeoutConsumesAttemptAndRetries(t *testing.T) {
	ctx := context.Background()
	b := backend.NewInMemory()
	e := New(Registry{"sleep": `sleep 2`}, b)
	run, err := b.CreateNewRun(ctx, "p", time.Now().UTC())
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	opts := task.DefaultOptions()
	opts.MaxAttempts = 3
	timeout := 200 * time.Millisecond
	opts.Timeout = &timeout
	tk := task.Task{ID: 0, Name: "t", Function: "sleep", Options: opts}

	result, err := e.Execute(ctx, run.RunID, tk, 1, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Success {
		t.Fatalf("want failure for a timed-out task")
	}
	if result.PrematureFailure {
		t.Fatalf("timeout must not be marked premature, or it would never retry")
	}
	if result.PrematureFailureErrorStr != "timed out" {
		t.Fatalf("want 'timed out' error string, got %q", result.PrematureFailureErrorStr)
	}
	if !result.NeedsRetry() {
		t.Fatalf("a timed-out task with attempts remaining must retry")
	}
}

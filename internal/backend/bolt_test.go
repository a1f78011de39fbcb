package backend

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/pipelinetool/internal/task"
)

func newTestBolt(t *testing.T) *Bolt {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipelinetool.db")
	meter := noopmetric.MeterProvider{}.Meter("test")
	b, err := OpenBolt(path, meter)
	if err != nil {
		t.Fatalf("open boltdb: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestBoltPipelineRoundTrip(t *testing.T) {
	b := newTestBolt(t)
	ctx := context.Background()

	p := Pipeline{Name: "nightly", Options: Options{MaxAttempts: 2}}
	if err := b.PutPipeline(ctx, p); err != nil {
		t.Fatalf("put pipeline: %v", err)
	}
	got, ok, err := b.GetPipeline(ctx, "nightly")
	if err != nil || !ok {
		t.Fatalf("get pipeline: ok=%v err=%v", ok, err)
	}
	if got.Options.MaxAttempts != 2 {
		t.Fatalf("MaxAttempts = %d, want 2", got.Options.MaxAttempts)
	}

	names, err := b.ListPipelines(ctx)
	if err != nil || len(names) != 1 || names[0] != "nightly" {
		t.Fatalf("list pipelines = %v, err=%v", names, err)
	}
}

func TestBoltPipelineCacheSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipelinetool.db")
	meter := noopmetric.MeterProvider{}.Meter("test")
	ctx := context.Background()

	b1, err := OpenBolt(path, meter)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := b1.PutPipeline(ctx, Pipeline{Name: "etl"}); err != nil {
		t.Fatalf("put pipeline: %v", err)
	}
	if _, err := b1.CreateNewRun(ctx, "etl", time.Now().UTC()); err != nil {
		t.Fatalf("create run: %v", err)
	}
	b1.Close()

	b2, err := OpenBolt(path, meter)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b2.Close()

	names, err := b2.ListPipelines(ctx)
	if err != nil || len(names) != 1 || names[0] != "etl" {
		t.Fatalf("list pipelines after reopen = %v, err=%v", names, err)
	}
	run, err := b2.CreateNewRun(ctx, "etl", time.Now().UTC())
	if err != nil {
		t.Fatalf("create run after reopen: %v", err)
	}
	if run.RunID != 2 {
		t.Fatalf("RunID = %d, want 2 (counter must survive reopen)", run.RunID)
	}
}

func TestBoltTaskAndEdgeLifecycle(t *testing.T) {
	b := newTestBolt(t)
	ctx := context.Background()

	run, err := b.CreateNewRun(ctx, "pipeline-a", time.Now().UTC())
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	id0, err := b.AppendNewTask(ctx, run.RunID, task.Task{Name: "extract", Function: "noop"})
	if err != nil {
		t.Fatalf("append task 0: %v", err)
	}
	id1, err := b.AppendNewTask(ctx, run.RunID, task.Task{Name: "load", Function: "noop"})
	if err != nil {
		t.Fatalf("append task 1: %v", err)
	}
	if id0 != 0 || id1 != 1 {
		t.Fatalf("task ids = %d,%d, want 0,1", id0, id1)
	}

	if err := b.InsertEdge(ctx, run.RunID, task.Edge{Upstream: id0, Downstream: id1}); err != nil {
		t.Fatalf("insert edge: %v", err)
	}
	downstream, err := b.GetDownstream(ctx, run.RunID, id0)
	if err != nil || len(downstream) != 1 || downstream[0] != id1 {
		t.Fatalf("downstream = %v, err=%v", downstream, err)
	}
	upstream, err := b.GetUpstream(ctx, run.RunID, id1)
	if err != nil || len(upstream) != 1 || upstream[0] != id0 {
		t.Fatalf("upstream = %v, err=%v", upstream, err)
	}

	if err := b.SetTaskDepth(ctx, run.RunID, id1, 1); err != nil {
		t.Fatalf("set depth: %v", err)
	}
	depth, err := b.GetTaskDepth(ctx, run.RunID, id1)
	if err != nil || depth != 1 {
		t.Fatalf("depth = %d, err=%v", depth, err)
	}

	if err := b.SetTaskStatus(ctx, run.RunID, id0, task.Success); err != nil {
		t.Fatalf("set status: %v", err)
	}
	status, err := b.GetTaskStatus(ctx, run.RunID, id0)
	if err != nil || status != task.Success {
		t.Fatalf("status = %v, err=%v", status, err)
	}

	tasks, err := b.GetAllTasks(ctx, run.RunID)
	if err != nil || len(tasks) != 2 {
		t.Fatalf("all tasks = %v, err=%v", tasks, err)
	}
}

func TestBoltTemplateArgsRoundTrip(t *testing.T) {
	b := newTestBolt(t)
	ctx := context.Background()

	run, err := b.CreateNewRun(ctx, "pipeline-a", time.Now().UTC())
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	id, err := b.AppendNewTask(ctx, run.RunID, task.Task{Name: "t", Function: "noop"})
	if err != nil {
		t.Fatalf("append task: %v", err)
	}
	if err := b.SetTemplateArgs(ctx, run.RunID, id, map[string]any{"x": float64(1)}); err != nil {
		t.Fatalf("set template args: %v", err)
	}
	args, err := b.GetTemplateArgs(ctx, run.RunID, id)
	if err != nil {
		t.Fatalf("get template args: %v", err)
	}
	asMap, ok := args.(map[string]any)
	if !ok || asMap["x"] != float64(1) {
		t.Fatalf("template args = %#v", args)
	}
}

func TestBoltResultAndLogs(t *testing.T) {
	b := newTestBolt(t)
	ctx := context.Background()

	run, err := b.CreateNewRun(ctx, "pipeline-a", time.Now().UTC())
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	id, err := b.AppendNewTask(ctx, run.RunID, task.Task{Name: "t", Function: "noop"})
	if err != nil {
		t.Fatalf("append task: %v", err)
	}

	if err := b.InsertTaskResult(ctx, run.RunID, task.Result{TaskID: id, Success: true, Attempt: 1}); err != nil {
		t.Fatalf("insert result: %v", err)
	}
	result, ok, err := b.GetTaskResult(ctx, run.RunID, id)
	if err != nil || !ok || !result.Success {
		t.Fatalf("get result: ok=%v err=%v result=%+v", ok, err, result)
	}

	attempt, err := b.GetAttemptByTaskID(ctx, run.RunID, id, false)
	if err != nil || attempt != 1 {
		t.Fatalf("attempt = %d, err=%v", attempt, err)
	}
	attempt2, err := b.GetAttemptByTaskID(ctx, run.RunID, id, false)
	if err != nil || attempt2 != 2 {
		t.Fatalf("second attempt = %d, want 2, err=%v", attempt2, err)
	}

	if err := b.AppendLog(ctx, run.RunID, id, 1, "line one\n"); err != nil {
		t.Fatalf("append log: %v", err)
	}
	if err := b.AppendLog(ctx, run.RunID, id, 1, "line two\n"); err != nil {
		t.Fatalf("append log: %v", err)
	}
	log, err := b.GetLog(ctx, run.RunID, id, 1)
	if err != nil || log != "line one\nline two\n" {
		t.Fatalf("log = %q, err=%v", log, err)
	}
}

func TestBoltQueueAtMostOnceDispatch(t *testing.T) {
	b := newTestBolt(t)
	ctx := context.Background()

	run, err := b.CreateNewRun(ctx, "pipeline-a", time.Now().UTC())
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	id, err := b.AppendNewTask(ctx, run.RunID, task.Task{Name: "t", Function: "noop"})
	if err != nil {
		t.Fatalf("append task: %v", err)
	}
	if err := b.EnqueueTask(ctx, task.QueuedTask{RunID: run.RunID, TaskID: id, PipelineName: "pipeline-a"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	popped, ok, err := b.PopPriorityQueue(ctx)
	if err != nil || !ok {
		t.Fatalf("pop: ok=%v err=%v", ok, err)
	}
	if popped.QueuedTask.TaskID != id {
		t.Fatalf("popped task id = %d, want %d", popped.QueuedTask.TaskID, id)
	}

	if _, ok, _ := b.PopPriorityQueue(ctx); ok {
		t.Fatal("queue should be empty after the sole entry was popped")
	}

	inFlight, err := b.ListTempQueue(ctx)
	if err != nil || len(inFlight) != 1 {
		t.Fatalf("temp queue = %v, err=%v", inFlight, err)
	}

	if err := b.RemoveFromTempQueue(ctx, popped); err != nil {
		t.Fatalf("remove from temp queue: %v", err)
	}
	inFlight, err = b.ListTempQueue(ctx)
	if err != nil || len(inFlight) != 0 {
		t.Fatalf("temp queue after removal = %v, err=%v", inFlight, err)
	}
}

func TestBoltScheduleMetadata(t *testing.T) {
	b := newTestBolt(t)
	ctx := context.Background()

	if got, err := b.GetNextRun(ctx, "nightly"); err != nil || got != nil {
		t.Fatalf("initial next run = %v, err=%v", got, err)
	}
	next := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	if err := b.SetNextRun(ctx, "nightly", &next); err != nil {
		t.Fatalf("set next run: %v", err)
	}
	got, err := b.GetNextRun(ctx, "nightly")
	if err != nil || got == nil || !got.Equal(next) {
		t.Fatalf("next run = %v, want %v, err=%v", got, next, err)
	}

	recordedAt := time.Now().UTC().Truncate(time.Second)
	found, err := b.IsScheduledDateRecorded(ctx, "nightly", recordedAt)
	if err != nil || found {
		t.Fatalf("unrecorded date reported found: %v, err=%v", found, err)
	}
	if err := b.RecordScheduledDate(ctx, "nightly", recordedAt); err != nil {
		t.Fatalf("record scheduled date: %v", err)
	}
	found, err = b.IsScheduledDateRecorded(ctx, "nightly", recordedAt)
	if err != nil || !found {
		t.Fatalf("recorded date not found: %v, err=%v", found, err)
	}
}

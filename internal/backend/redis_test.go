package backend

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/swarmguard/pipelinetool/internal/task"
)

// newTestRedis connects to REDIS_ADDR (default localhost:6379) and skips the
// test if nothing answers; these tests exercise the real keyspace rather
// than a fake, so they only run where a Redis instance is reachable.
func newTestRedis(t *testing.T) *Redis {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("no redis reachable at %s: %v", addr, err)
	}
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	client.FlushDB(context.Background())
	return NewRedis(client)
}

func TestRedisPipelineRoundTrip(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()

	p := Pipeline{
		Name:         "nightly",
		Path:         "pipelines/nightly.go",
		DefaultTasks: []task.Task{{ID: 0, Name: "extract", Function: "extract"}},
		DefaultEdges: nil,
		Options:      Options{MaxAttempts: 3, Schedule: "0 2 * * *"},
	}
	if err := r.PutPipeline(ctx, p); err != nil {
		t.Fatalf("put pipeline: %v", err)
	}
	got, ok, err := r.GetPipeline(ctx, "nightly")
	if err != nil || !ok {
		t.Fatalf("get pipeline: ok=%v err=%v", ok, err)
	}
	if got.Options.MaxAttempts != 3 || got.Options.Schedule != "0 2 * * *" || len(got.DefaultTasks) != 1 {
		t.Fatalf("unexpected round trip: %+v", got)
	}

	names, err := r.ListPipelines(ctx)
	if err != nil {
		t.Fatalf("list pipelines: %v", err)
	}
	if len(names) != 1 || names[0] != "nightly" {
		t.Fatalf("unexpected pipeline list: %v", names)
	}
}

func TestRedisTaskAndTemplateArgsRoundTrip(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()

	run, err := r.CreateNewRun(ctx, "nightly", time.Now().UTC())
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	taskID, err := r.AppendNewTask(ctx, run.RunID, task.Task{Name: "extract", Function: "extract", TemplateArgs: map[string]any{"n": 1.0}})
	if err != nil {
		t.Fatalf("append task: %v", err)
	}

	if err := r.SetTemplateArgs(ctx, run.RunID, taskID, map[string]any{"n": 2.0}); err != nil {
		t.Fatalf("set template args: %v", err)
	}
	got, ok, err := r.GetTaskByID(ctx, run.RunID, taskID)
	if err != nil || !ok {
		t.Fatalf("get task: ok=%v err=%v", ok, err)
	}
	args, ok := got.TemplateArgs.(map[string]any)
	if !ok || args["n"] != 2.0 {
		t.Fatalf("template args not rewritten: %+v", got.TemplateArgs)
	}

	all, err := r.GetAllTasks(ctx, run.RunID)
	if err != nil {
		t.Fatalf("get all tasks: %v", err)
	}
	if len(all) != 1 || all[0].ID != taskID {
		t.Fatalf("unexpected task list: %+v", all)
	}
}

func TestRedisEdgesAndDepth(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()

	run, err := r.CreateNewRun(ctx, "nightly", time.Now().UTC())
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	a, _ := r.AppendNewTask(ctx, run.RunID, task.Task{Name: "a", Function: "f"})
	b, _ := r.AppendNewTask(ctx, run.RunID, task.Task{Name: "b", Function: "f"})
	if err := r.InsertEdge(ctx, run.RunID, task.Edge{Upstream: a, Downstream: b}); err != nil {
		t.Fatalf("insert edge: %v", err)
	}

	down, err := r.GetDownstream(ctx, run.RunID, a)
	if err != nil || len(down) != 1 || down[0] != b {
		t.Fatalf("downstream: %v err=%v", down, err)
	}
	up, err := r.GetUpstream(ctx, run.RunID, b)
	if err != nil || len(up) != 1 || up[0] != a {
		t.Fatalf("upstream: %v err=%v", up, err)
	}

	if err := r.SetTaskDepth(ctx, run.RunID, b, 1); err != nil {
		t.Fatalf("set depth: %v", err)
	}
	depth, err := r.GetTaskDepth(ctx, run.RunID, b)
	if err != nil || depth != 1 {
		t.Fatalf("get depth: %d err=%v", depth, err)
	}

	if err := r.RemoveEdge(ctx, run.RunID, task.Edge{Upstream: a, Downstream: b}); err != nil {
		t.Fatalf("remove edge: %v", err)
	}
	down, err = r.GetDownstream(ctx, run.RunID, a)
	if err != nil || len(down) != 0 {
		t.Fatalf("downstream after remove: %v err=%v", down, err)
	}
}

func TestRedisQueueAtMostOnceDispatch(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()

	run, err := r.CreateNewRun(ctx, "nightly", time.Now().UTC())
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	taskID, err := r.AppendNewTask(ctx, run.RunID, task.Task{Name: "a", Function: "f"})
	if err != nil {
		t.Fatalf("append task: %v", err)
	}
	qt := task.QueuedTask{TaskID: taskID, RunID: run.RunID, PipelineName: "nightly", Attempt: 1}
	if err := r.EnqueueTask(ctx, qt); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	tqt, ok, err := r.PopPriorityQueue(ctx)
	if err != nil || !ok {
		t.Fatalf("pop: ok=%v err=%v", ok, err)
	}
	if tqt.QueuedTask.TaskID != taskID {
		t.Fatalf("unexpected popped task: %+v", tqt)
	}

	_, ok, err = r.PopPriorityQueue(ctx)
	if err != nil || ok {
		t.Fatalf("queue should be empty after single pop: ok=%v err=%v", ok, err)
	}

	inFlight, err := r.ListTempQueue(ctx)
	if err != nil || len(inFlight) != 1 {
		t.Fatalf("want one in-flight entry, got %d err=%v", len(inFlight), err)
	}
	if err := r.RemoveFromTempQueue(ctx, tqt); err != nil {
		t.Fatalf("remove from temp queue: %v", err)
	}
	inFlight, err = r.ListTempQueue(ctx)
	if err != nil || len(inFlight) != 0 {
		t.Fatalf("want empty in-flight set, got %d err=%v", len(inFlight), err)
	}
}

func TestRedisScheduleMetadata(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()

	recorded, err := r.IsScheduledDateRecorded(ctx, "nightly", time.Date(2026, 1, 1, 2, 0, 0, 0, time.UTC))
	if err != nil || recorded {
		t.Fatalf("unrecorded date should report false: %v err=%v", recorded, err)
	}
	if err := r.RecordScheduledDate(ctx, "nightly", time.Date(2026, 1, 1, 2, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("record scheduled date: %v", err)
	}
	recorded, err = r.IsScheduledDateRecorded(ctx, "nightly", time.Date(2026, 1, 1, 2, 0, 0, 0, time.UTC))
	if err != nil || !recorded {
		t.Fatalf("recorded date should report true: %v err=%v", recorded, err)
	}

	next := time.Date(2026, 1, 2, 2, 0, 0, 0, time.UTC)
	if err := r.SetNextRun(ctx, "nightly", &next); err != nil {
		t.Fatalf("set next run: %v", err)
	}
	got, err := r.GetNextRun(ctx, "nightly")
	if err != nil || got == nil || !got.Equal(next) {
		t.Fatalf("get next run: %v err=%v", got, err)
	}
}

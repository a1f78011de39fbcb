package backend

import (
	"context"
	"errors"
	"time"

	"github.com/swarmguard/pipelinetool/internal/corelib/resilience"
	"github.com/swarmguard/pipelinetool/internal/task"
)

// ErrCircuitOpen is returned in place of the wrapped Backend's own error
// when the circuit breaker has tripped and is refusing calls.
var ErrCircuitOpen = errors.New("backend: circuit open")

// Resilient wraps a Backend (the Redis implementation, in practice) with
// retry-with-backoff and circuit breaking, per spec section 4.12: every
// transient StoreError against a remote store is retried, and a breaker
// shared across all methods stops hammering a store that is clearly down.
// Grounded on the teacher's api-gateway circuit breaker usage pattern
// (services/api-gateway/gateway_v2.go), adapted from a per-route pool to a
// single breaker guarding one downstream dependency.
type Resilient struct {
	inner   Backend
	breaker *resilience.CircuitBreaker
	retries int
	delay   time.Duration
}

// NewResilient wraps inner with the given retry count and initial backoff
// delay, and a circuit breaker using the teacher's default tuning (rolling
// one-minute window, 4 buckets, 5 minimum samples, 50% failure rate opens,
// 10s half-open cooldown, 3 half-open probes).
func NewResilient(inner Backend, retries int, delay time.Duration) *Resilient {
	return &Resilient{
		inner:   inner,
		breaker: resilience.NewCircuitBreaker(time.Minute, 4, 5, 0.5, 10*time.Second, 3),
		retries: retries,
		delay:   delay,
	}
}

var _ Backend = (*Resilient)(nil)

func call[T any](ctx context.Context, r *Resilient, fn func() (T, error)) (T, error) {
	var zero T
	if !r.breaker.Allow() {
		return zero, ErrCircuitOpen
	}
	v, err := resilience.Retry(ctx, r.retries, r.delay, fn)
	r.breaker.RecordResult(err == nil)
	return v, err
}

func call0(ctx context.Context, r *Resilient, fn func() error) error {
	_, err := call(ctx, r, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

func (r *Resilient) PutPipeline(ctx context.Context, p Pipeline) error {
	return call0(ctx, r, func() error { return r.inner.PutPipeline(ctx, p) })
}

func (r *Resilient) GetPipeline(ctx context.Context, name string) (Pipeline, bool, error) {
	type pair struct {
		p  Pipeline
		ok bool
	}
	res, err := call(ctx, r, func() (pair, error) {
		p, ok, err := r.inner.GetPipeline(ctx, name)
		return pair{p, ok}, err
	})
	return res.p, res.ok, err
}

func (r *Resilient) ListPipelines(ctx context.Context) ([]string, error) {
	return call(ctx, r, func() ([]string, error) { return r.inner.ListPipelines(ctx) })
}

func (r *Resilient) CreateNewRun(ctx context.Context, pipelineName string, scheduledDate time.Time) (task.Run, error) {
	return call(ctx, r, func() (task.Run, error) { return r.inner.CreateNewRun(ctx, pipelineName, scheduledDate) })
}

func (r *Resilient) GetRun(ctx context.Context, runID int64) (task.Run, bool, error) {
	type pair struct {
		run task.Run
		ok  bool
	}
	res, err := call(ctx, r, func() (pair, error) {
		run, ok, err := r.inner.GetRun(ctx, runID)
		return pair{run, ok}, err
	})
	return res.run, res.ok, err
}

func (r *Resilient) ListRuns(ctx context.Context, pipelineName string) ([]task.Run, error) {
	return call(ctx, r, func() ([]task.Run, error) { return r.inner.ListRuns(ctx, pipelineName) })
}

func (r *Resilient) AppendNewTask(ctx context.Context, runID int64, t task.Task) (int, error) {
	return call(ctx, r, func() (int, error) { return r.inner.AppendNewTask(ctx, runID, t) })
}

func (r *Resilient) GetTaskByID(ctx context.Context, runID int64, taskID int) (task.Task, bool, error) {
	type pair struct {
		t  task.Task
		ok bool
	}
	res, err := call(ctx, r, func() (pair, error) {
		t, ok, err := r.inner.GetTaskByID(ctx, runID, taskID)
		return pair{t, ok}, err
	})
	return res.t, res.ok, err
}

func (r *Resilient) GetAllTasks(ctx context.Context, runID int64) ([]task.Task, error) {
	return call(ctx, r, func() ([]task.Task, error) { return r.inner.GetAllTasks(ctx, runID) })
}

func (r *Resilient) SetTemplateArgs(ctx context.Context, runID int64, taskID int, args any) error {
	return call0(ctx, r, func() error { return r.inner.SetTemplateArgs(ctx, runID, taskID, args) })
}

func (r *Resilient) GetTemplateArgs(ctx context.Context, runID int64, taskID int) (any, error) {
	return call(ctx, r, func() (any, error) { return r.inner.GetTemplateArgs(ctx, runID, taskID) })
}

func (r *Resilient) InsertEdge(ctx context.Context, runID int64, e task.Edge) error {
	return call0(ctx, r, func() error { return r.inner.InsertEdge(ctx, runID, e) })
}

func (r *Resilient) RemoveEdge(ctx context.Context, runID int64, e task.Edge) error {
	return call0(ctx, r, func() error { return r.inner.RemoveEdge(ctx, runID, e) })
}

func (r *Resilient) GetUpstream(ctx context.Context, runID int64, taskID int) ([]int, error) {
	return call(ctx, r, func() ([]int, error) { return r.inner.GetUpstream(ctx, runID, taskID) })
}

func (r *Resilient) GetDownstream(ctx context.Context, runID int64, taskID int) ([]int, error) {
	return call(ctx, r, func() ([]int, error) { return r.inner.GetDownstream(ctx, runID, taskID) })
}

func (r *Resilient) GetTaskDepth(ctx context.Context, runID int64, taskID int) (int, error) {
	return call(ctx, r, func() (int, error) { return r.inner.GetTaskDepth(ctx, runID, taskID) })
}

func (r *Resilient) SetTaskDepth(ctx context.Context, runID int64, taskID, depth int) error {
	return call0(ctx, r, func() error { return r.inner.SetTaskDepth(ctx, runID, taskID, depth) })
}

func (r *Resilient) DeleteTaskDepth(ctx context.Context, runID int64, taskID int) error {
	return call0(ctx, r, func() error { return r.inner.DeleteTaskDepth(ctx, runID, taskID) })
}

func (r *Resilient) SetDependencyKeys(ctx context.Context, runID int64, taskID int, deps task.Dependencies) error {
	return call0(ctx, r, func() error { return r.inner.SetDependencyKeys(ctx, runID, taskID, deps) })
}

func (r *Resilient) GetDependencyKeys(ctx context.Context, runID int64, taskID int) (task.Dependencies, error) {
	return call(ctx, r, func() (task.Dependencies, error) { return r.inner.GetDependencyKeys(ctx, runID, taskID) })
}

func (r *Resilient) GetTaskStatus(ctx context.Context, runID int64, taskID int) (task.Status, error) {
	return call(ctx, r, func() (task.Status, error) { return r.inner.GetTaskStatus(ctx, runID, taskID) })
}

func (r *Resilient) SetTaskStatus(ctx context.Context, runID int64, taskID int, status task.Status) error {
	return call0(ctx, r, func() error { return r.inner.SetTaskStatus(ctx, runID, taskID, status) })
}

func (r *Resilient) InsertTaskResult(ctx context.Context, runID int64, result task.Result) error {
	return call0(ctx, r, func() error { return r.inner.InsertTaskResult(ctx, runID, result) })
}

func (r *Resilient) GetTaskResult(ctx context.Context, runID int64, taskID int) (task.Result, bool, error) {
	type pair struct {
		res task.Result
		ok  bool
	}
	res, err := call(ctx, r, func() (pair, error) {
		result, ok, err := r.inner.GetTaskResult(ctx, runID, taskID)
		return pair{result, ok}, err
	})
	return res.res, res.ok, err
}

func (r *Resilient) GetAttemptByTaskID(ctx context.Context, runID int64, taskID int, isDynamic bool) (int, error) {
	return call(ctx, r, func() (int, error) { return r.inner.GetAttemptByTaskID(ctx, runID, taskID, isDynamic) })
}

func (r *Resilient) AppendLog(ctx context.Context, runID int64, taskID, attempt int, line string) error {
	return call0(ctx, r, func() error { return r.inner.AppendLog(ctx, runID, taskID, attempt, line) })
}

func (r *Resilient) GetLog(ctx context.Context, runID int64, taskID, attempt int) (string, error) {
	return call(ctx, r, func() (string, error) { return r.inner.GetLog(ctx, runID, taskID, attempt) })
}

func (r *Resilient) EnqueueTask(ctx context.Context, qt task.QueuedTask) error {
	return call0(ctx, r, func() error { return r.inner.EnqueueTask(ctx, qt) })
}

func (r *Resilient) PopPriorityQueue(ctx context.Context) (task.TempQueuedTask, bool, error) {
	type pair struct {
		tqt task.TempQueuedTask
		ok  bool
	}
	res, err := call(ctx, r, func() (pair, error) {
		tqt, ok, err := r.inner.PopPriorityQueue(ctx)
		return pair{tqt, ok}, err
	})
	return res.tqt, res.ok, err
}

func (r *Resilient) RemoveFromTempQueue(ctx context.Context, tqt task.TempQueuedTask) error {
	return call0(ctx, r, func() error { return r.inner.RemoveFromTempQueue(ctx, tqt) })
}

func (r *Resilient) ListTempQueue(ctx context.Context) ([]task.TempQueuedTask, error) {
	return call(ctx, r, func() ([]task.TempQueuedTask, error) { return r.inner.ListTempQueue(ctx) })
}

func (r *Resilient) GetNextRun(ctx context.Context, pipelineName string) (*time.Time, error) {
	return call(ctx, r, func() (*time.Time, error) { return r.inner.GetNextRun(ctx, pipelineName) })
}

func (r *Resilient) SetNextRun(ctx context.Context, pipelineName string, t *time.Time) error {
	return call0(ctx, r, func() error { return r.inner.SetNextRun(ctx, pipelineName, t) })
}

func (r *Resilient) IsScheduledDateRecorded(ctx context.Context, pipelineName string, d time.Time) (bool, error) {
	return call(ctx, r, func() (bool, error) { return r.inner.IsScheduledDateRecorded(ctx, pipelineName, d) })
}

func (r *Resilient) RecordScheduledDate(ctx context.Context, pipelineName string, d time.Time) error {
	return call0(ctx, r, func() error { return r.inner.RecordScheduledDate(ctx, pipelineName, d) })
}

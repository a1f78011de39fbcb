package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/pipelinetool/internal/backend"
	"github.com/swarmguard/pipelinetool/internal/task"
)

// Executor runs a task's function against resolved args in a subprocess and
// reports the outcome as a Result. It never returns a non-nil error for a
// task that ran and failed, or that could not be started — that is
// expressed as Result.Success == false — only for a store failure while
// recording the run, such as persisting captured log lines (a
// StoreError-class condition the caller should treat as transient).
type Executor interface {
	Execute(ctx context.Context, runID int64, t task.Task, attempt int, resolvedArgs any) (task.Result, error)
}

// Engine is the execution engine driving the task lifecycle: resolve -> run
// -> handle_result -> propagate (spec section 4.4, the reference design's
// "BlanketBackend"). It is the sole writer of task status transitions.
type Engine struct {
	backend  backend.Backend
	executor Executor
	tracer   trace.Tracer

	taskDuration metric.Float64Histogram
	taskRetries  metric.Int64Counter
	taskFailures metric.Int64Counter
}

// New constructs an Engine over b, dispatching normal-path task execution to
// executor. meter may be a noop meter in tests.
func New(b backend.Backend, executor Executor, meter metric.Meter, tracer trace.Tracer) *Engine {
	duration, _ := meter.Float64Histogram("pipelinetool_task_duration_ms")
	retries, _ := meter.Int64Counter("pipelinetool_task_retries_total")
	failures, _ := meter.Int64Counter("pipelinetool_task_failures_total")
	return &Engine{
		backend:      b,
		executor:     executor,
		tracer:       tracer,
		taskDuration: duration,
		taskRetries:  retries,
		taskFailures: failures,
	}
}

// EnqueueRun copies pipelineName's default tasks and edges into a new run
// namespace, substituting template args with triggerParams on tasks marked
// UseTriggerParams, runs the dependency extractor over each, and enqueues
// every depth-0 task (spec section 4.4.1).
func (e *Engine) EnqueueRun(ctx context.Context, pipelineName string, scheduledDate time.Time, triggerParams any) (task.Run, error) {
	pipeline, ok, err := e.backend.GetPipeline(ctx, pipelineName)
	if err != nil {
		return task.Run{}, fmt.Errorf("load pipeline %q: %w", pipelineName, err)
	}
	if !ok {
		return task.Run{}, fmt.Errorf("unknown pipeline %q", pipelineName)
	}

	if path, found := DetectCycle(pipeline.DefaultTasks, pipeline.DefaultEdges); found {
		return task.Run{}, fmt.Errorf("%w: %v", ErrCycle, path)
	}

	run, err := e.backend.CreateNewRun(ctx, pipelineName, scheduledDate)
	if err != nil {
		return task.Run{}, fmt.Errorf("create run: %w", err)
	}

	for _, dt := range pipeline.DefaultTasks {
		t := dt
		if t.UseTriggerParams {
			t.TemplateArgs = triggerParams
		}
		newID, err := e.backend.AppendNewTask(ctx, run.RunID, t)
		if err != nil {
			return task.Run{}, fmt.Errorf("append default task %q: %w", dt.Name, err)
		}
		if err := UpdateReferencedDependencies(ctx, e.backend, run.RunID, newID); err != nil {
			return task.Run{}, err
		}
	}
	for _, de := range pipeline.DefaultEdges {
		if err := e.backend.InsertEdge(ctx, run.RunID, de); err != nil {
			return task.Run{}, fmt.Errorf("insert default edge: %w", err)
		}
	}

	tasks, err := e.backend.GetAllTasks(ctx, run.RunID)
	if err != nil {
		return task.Run{}, fmt.Errorf("list run tasks: %w", err)
	}
	for _, t := range tasks {
		depth, err := ComputeDepth(ctx, e.backend, run.RunID, t.ID)
		if err != nil {
			return task.Run{}, err
		}
		if depth == 0 {
			if err := e.enqueue(ctx, run.RunID, t.ID, pipelineName, scheduledDate, false); err != nil {
				return task.Run{}, err
			}
		}
	}
	return run, nil
}

// Work is the runner's inner loop for one popped TempQueuedTask (spec
// section 4.4.2): load task, resolve args, run, hand the result to
// HandleTaskResult. A resolution failure is turned into a premature-failure
// result rather than propagated, since it is not a StoreError.
func (e *Engine) Work(ctx context.Context, tqt task.TempQueuedTask) error {
	ctx, span := e.tracer.Start(ctx, "engine.work",
		trace.WithAttributes(
			attribute.Int64("run_id", tqt.QueuedTask.RunID),
			attribute.Int("task_id", tqt.QueuedTask.TaskID),
		),
	)
	defer span.End()

	qt := tqt.QueuedTask
	t, ok, err := e.backend.GetTaskByID(ctx, qt.RunID, qt.TaskID)
	if err != nil {
		return fmt.Errorf("load task %d: %w", qt.TaskID, err)
	}
	if !ok {
		return fmt.Errorf("task %d not found in run %d", qt.TaskID, qt.RunID)
	}

	deps, err := e.backend.GetDependencyKeys(ctx, qt.RunID, qt.TaskID)
	if err != nil {
		return fmt.Errorf("load dependencies of %d: %w", qt.TaskID, err)
	}

	var result task.Result
	resolvedArgs, resolveErr := ResolveArgs(ctx, e.backend, qt.RunID, t.TemplateArgs, deps)
	if resolveErr != nil {
		result = task.PrematureError(t.ID, qt.Attempt, t.Options.MaxAttempts, t.Name, t.Function, resolveErr.Error(), t.IsBranch, t.Options.IsSensor)
	} else {
		result, err = e.RunTask(ctx, qt.RunID, qt.PipelineName, t, qt.Attempt, resolvedArgs, qt.ScheduledDateForRun)
		if err != nil {
			return fmt.Errorf("run task %d: %w", t.ID, err)
		}
	}

	if err := e.HandleTaskResult(ctx, qt.RunID, qt, result); err != nil {
		return fmt.Errorf("handle result for task %d: %w", t.ID, err)
	}
	return e.backend.RemoveFromTempQueue(ctx, tqt)
}

// RunTask dispatches a resolved task (spec section 4.4.3): the lazy-expand
// path materializes dynamic children and a collector and returns a
// synthetic success result; the normal path hands off to the Executor.
func (e *Engine) RunTask(ctx context.Context, runID int64, pipelineName string, t task.Task, attempt int, resolvedArgs any, scheduledDate time.Time) (task.Result, error) {
	if !t.LazyExpand {
		start := time.Now()
		result, err := e.executor.Execute(ctx, runID, t, attempt, resolvedArgs)
		e.taskDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.Int("task_id", t.ID), attribute.String("function", t.Function)))
		return result, err
	}
	return e.runLazyExpand(ctx, runID, pipelineName, t, attempt, resolvedArgs, scheduledDate)
}

func (e *Engine) runLazyExpand(ctx context.Context, runID int64, pipelineName string, t task.Task, attempt int, resolvedArgs any, scheduledDate time.Time) (task.Result, error) {
	elements, ok := resolvedArgs.([]any)
	if !ok {
		return task.Result{}, fmt.Errorf("lazy_expand task %d: resolved args is not a list", t.ID)
	}

	downstream, err := e.backend.GetDownstream(ctx, runID, t.ID)
	if err != nil {
		return task.Result{}, fmt.Errorf("get downstream of %d: %w", t.ID, err)
	}

	lazyIDs := make([]int, 0, len(elements))
	for _, elem := range elements {
		child := task.Task{Name: t.Name, Function: t.Function, TemplateArgs: elem, Options: t.Options, IsDynamic: true}
		childID, err := e.backend.AppendNewTask(ctx, runID, child)
		if err != nil {
			return task.Result{}, fmt.Errorf("append lazy child of %d: %w", t.ID, err)
		}
		if err := e.backend.InsertEdge(ctx, runID, task.Edge{Upstream: t.ID, Downstream: childID}); err != nil {
			return task.Result{}, err
		}
		lazyIDs = append(lazyIDs, childID)
	}

	collectorID := -1
	if len(downstream) > 0 {
		collectorArgs := make([]any, len(lazyIDs))
		for i, lid := range lazyIDs {
			collectorArgs[i] = map[string]any{refUpstreamIDKey: lid}
		}
		collector := task.Task{Name: "collector", Function: "collector", TemplateArgs: collectorArgs, Options: t.Options, IsDynamic: true}
		collectorID, err = e.backend.AppendNewTask(ctx, runID, collector)
		if err != nil {
			return task.Result{}, fmt.Errorf("append collector for %d: %w", t.ID, err)
		}
		if err := UpdateReferencedDependencies(ctx, e.backend, runID, collectorID); err != nil {
			return task.Result{}, err
		}
		for _, lid := range lazyIDs {
			if err := e.backend.InsertEdge(ctx, runID, task.Edge{Upstream: lid, Downstream: collectorID}); err != nil {
				return task.Result{}, err
			}
		}

		for _, d := range downstream {
			if err := e.backend.InsertEdge(ctx, runID, task.Edge{Upstream: collectorID, Downstream: d}); err != nil {
				return task.Result{}, err
			}
			if err := retargetReference(ctx, e.backend, runID, d, t.ID, collectorID); err != nil {
				return task.Result{}, err
			}
			if err := e.backend.RemoveEdge(ctx, runID, task.Edge{Upstream: t.ID, Downstream: d}); err != nil {
				return task.Result{}, err
			}
			if err := UpdateReferencedDependencies(ctx, e.backend, runID, d); err != nil {
				return task.Result{}, err
			}
			if err := e.backend.DeleteTaskDepth(ctx, runID, d); err != nil {
				return task.Result{}, err
			}
			if err := e.enqueue(ctx, runID, d, pipelineName, scheduledDate, true); err != nil {
				return task.Result{}, err
			}
		}
		if err := e.backend.DeleteTaskDepth(ctx, runID, collectorID); err != nil {
			return task.Result{}, err
		}
		if err := e.enqueue(ctx, runID, collectorID, pipelineName, scheduledDate, true); err != nil {
			return task.Result{}, err
		}
	}

	for _, lid := range lazyIDs {
		if err := e.backend.DeleteTaskDepth(ctx, runID, lid); err != nil {
			return task.Result{}, err
		}
		if err := e.enqueue(ctx, runID, lid, pipelineName, scheduledDate, true); err != nil {
			return task.Result{}, err
		}
	}

	return task.Result{
		TaskID:      t.ID,
		Result:      nil,
		Attempt:     attempt,
		MaxAttempts: t.Options.MaxAttempts,
		Name:        t.Name,
		Function:    t.Function,
		Success:     true,
		IsBranch:    t.IsBranch,
		IsSensor:    t.Options.IsSensor,
	}, nil
}

// retargetReference rewrites every upstream_task_id reference equal to
// oldUpstream in taskID's template args to newUpstream. This is a
// structural walk of the decoded args value; the reference design performs
// the equivalent rewrite via string replacement on serialized JSON, which
// this implementation avoids in favor of Go's native composite types.
func retargetReference(ctx context.Context, b backend.Backend, runID int64, taskID, oldUpstream, newUpstream int) error {
	args, err := b.GetTemplateArgs(ctx, runID, taskID)
	if err != nil {
		return fmt.Errorf("load template args of %d: %w", taskID, err)
	}
	return b.SetTemplateArgs(ctx, runID, taskID, rewriteUpstreamRefs(args, oldUpstream, newUpstream))
}

func rewriteUpstreamRefs(v any, oldID, newID int) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = rewriteUpstreamRefs(val, oldID, newID)
		}
		if uidRaw, present := out[refUpstreamIDKey]; present && toInt(uidRaw) == oldID {
			out[refUpstreamIDKey] = newID
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = rewriteUpstreamRefs(val, oldID, newID)
		}
		return out
	default:
		return v
	}
}

// HandleTaskResult implements the post-execution state transition (spec
// section 4.4.4): branch unpacking, persistence, retry decision, branch
// skip propagation, terminal status assignment, and trigger-rule cascade.
func (e *Engine) HandleTaskResult(ctx context.Context, runID int64, qt task.QueuedTask, result task.Result) error {
	branchLeft, unpackedBranch := false, false
	if result.IsBranch {
		if inner, isLeft, ok := task.UnpackBranch(result.Result); ok {
			result.Result = inner
			branchLeft = isLeft
			unpackedBranch = true
		}
	}

	if err := e.backend.InsertTaskResult(ctx, runID, result); err != nil {
		return fmt.Errorf("persist result of %d: %w", result.TaskID, err)
	}

	if result.NeedsRetry() {
		e.taskRetries.Add(ctx, 1, metric.WithAttributes(attribute.Int("task_id", result.TaskID)))
		nextAttempt, err := e.backend.GetAttemptByTaskID(ctx, runID, result.TaskID, qt.IsDynamic)
		if err != nil {
			return fmt.Errorf("allocate retry attempt for %d: %w", result.TaskID, err)
		}
		if err := e.backend.SetTaskStatus(ctx, runID, result.TaskID, task.RetryPending); err != nil {
			return err
		}
		return e.backend.EnqueueTask(ctx, task.QueuedTask{
			TaskID:              result.TaskID,
			RunID:               runID,
			PipelineName:        qt.PipelineName,
			ScheduledDateForRun: qt.ScheduledDateForRun,
			Attempt:             nextAttempt,
			IsDynamic:           qt.IsDynamic,
		})
	}

	if unpackedBranch && result.Success {
		var skipRoot int
		if branchLeft {
			skipRoot = result.TaskID + 2
		} else {
			skipRoot = result.TaskID + 1
		}
		if err := e.skipTransitiveDownstream(ctx, runID, skipRoot); err != nil {
			return err
		}
	}

	finalStatus := task.Failure
	if result.Success {
		finalStatus = task.Success
	} else {
		e.taskFailures.Add(ctx, 1, metric.WithAttributes(attribute.Int("task_id", result.TaskID)))
	}
	if err := e.backend.SetTaskStatus(ctx, runID, result.TaskID, finalStatus); err != nil {
		return err
	}

	downstream, err := e.backend.GetDownstream(ctx, runID, result.TaskID)
	if err != nil {
		return fmt.Errorf("get downstream of %d: %w", result.TaskID, err)
	}
	for _, d := range downstream {
		st, err := e.backend.GetTaskStatus(ctx, runID, d)
		if err != nil {
			return err
		}
		if st.IsDone() {
			continue
		}
		ok, err := TriggerRulesSatisfied(ctx, e.backend, runID, d)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		dt, found, err := e.backend.GetTaskByID(ctx, runID, d)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		attempt, err := e.backend.GetAttemptByTaskID(ctx, runID, d, dt.IsDynamic)
		if err != nil {
			return err
		}
		if err := e.backend.EnqueueTask(ctx, task.QueuedTask{
			TaskID:              d,
			RunID:               runID,
			PipelineName:        qt.PipelineName,
			ScheduledDateForRun: qt.ScheduledDateForRun,
			Attempt:             attempt,
			IsDynamic:           dt.IsDynamic,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) skipTransitiveDownstream(ctx context.Context, runID int64, root int) error {
	stack := []int{root}
	visited := map[int]struct{}{}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := visited[id]; seen {
			continue
		}
		visited[id] = struct{}{}
		if err := e.backend.SetTaskStatus(ctx, runID, id, task.Skipped); err != nil {
			return err
		}
		down, err := e.backend.GetDownstream(ctx, runID, id)
		if err != nil {
			return err
		}
		stack = append(stack, down...)
	}
	return nil
}

func (e *Engine) enqueue(ctx context.Context, runID int64, taskID int, pipelineName string, scheduledDate time.Time, isDynamic bool) error {
	if _, err := ComputeDepth(ctx, e.backend, runID, taskID); err != nil {
		return err
	}
	attempt, err := e.backend.GetAttemptByTaskID(ctx, runID, taskID, isDynamic)
	if err != nil {
		return fmt.Errorf("allocate attempt for %d: %w", taskID, err)
	}
	return e.backend.EnqueueTask(ctx, task.QueuedTask{
		TaskID:              taskID,
		RunID:               runID,
		PipelineName:        pipelineName,
		ScheduledDateForRun: scheduledDate,
		Attempt:             attempt,
		IsDynamic:           isDynamic,
	})
}

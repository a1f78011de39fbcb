// Package backend defines the capability interface the execution engine,
// runner, scheduler and reaper use for all durable state, and ships three
// implementations: an in-memory store (single process), a BoltDB store
// (durable, single process) and a Redis store (distributed, using the
// design's key names; see Redis for where its value encodings differ).
package backend

import (
	"context"
	"time"

	"github.com/swarmguard/pipelinetool/internal/task"
)

// Backend mediates all run-scoped state (tasks, edges, statuses, results,
// logs, depth cache, dependency keys) plus the process-wide priority queue,
// temp (in-flight) set, and per-pipeline scheduling metadata. Every write
// must be idempotent under retry; callers may see a StoreError from any
// method when the underlying store is unreachable.
type Backend interface {
	// Pipelines (authoring-side definitions, registered once, read many times).
	PutPipeline(ctx context.Context, p Pipeline) error
	GetPipeline(ctx context.Context, name string) (Pipeline, bool, error)
	ListPipelines(ctx context.Context) ([]string, error)

	// Runs.
	CreateNewRun(ctx context.Context, pipelineName string, scheduledDate time.Time) (task.Run, error)
	GetRun(ctx context.Context, runID int64) (task.Run, bool, error)
	ListRuns(ctx context.Context, pipelineName string) ([]task.Run, error)

	// Task registry, scoped to one run.
	AppendNewTask(ctx context.Context, runID int64, t task.Task) (int, error)
	GetTaskByID(ctx context.Context, runID int64, taskID int) (task.Task, bool, error)
	GetAllTasks(ctx context.Context, runID int64) ([]task.Task, error)
	SetTemplateArgs(ctx context.Context, runID int64, taskID int, args any) error
	GetTemplateArgs(ctx context.Context, runID int64, taskID int) (any, error)

	// Edges (directed, set semantics).
	InsertEdge(ctx context.Context, runID int64, e task.Edge) error
	RemoveEdge(ctx context.Context, runID int64, e task.Edge) error
	GetUpstream(ctx context.Context, runID int64, taskID int) ([]int, error)
	GetDownstream(ctx context.Context, runID int64, taskID int) ([]int, error)

	// Depth cache: memoized longest path from a root. Invalidated explicitly
	// (never inferred) whenever an edge rewrite changes a task's upstream set.
	GetTaskDepth(ctx context.Context, runID int64, taskID int) (int, error)
	SetTaskDepth(ctx context.Context, runID int64, taskID, depth int) error
	DeleteTaskDepth(ctx context.Context, runID int64, taskID int) error

	// Dependency keys, as registered by the Dependency-Reference Extractor.
	SetDependencyKeys(ctx context.Context, runID int64, taskID int, deps task.Dependencies) error
	GetDependencyKeys(ctx context.Context, runID int64, taskID int) (task.Dependencies, error)

	// Status and results.
	GetTaskStatus(ctx context.Context, runID int64, taskID int) (task.Status, error)
	SetTaskStatus(ctx context.Context, runID int64, taskID int, status task.Status) error
	InsertTaskResult(ctx context.Context, runID int64, result task.Result) error
	GetTaskResult(ctx context.Context, runID int64, taskID int) (task.Result, bool, error)
	GetAttemptByTaskID(ctx context.Context, runID int64, taskID int, isDynamic bool) (int, error)

	// Logs, keyed by (run, task, attempt).
	AppendLog(ctx context.Context, runID int64, taskID, attempt int, line string) error
	GetLog(ctx context.Context, runID int64, taskID, attempt int) (string, error)

	// Priority queue and temp (in-flight) set. Process-wide, not per-run.
	EnqueueTask(ctx context.Context, qt task.QueuedTask) error
	PopPriorityQueue(ctx context.Context) (task.TempQueuedTask, bool, error)
	RemoveFromTempQueue(ctx context.Context, tqt task.TempQueuedTask) error
	ListTempQueue(ctx context.Context) ([]task.TempQueuedTask, error)

	// Per-pipeline scheduling metadata.
	GetNextRun(ctx context.Context, pipelineName string) (*time.Time, error)
	SetNextRun(ctx context.Context, pipelineName string, t *time.Time) error
	IsScheduledDateRecorded(ctx context.Context, pipelineName string, d time.Time) (bool, error)
	RecordScheduledDate(ctx context.Context, pipelineName string, d time.Time) error
}

// Pipeline is the authoring-side artifact a Backend persists: default tasks
// and edges plus the options that govern scheduling, catchup and retries.
type Pipeline struct {
	Name         string        `json:"name"`
	Path         string        `json:"path"`
	DefaultTasks []task.Task   `json:"default_tasks"`
	DefaultEdges []task.Edge   `json:"default_edges"`
	Options      Options       `json:"options"`
}

// Options mirrors spec.md §6's PipelineOptions.
type Options struct {
	Schedule      string            `json:"schedule,omitempty"`
	EndDate       *time.Time        `json:"end_date,omitempty"`
	MaxAttempts   int               `json:"max_attempts"`
	RetryDelay    time.Duration     `json:"retry_delay"`
	Timeout       *time.Duration    `json:"timeout,omitempty"`
	CatchupDate   *time.Time        `json:"catchup_date,omitempty"`
	ShouldCatchup bool              `json:"should_catchup"`
	Timezone      string            `json:"timezone,omitempty"`
	EventType     string            `json:"event_type,omitempty"`
	EventFilter   map[string]string `json:"event_filter,omitempty"`
}

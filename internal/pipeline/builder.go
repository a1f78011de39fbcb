// Package pipeline provides the authoring API that replaces the source's
// global authoring state (spec section 9's design note): a Builder value
// accumulates tasks and edges and yields an immutable Pipeline, with no
// package-level registry anywhere in the process.
package pipeline

import (
	"fmt"

	"github.com/swarmguard/pipelinetool/internal/backend"
	"github.com/swarmguard/pipelinetool/internal/engine"
	"github.com/swarmguard/pipelinetool/internal/task"
)

// TaskHandle identifies a task added to a Builder, used to wire edges
// without the caller tracking raw integer ids.
type TaskHandle int

// Builder accumulates a pipeline's default tasks and edges.
type Builder struct {
	name    string
	path    string
	options backend.Options
	tasks   []task.Task
	edges   []task.Edge
}

// NewBuilder starts a pipeline named name, defined at path (an opaque
// authoring-source locator, e.g. a file path or URL).
func NewBuilder(name, path string, options backend.Options) *Builder {
	return &Builder{name: name, path: path, options: options}
}

// AddTask appends a new default task and returns a handle for wiring
// edges and for referencing this task's results from a later task's
// template args.
func (b *Builder) AddTask(name, function string, templateArgs any, opts task.Options) TaskHandle {
	id := len(b.tasks)
	b.tasks = append(b.tasks, task.Task{
		ID:           id,
		Name:         name,
		Function:     function,
		TemplateArgs: templateArgs,
		Options:      opts,
	})
	return TaskHandle(id)
}

// AddBranchTask appends a branching task together with its left and right
// children, honoring the branch-placement convention (spec section 9)
// that a branch task's children occupy the next two task ids.
func (b *Builder) AddBranchTask(name, function string, templateArgs any, opts task.Options, leftName, leftFunction string, rightName, rightFunction string) (branch, left, right TaskHandle) {
	branch = b.AddTask(name, function, templateArgs, opts)
	b.tasks[branch].IsBranch = true
	left = b.AddTask(leftName, leftFunction, nil, task.DefaultOptions())
	right = b.AddTask(rightName, rightFunction, nil, task.DefaultOptions())
	b.AddEdge(branch, left)
	b.AddEdge(branch, right)
	return branch, left, right
}

// AddEdge records a dependency from upstream to downstream. Reference
// placeholders embedded in a task's TemplateArgs are discovered separately
// by the engine's dependency extractor once the pipeline is enqueued into
// a run; AddEdge only records the ordering constraint.
func (b *Builder) AddEdge(upstream, downstream TaskHandle) {
	b.edges = append(b.edges, task.Edge{Upstream: int(upstream), Downstream: int(downstream)})
}

// Build validates the accumulated graph for cycles and returns the
// finished Pipeline.
func (b *Builder) Build() (backend.Pipeline, error) {
	if path, found := engine.DetectCycle(b.tasks, b.edges); found {
		return backend.Pipeline{}, fmt.Errorf("%w: %v", engine.ErrCycle, path)
	}
	tasks := make([]task.Task, len(b.tasks))
	copy(tasks, b.tasks)
	edges := make([]task.Edge, len(b.edges))
	copy(edges, b.edges)
	return backend.Pipeline{
		Name:         b.name,
		Path:         b.path,
		DefaultTasks: tasks,
		DefaultEdges: edges,
		Options:      b.options,
	}, nil
}

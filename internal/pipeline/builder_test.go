package pipeline

import (
	"testing"

	"github.com/swarmguard/pipelinetool/internal/backend"
	"github.com/swarmguard/pipelinetool/internal/task"
)

func TestBuilderChain(t *testing.T) {
	b := NewBuilder("chain", "chains/basic.go", backend.Options{MaxAttempts: 1})
	a := b.AddTask("A", "incr", map[string]any{"n": 0}, task.DefaultOptions())
	bb := b.AddTask("B", "incr", map[string]any{"upstream_task_id": int(a)}, task.DefaultOptions())
	b.AddEdge(a, bb)

	p, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(p.DefaultTasks) != 2 || len(p.DefaultEdges) != 1 {
		t.Fatalf("unexpected pipeline shape: %+v", p)
	}
}

func TestBuilderRejectsCycle(t *testing.T) {
	b := NewBuilder("cyclic", "", backend.Options{})
	a := b.AddTask("A", "f", nil, task.DefaultOptions())
	bb := b.AddTask("B", "f", nil, task.DefaultOptions())
	b.AddEdge(a, bb)
	b.AddEdge(bb, a)

	if _, err := b.Build(); err == nil {
		t.Fatalf("want cycle error, got nil")
	}
}

func TestAddBranchTaskPlacesChildrenAdjacently(t *testing.T) {
	b := NewBuilder("branching", "", backend.Options{})
	branch, left, right := b.AddBranchTask("B", "branch", nil, task.DefaultOptions(), "left", "noop", "right", "noop")
	if int(left) != int(branch)+1 || int(right) != int(branch)+2 {
		t.Fatalf("branch children not adjacent: branch=%d left=%d right=%d", branch, left, right)
	}
}

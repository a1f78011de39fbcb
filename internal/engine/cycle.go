package engine

import "github.com/swarmguard/pipelinetool/internal/task"

// DetectCycle walks the graph by DFS from every task, returning the
// offending path if any ancestor reappears on the current recursion stack
// (spec section 4.4.6). Run before the first dispatch of a pipeline.
func DetectCycle(tasks []task.Task, edges []task.Edge) (path []int, found bool) {
	adj := make(map[int][]int, len(tasks))
	for _, e := range edges {
		adj[e.Upstream] = append(adj[e.Upstream], e.Downstream)
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[int]int, len(tasks))
	var stack []int

	var visit func(id int) ([]int, bool)
	visit = func(id int) ([]int, bool) {
		color[id] = gray
		stack = append(stack, id)
		for _, next := range adj[id] {
			switch color[next] {
			case gray:
				// next is an ancestor: extract the cycle from the stack.
				for i, s := range stack {
					if s == next {
						cyc := append(append([]int{}, stack[i:]...), next)
						return cyc, true
					}
				}
				return []int{next}, true
			case white:
				if p, ok := visit(next); ok {
					return p, true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil, false
	}

	for _, t := range tasks {
		if color[t.ID] == white {
			if p, ok := visit(t.ID); ok {
				return p, true
			}
		}
	}
	return nil, false
}

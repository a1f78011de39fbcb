package engine

import (
	"context"
	"fmt"

	"github.com/swarmguard/pipelinetool/internal/backend"
)

// ComputeDepth returns taskID's depth — the longest path from a root —
// computing and caching it via the Backend's depth memo if not already
// cached. A Backend reports an uncached depth as -1.
func ComputeDepth(ctx context.Context, b backend.Backend, runID int64, taskID int) (int, error) {
	cached, err := b.GetTaskDepth(ctx, runID, taskID)
	if err != nil {
		return 0, fmt.Errorf("get cached depth of %d: %w", taskID, err)
	}
	if cached >= 0 {
		return cached, nil
	}

	upstream, err := b.GetUpstream(ctx, runID, taskID)
	if err != nil {
		return 0, fmt.Errorf("get upstream of %d: %w", taskID, err)
	}
	depth := 0
	for _, u := range upstream {
		ud, err := ComputeDepth(ctx, b, runID, u)
		if err != nil {
			return 0, err
		}
		if ud+1 > depth {
			depth = ud + 1
		}
	}
	if err := b.SetTaskDepth(ctx, runID, taskID, depth); err != nil {
		return 0, fmt.Errorf("cache depth of %d: %w", taskID, err)
	}
	return depth, nil
}

package engine

import (
	"context"
	"fmt"

	"github.com/swarmguard/pipelinetool/internal/backend"
	"github.com/swarmguard/pipelinetool/internal/task"
)

// TriggerRulesSatisfied evaluates whether taskID's trigger rule fires given
// the current statuses of its upstreams (spec section 4.4.5). The table
// there is treated as the literal ground truth: the reference Rust source's
// AllSuccess arm reads inverted relative to its own documentation and is
// not reproduced here.
func TriggerRulesSatisfied(ctx context.Context, b backend.Backend, runID int64, taskID int) (bool, error) {
	t, ok, err := b.GetTaskByID(ctx, runID, taskID)
	if err != nil {
		return false, fmt.Errorf("load task %d: %w", taskID, err)
	}
	if !ok {
		return false, fmt.Errorf("task %d not found", taskID)
	}

	upstream, err := b.GetUpstream(ctx, runID, taskID)
	if err != nil {
		return false, fmt.Errorf("load upstream of %d: %w", taskID, err)
	}
	deps, err := b.GetDependencyKeys(ctx, runID, taskID)
	if err != nil {
		return false, fmt.Errorf("load dependencies of %d: %w", taskID, err)
	}
	required := make(map[int]struct{})
	for _, id := range deps.UpstreamIDs() {
		required[id] = struct{}{}
	}

	statusOf := make(map[int]task.Status, len(upstream))
	for _, u := range upstream {
		st, err := b.GetTaskStatus(ctx, runID, u)
		if err != nil {
			return false, fmt.Errorf("load status of %d: %w", u, err)
		}
		statusOf[u] = st
	}

	// Resolution would fail unless every required upstream is done, so no
	// trigger rule can fire before that holds.
	for id := range required {
		if !statusOf[id].IsDone() {
			return false, nil
		}
	}

	switch t.Options.TriggerRule {
	case task.AllSuccess:
		for _, u := range upstream {
			if statusOf[u] != task.Success {
				return false, nil
			}
		}
		return true, nil

	case task.AllFailed:
		for _, u := range upstream {
			if statusOf[u] != task.Failure {
				return false, nil
			}
		}
		return true, nil

	case task.AnySuccess:
		for _, u := range upstream {
			if statusOf[u] == task.Success {
				return true, nil
			}
		}
		return false, nil

	case task.AnyFailed:
		for _, u := range upstream {
			if statusOf[u] == task.Failure {
				return true, nil
			}
		}
		return false, nil

	case task.AnyDone:
		if len(required) > 0 {
			return true, nil
		}
		for _, u := range upstream {
			if statusOf[u].IsDone() {
				return true, nil
			}
		}
		return false, nil

	case task.AllDone, "":
		for _, u := range upstream {
			if !statusOf[u].IsDone() {
				return false, nil
			}
		}
		return true, nil

	default:
		return false, fmt.Errorf("unknown trigger rule %q", t.Options.TriggerRule)
	}
}

package engine

import (
	"context"
	"fmt"

	"github.com/swarmguard/pipelinetool/internal/backend"
	"github.com/swarmguard/pipelinetool/internal/task"
)

// UpdateReferencedDependencies scans downstreamID's template args for
// upstream-reference placeholders of the shape {upstream_task_id, key?} and
// registers, for each one found, a dependency entry plus an edge from the
// referenced upstream into downstreamID (spec section 4.3). It fully
// recomputes the dependency set from the task's current template args, so
// calling it again after lazy-expand retargets a reference keeps the
// dependency set consistent with the rewritten args.
func UpdateReferencedDependencies(ctx context.Context, b backend.Backend, runID int64, downstreamID int) error {
	args, err := b.GetTemplateArgs(ctx, runID, downstreamID)
	if err != nil {
		return fmt.Errorf("load template args for task %d: %w", downstreamID, err)
	}

	deps := task.Dependencies{}
	switch v := args.(type) {
	case []any:
		// List case: every reference found inside a list element is
		// registered with field_key = "".
		for _, elem := range v {
			m, ok := elem.(map[string]any)
			if !ok {
				continue
			}
			uidRaw, present := m[refUpstreamIDKey]
			if !present {
				continue
			}
			uid := toInt(uidRaw)
			subkey, _ := m[refKeyKey].(string)
			deps[task.DependencyKey{UpstreamID: uid, FieldKey: ""}] = subkey
		}

	case map[string]any:
		if uidRaw, present := v[refUpstreamIDKey]; present {
			// Object, top-level reference: the entire args value is
			// replaced, so field_key = "".
			uid := toInt(uidRaw)
			subkey, _ := v[refKeyKey].(string)
			deps[task.DependencyKey{UpstreamID: uid, FieldKey: ""}] = subkey
		} else {
			// Object, nested reference under field k: field_key = k.
			for k, val := range v {
				nested, ok := val.(map[string]any)
				if !ok {
					continue
				}
				uidRaw, present := nested[refUpstreamIDKey]
				if !present {
					continue
				}
				uid := toInt(uidRaw)
				subkey, _ := nested[refKeyKey].(string)
				deps[task.DependencyKey{UpstreamID: uid, FieldKey: k}] = subkey
			}
		}
	}

	if err := b.SetDependencyKeys(ctx, runID, downstreamID, deps); err != nil {
		return fmt.Errorf("store dependency keys for task %d: %w", downstreamID, err)
	}
	for uid := range uniqueUpstreamIDs(deps) {
		if err := b.InsertEdge(ctx, runID, task.Edge{Upstream: uid, Downstream: downstreamID}); err != nil {
			return fmt.Errorf("insert edge %d->%d: %w", uid, downstreamID, err)
		}
	}
	return nil
}

func uniqueUpstreamIDs(deps task.Dependencies) map[int]struct{} {
	set := make(map[int]struct{}, len(deps))
	for k := range deps {
		set[k.UpstreamID] = struct{}{}
	}
	return set
}

// Package engine implements the execution engine (the reference design's
// "BlanketBackend"): argument resolution, the dependency-reference
// extractor, cycle detection, trigger-rule evaluation, and the task
// lifecycle state machine (enqueue_run / work / run_task /
// handle_task_result).
package engine

import (
	"context"
	"fmt"

	"github.com/swarmguard/pipelinetool/internal/backend"
	"github.com/swarmguard/pipelinetool/internal/task"
)

// Reference object field names used by both the resolver and the extractor
// to recognize an upstream-reference placeholder embedded in template args.
const (
	refUpstreamIDKey = "upstream_task_id"
	refKeyKey        = "key"
)

// ResolveArgs substitutes upstream-reference placeholders in templateArgs
// with concrete upstream results, per the Argument Resolver design
// (spec section 4.2). deps is the downstream task's registered dependency
// set, as built by UpdateReferencedDependencies.
func ResolveArgs(ctx context.Context, b backend.Backend, runID int64, templateArgs any, deps task.Dependencies) (any, error) {
	results := make(map[int]task.Result, len(deps))
	for _, uid := range deps.UpstreamIDs() {
		res, ok, err := b.GetTaskResult(ctx, runID, uid)
		if err != nil {
			return nil, fmt.Errorf("fetch upstream %d result: %w", uid, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: task %d", ErrUpstreamNotDone, uid)
		}
		if !res.Success {
			return nil, fmt.Errorf("%w: task %d", ErrUpstreamFailed, uid)
		}
		results[uid] = res
	}

	resolvedFor := func(uid int, subkey string) (any, error) {
		res := results[uid]
		if subkey == "" {
			return res.Result, nil
		}
		m, ok := res.Result.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: task %d", ErrNotAMap, uid)
		}
		v, present := m[subkey]
		if !present {
			return nil, fmt.Errorf("%w: task %d key %q", ErrMissingKey, uid, subkey)
		}
		return v, nil
	}

	// Validate every registered (upstream, subkey) pair up front, so a
	// shape mismatch fails resolution even for a field never reached below.
	for key, subkey := range deps {
		if _, err := resolvedFor(key.UpstreamID, subkey); err != nil {
			return nil, err
		}
	}

	switch v := templateArgs.(type) {
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			m, isMap := elem.(map[string]any)
			if !isMap {
				out[i] = elem
				continue
			}
			uidRaw, present := m[refUpstreamIDKey]
			if !present {
				out[i] = elem
				continue
			}
			uid := toInt(uidRaw)
			subkey, _ := m[refKeyKey].(string)
			resolved, err := resolvedFor(uid, subkey)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil

	case map[string]any:
		// A whole-object replace: the entire templateArgs is a reference.
		// UpdateReferencedDependencies registers this as field_key "".
		for key, subkey := range deps {
			if key.FieldKey == "" {
				return resolvedFor(key.UpstreamID, subkey)
			}
		}
		resolved := make(map[string]any, len(v))
		for k, val := range v {
			resolved[k] = val
		}
		for key, subkey := range deps {
			r, err := resolvedFor(key.UpstreamID, subkey)
			if err != nil {
				return nil, err
			}
			resolved[key.FieldKey] = r
		}
		return resolved, nil

	default:
		return templateArgs, nil
	}
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

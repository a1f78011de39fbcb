package engine

import "errors"

// Error kinds per spec section 7. ResolutionError failures (UpstreamNotDone,
// UpstreamFailed, MissingKey, NotAMap) become premature_failure results and
// never consume a retry attempt. CycleError has its own sentinel, ErrCycle.
// Execution failures are expressed as unsuccessful task.Results, and store
// and configuration failures are returned as wrapped errors without a
// sentinel of their own.
var (
	ErrUpstreamNotDone = errors.New("upstream task is not done")
	ErrUpstreamFailed  = errors.New("upstream task did not succeed")
	ErrMissingKey      = errors.New("upstream result missing requested key")
	ErrNotAMap         = errors.New("upstream result is not a map")
	ErrCycle           = errors.New("pipeline contains a cycle")
)

// IsResolutionError reports whether err originates from argument resolution
// (as opposed to a StoreError bubbling through the same call chain).
func IsResolutionError(err error) bool {
	return errors.Is(err, ErrUpstreamNotDone) ||
		errors.Is(err, ErrUpstreamFailed) ||
		errors.Is(err, ErrMissingKey) ||
		errors.Is(err, ErrNotAMap)
}

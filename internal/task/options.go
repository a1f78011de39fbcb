package task

import "time"

// TriggerRule gates whether a downstream task is eligible to run based on
// the terminal statuses of its upstreams. AllDone is the default.
type TriggerRule string

const (
	AllSuccess TriggerRule = "all_success"
	AnySuccess TriggerRule = "any_success"
	AllDone    TriggerRule = "all_done"
	AnyDone    TriggerRule = "any_done"
	AnyFailed  TriggerRule = "any_failed"
	AllFailed  TriggerRule = "all_failed"
)

// Options are per-task execution settings, inherited by dynamic children
// materialized via lazy-expand.
type Options struct {
	MaxAttempts int           `json:"max_attempts"`
	RetryDelay  time.Duration `json:"retry_delay"`
	Timeout     *time.Duration `json:"timeout,omitempty"`
	IsSensor    bool          `json:"is_sensor"`
	TriggerRule TriggerRule   `json:"trigger_rule"`
}

// DefaultOptions mirrors the reference implementation's defaults:
// one attempt, no timeout, not a sensor, AllDone trigger rule.
func DefaultOptions() Options {
	return Options{
		MaxAttempts: 1,
		TriggerRule: AllDone,
	}
}

package task

import "time"

// Result records the outcome of one task attempt. Success and Failure
// statuses of the owning task correspond 1:1 with Result.Success; premature
// failures (resolution or reaper-induced) never consume a retry attempt
// unless the task is itself executing and times out mid-run.
type Result struct {
	TaskID                   int        `json:"task_id"`
	Result                   any        `json:"result"`
	Attempt                  int        `json:"attempt"`
	MaxAttempts              int        `json:"max_attempts"`
	Name                     string     `json:"name"`
	Function                 string     `json:"function"`
	Success                  bool       `json:"success"`
	ResolvedArgsStr          string     `json:"resolved_args_str"`
	Started                  *time.Time `json:"started,omitempty"`
	Ended                    *time.Time `json:"ended,omitempty"`
	Elapsed                  time.Duration `json:"elapsed"`
	PrematureFailure         bool       `json:"premature_failure"`
	PrematureFailureErrorStr string     `json:"premature_failure_error_str,omitempty"`
	IsBranch                 bool       `json:"is_branch"`
	IsSensor                 bool       `json:"is_sensor"`
	ExitCode                 *int       `json:"exit_code,omitempty"`
}

// NeedsRetry reports whether this result should move the task back to
// RetryPending instead of a terminal status: the failure is not a
// resolution-time premature failure, the task did not succeed, and either
// it is a sensor (retries indefinitely) or attempts remain.
func (r Result) NeedsRetry() bool {
	if r.PrematureFailure || r.Success {
		return false
	}
	return r.IsSensor || r.Attempt < r.MaxAttempts
}

// PrematureError builds a synthetic failed Result for resolution errors
// and reaper-induced timeouts, neither of which run the task's function.
func PrematureError(taskID, attempt, maxAttempts int, name, function, errStr string, isBranch, isSensor bool) Result {
	return Result{
		TaskID:                   taskID,
		Attempt:                  attempt,
		MaxAttempts:              maxAttempts,
		Name:                     name,
		Function:                 function,
		Success:                  false,
		PrematureFailure:         true,
		PrematureFailureErrorStr: errStr,
		IsBranch:                 isBranch,
		IsSensor:                 isSensor,
	}
}

// branchTag names the two object keys a branching task's result may carry.
const (
	branchLeft  = "Left"
	branchRight = "Right"
)

// UnpackBranch inspects a branch task's raw result for the {"Left": v} or
// {"Right": v} tagging convention. ok is false if result is not a branch
// envelope, in which case result is returned unchanged by the caller.
func UnpackBranch(result any) (inner any, isLeft bool, ok bool) {
	m, isMap := result.(map[string]any)
	if !isMap {
		return nil, false, false
	}
	if v, present := m[branchLeft]; present && len(m) == 1 {
		return v, true, true
	}
	if v, present := m[branchRight]; present && len(m) == 1 {
		return v, false, true
	}
	return nil, false, false
}

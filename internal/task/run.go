package task

import "time"

// Run identifies one execution of a pipeline. ScheduledDateForRun is the
// logical time used for catchup comparisons, not the wall-clock time the
// run actually started.
type Run struct {
	RunID               int64     `json:"run_id"`
	PipelineName        string    `json:"pipeline_name"`
	ScheduledDateForRun time.Time `json:"scheduled_date_for_run"`
}

// QueuedTask is a priority-queue entry: one task ready for dispatch within
// a run, at a given attempt.
type QueuedTask struct {
	TaskID              int       `json:"task_id"`
	RunID               int64     `json:"run_id"`
	PipelineName        string    `json:"pipeline_name"`
	ScheduledDateForRun time.Time `json:"scheduled_date_for_run"`
	Attempt             int       `json:"attempt"`
	IsDynamic           bool      `json:"is_dynamic"`
}

// TempQueuedTask is the in-flight record created when a QueuedTask is
// popped, used by the timeout reaper to detect tasks stuck past their
// options.Timeout.
type TempQueuedTask struct {
	PoppedDate time.Time  `json:"popped_date"`
	QueuedTask QueuedTask `json:"queued_task"`
}

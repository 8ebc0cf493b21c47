// Package jobrun holds the Temporal workflow/activity pair that drives one
// job's pipeline through to completion: a long-lived workflow per job,
// ticking an activity that wraps a single orchestrator.Engine.Tick call.
package jobrun

import "time"

const (
	WorkflowName = "pipeline_run"
	ActivityTick = "pipeline_tick"
	SignalResume = "checkpoint_resume"
)

// TickResult is what the activity reports back to the workflow after one
// Engine.Tick call, enough for the workflow to decide whether to keep
// ticking, sleep until WaitUntil, wait for a checkpoint signal, or exit.
type TickResult struct {
	JobID     string     `json:"job_id"`
	Status    string     `json:"status"`
	Stage     string     `json:"stage,omitempty"`
	Progress  int        `json:"progress,omitempty"`
	Message   string     `json:"message,omitempty"`
	WaitUntil *time.Time `json:"wait_until,omitempty"`
}

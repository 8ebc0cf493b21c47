package jobrun

import (
	"fmt"
	"strings"
	"time"

	"go.temporal.io/sdk/workflow"
)

const (
	defaultPollInterval      = 2 * time.Second
	waitingCheckpointMaxWait = 2 * time.Minute
	continueAsNewTickLimit   = 2000
	continueAsNewHistoryCap  = 15000
)

// Workflow is one job's durable tick loop: it executes ActivityTick
// repeatedly, using the workflow execution ID as the job ID, until the
// underlying job reaches a terminal status. Each tick is exactly one
// orchestrator.Engine.Tick call, so a Temporal-driven job advances through
// the same plan/storyboard/chunks/refine phase sequence, with the same
// checkpoint gate, as one driven by the DB-poll worker.
func Workflow(ctx workflow.Context) error {
	jobID := strings.TrimSpace(workflow.GetInfo(ctx).WorkflowExecution.ID)
	if jobID == "" {
		return fmt.Errorf("jobrun: workflow execution id must be the job id")
	}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 24 * time.Hour,
		HeartbeatTimeout:    30 * time.Second,
	})

	resumeCh := workflow.GetSignalChannel(ctx, SignalResume)
	ticks := 0

	for {
		ticks++
		var out TickResult
		if err := workflow.ExecuteActivity(ctx, ActivityTick, jobID).Get(ctx, &out); err != nil {
			return err
		}

		switch out.Status {
		case "succeeded", "canceled":
			return nil
		case "failed":
			return fmt.Errorf("job failed (stage=%s): %s", out.Stage, out.Message)
		case "waiting_checkpoint":
			// A checkpoint approval (jobsvc.Approve) requeues the job so the
			// next tick picks it up regardless; SignalResume is an optional
			// fast path for callers wired to send it, not a requirement.
			waitForResumeOrTimeout(ctx, resumeCh, waitingCheckpointMaxWait)
		default:
			if d := nextWait(ctx, out.WaitUntil, defaultPollInterval); d > 0 {
				if err := workflow.Sleep(ctx, d); err != nil {
					return err
				}
			}
		}

		if shouldContinueAsNew(ctx, ticks) {
			return workflow.NewContinueAsNewError(ctx, Workflow)
		}
	}
}

func waitForResumeOrTimeout(ctx workflow.Context, ch workflow.ReceiveChannel, maxWait time.Duration) {
	timer := workflow.NewTimer(ctx, maxWait)
	sel := workflow.NewSelector(ctx)
	sel.AddReceive(ch, func(c workflow.ReceiveChannel, more bool) {
		var v any
		c.Receive(ctx, &v)
	})
	sel.AddFuture(timer, func(workflow.Future) {})
	sel.Select(ctx)
}

func nextWait(ctx workflow.Context, waitUntil *time.Time, def time.Duration) time.Duration {
	if waitUntil == nil || waitUntil.IsZero() {
		return def
	}
	now := workflow.Now(ctx)
	d := waitUntil.Sub(now)
	if d <= 0 {
		return def
	}
	if d > 15*time.Minute {
		return 15 * time.Minute
	}
	return d
}

func shouldContinueAsNew(ctx workflow.Context, ticks int) bool {
	if ticks >= continueAsNewTickLimit {
		return true
	}
	info := workflow.GetInfo(ctx)
	return info != nil && info.GetCurrentHistoryLength() >= continueAsNewHistoryCap
}

package jobrun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"go.temporal.io/sdk/activity"

	"github.com/kenji11/adforge/internal/blob"
	"github.com/kenji11/adforge/internal/capability"
	"github.com/kenji11/adforge/internal/data/checkpointrepo"
	"github.com/kenji11/adforge/internal/data/jobrepo"
	"github.com/kenji11/adforge/internal/domain"
	"github.com/kenji11/adforge/internal/media"
	"github.com/kenji11/adforge/internal/orchestrator"
	"github.com/kenji11/adforge/internal/platform/dbctx"
	"github.com/kenji11/adforge/internal/platform/logger"
	"github.com/kenji11/adforge/internal/progress"
)

// Activities bundles everything ActivityTick needs to build a RunContext
// and call the shared Engine, the same dependency set jobqueue.Worker
// carries — deliberately so, since both drivers are meant to call into
// identical orchestration logic.
type Activities struct {
	Log      *logger.Logger
	Jobs     jobrepo.Repo
	Ckpts    checkpointrepo.Repo
	Blobs    blob.Store
	Media    *media.Processor
	Progress *progress.Channel
	Engine   *orchestrator.Engine

	Planner capability.Adapter
	Image   capability.Adapter
	Video   capability.Adapter
	Music   capability.Adapter

	StoryboardConcurrency int
	ChunkGroupConcurrency int
}

// Tick loads the job, and — unless it has already reached a terminal
// status — runs exactly one Engine.Tick call against it, mirroring
// jobqueue.Worker.handle's RunContext construction and panic recovery. The
// engine mutates the *domain.Job in place via the Progress channel, so the
// result reported back to the workflow is read straight off that same job
// value with no separate reload.
func (a *Activities) Tick(ctx context.Context, jobID string) (TickResult, error) {
	res := TickResult{JobID: strings.TrimSpace(jobID)}

	id, err := uuid.Parse(res.JobID)
	if err != nil {
		return res, fmt.Errorf("jobrun: invalid job_id %q", jobID)
	}

	rows, err := a.Jobs.GetByIDs(dbctx.Context{Ctx: ctx}, []uuid.UUID{id})
	if err != nil {
		return res, fmt.Errorf("jobrun: load job: %w", err)
	}
	if len(rows) == 0 || rows[0] == nil {
		return res, fmt.Errorf("jobrun: job %s not found", jobID)
	}
	job := rows[0]

	if isTerminal(job.Status) {
		return resultFromJob(job), nil
	}
	if job.CurrentBranchID == nil {
		_ = a.Progress.Fail(ctx, job, job.Stage, errNoCurrentBranch)
		return resultFromJob(job), nil
	}

	stopHB := a.startHeartbeat(ctx, id)
	defer stopHB()

	rc := &orchestrator.RunContext{
		Ctx:                   ctx,
		Job:                   job,
		BranchID:              *job.CurrentBranchID,
		Progress:              a.Progress,
		Log:                   a.Log,
		Checkpoints:           a.Ckpts,
		Blob:                  a.Blobs,
		Media:                 a.Media,
		Planner:               a.Planner,
		Image:                 a.Image,
		Video:                 a.Video,
		Music:                 a.Music,
		StoryboardConcurrency: a.StoryboardConcurrency,
		ChunkGroupConcurrency: a.ChunkGroupConcurrency,
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				if a.Log != nil {
					a.Log.Error("pipeline tick panic", "job_id", id, "panic", r)
				}
				_ = a.Progress.Fail(ctx, job, job.Stage, fmt.Errorf("panic: unexpected error"))
			}
		}()
		if err := a.Engine.Tick(rc); err != nil && a.Log != nil {
			a.Log.Error("engine tick returned error", "job_id", id, "error", err)
		}
	}()

	return resultFromJob(job), nil
}

var errNoCurrentBranch = errors.New("jobrun: job has no current_branch_id")

func isTerminal(status domain.JobStatus) bool {
	switch status {
	case domain.JobStatusSucceeded, domain.JobStatusFailed, domain.JobStatusCanceled:
		return true
	default:
		return false
	}
}

func resultFromJob(job *domain.Job) TickResult {
	return TickResult{
		JobID:     job.ID.String(),
		Status:    string(job.Status),
		Stage:     job.Stage,
		Progress:  job.Progress,
		Message:   job.Message,
		WaitUntil: extractWaitUntil(job.Result),
	}
}

// extractWaitUntil reads the orchestrator's own wait_until field straight
// out of Job.Result, the same column Engine.saveState writes, so the
// workflow's sleep timing never drifts from the engine's own retry/yield
// schedule.
func extractWaitUntil(raw []byte) *time.Time {
	if len(raw) == 0 || strings.TrimSpace(string(raw)) == "null" {
		return nil
	}
	var state struct {
		WaitUntil *time.Time `json:"wait_until"`
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil
	}
	return state.WaitUntil
}

func (a *Activities) startHeartbeat(ctx context.Context, jobID uuid.UUID) func() {
	done := make(chan struct{})
	go func() {
		temporalHB := time.NewTicker(10 * time.Second)
		defer temporalHB.Stop()
		dbHB := time.NewTicker(30 * time.Second)
		defer dbHB.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-temporalHB.C:
				activity.RecordHeartbeat(ctx)
			case <-dbHB.C:
				if a.Jobs != nil {
					_ = a.Jobs.Heartbeat(dbctx.Context{Ctx: ctx}, jobID)
				}
			}
		}
	}()
	return func() { close(done) }
}

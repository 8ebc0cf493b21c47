// Package jobsvc is the use-case layer the HTTP API calls into: creating
// jobs, approving/editing checkpoints with branch-forking semantics, and
// deleting a job's rows and blobs. It owns no transport concerns (that's
// internal/httpapi) and no stage logic (that's internal/stage/*) —
// grounded on the teacher's internal/services layer sitting between
// handlers and repos.
package jobsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/kenji11/adforge/internal/blob"
	"github.com/kenji11/adforge/internal/cache"
	"github.com/kenji11/adforge/internal/data/checkpointrepo"
	"github.com/kenji11/adforge/internal/data/jobrepo"
	"github.com/kenji11/adforge/internal/domain"
	"github.com/kenji11/adforge/internal/platform/dbctx"
	"github.com/kenji11/adforge/internal/platform/logger"
)

type CreateRequest struct {
	OwnerUserID     uuid.UUID
	Prompt          string
	Title           string
	VideoModel      string
	ReferenceAssets []string
	AutoContinue    bool
	DurationSeconds int
}

type ContinueResult struct {
	NextPhase       string
	BranchLabel     string
	CreatedNewBranch bool
}

type Service struct {
	log     *logger.Logger
	jobs    jobrepo.Repo
	ckpts   checkpointrepo.Repo
	blobs   blob.Store
	cache   cache.Cache
}

func New(log *logger.Logger, jobs jobrepo.Repo, ckpts checkpointrepo.Repo, blobs blob.Store, c cache.Cache) *Service {
	return &Service{log: log.With("component", "JobService"), jobs: jobs, ckpts: ckpts, blobs: blobs, cache: c}
}

// Create inserts a job on its root branch in the queued state, ready for
// a worker to claim.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*domain.Job, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("%w: prompt is required", domain.ErrValidation)
	}
	duration := req.DurationSeconds
	if duration == 0 {
		duration = 15
	}
	if !domain.AllowedDurations[duration] {
		return nil, fmt.Errorf("%w: duration_seconds %d not in allowed set", domain.ErrValidation, duration)
	}

	payload, err := json.Marshal(domain.JobPayload{DurationSeconds: duration, FrameWidth: 1080, FrameHeight: 1920})
	if err != nil {
		return nil, fmt.Errorf("jobsvc: marshal payload: %w", err)
	}

	job := &domain.Job{
		ID:           uuid.New(),
		OwnerUserID:  req.OwnerUserID,
		Title:        req.Title,
		Prompt:       req.Prompt,
		VideoModel:   req.VideoModel,
		AutoContinue: req.AutoContinue,
		Status:       domain.JobStatusQueued,
		Payload:      datatypes.JSON(payload),
	}
	if len(req.ReferenceAssets) > 0 {
		raw, err := json.Marshal(req.ReferenceAssets)
		if err == nil {
			job.ReferenceAssets = datatypes.JSON(raw)
		}
	}

	branch := &domain.Branch{ID: uuid.New(), JobID: job.ID, Label: "main", CreatedAt: time.Now().UTC()}

	dbc := dbctx.Context{Ctx: ctx}
	if err := s.jobs.Create(dbc, job); err != nil {
		return nil, fmt.Errorf("jobsvc: create job: %w", err)
	}
	if err := s.ckpts.CreateBranch(dbc, branch); err != nil {
		return nil, fmt.Errorf("jobsvc: create root branch: %w", err)
	}
	job.CurrentBranchID = &branch.ID
	if err := s.jobs.UpdateFields(dbc, job.ID, map[string]any{"current_branch_id": branch.ID}); err != nil {
		return nil, fmt.Errorf("jobsvc: link root branch: %w", err)
	}
	return job, nil
}

// Approve marks a pending checkpoint approved and decides, at this
// continue point, whether the job moves on the same branch or forks a new
// one. spec.md §4.1 forks automatically the first time a phase is
// dispatched from a checkpoint that has been edited (any of its own
// artifacts carries a version > 1) — never at edit time, so an edit made
// and then discarded without ever being approved never creates a branch.
// Manual continuation (when AutoContinue is false) happens purely by the
// next worker Tick observing the approval; this call never runs stage
// work inline.
func (s *Service) Approve(ctx context.Context, jobID, checkpointID uuid.UUID) (ContinueResult, error) {
	dbc := dbctx.Context{Ctx: ctx}
	ckpt, err := s.ckpts.GetByID(dbc, checkpointID)
	if err != nil {
		return ContinueResult{}, fmt.Errorf("%w: checkpoint: %v", domain.ErrNotFound, err)
	}
	if ckpt.JobID != jobID {
		return ContinueResult{}, fmt.Errorf("%w: checkpoint does not belong to job", domain.ErrValidation)
	}
	if ckpt.Status != domain.CheckpointStatusPending {
		return ContinueResult{}, fmt.Errorf("%w: checkpoint is not pending", domain.ErrValidation)
	}

	branch, err := s.ckpts.GetBranch(dbc, ckpt.BranchID)
	if err != nil {
		return ContinueResult{}, fmt.Errorf("jobsvc: load branch: %w", err)
	}

	if err := s.ckpts.Approve(dbc, checkpointID); err != nil {
		return ContinueResult{}, fmt.Errorf("jobsvc: approve checkpoint: %w", err)
	}

	edited, err := s.ckpts.HasBeenEdited(dbc, checkpointID)
	if err != nil {
		return ContinueResult{}, fmt.Errorf("jobsvc: check edit history: %w", err)
	}

	continueBranch := branch
	forked := false
	if edited {
		branches, err := s.ckpts.ListBranchesForJob(dbc, jobID)
		if err != nil {
			return ContinueResult{}, fmt.Errorf("jobsvc: list branches: %w", err)
		}
		newBranch := &domain.Branch{
			ID:                   uuid.New(),
			JobID:                jobID,
			ParentID:             &branch.ID,
			ForkedAtCheckpointID: &checkpointID,
			Label:                nextBranchLabel(branches),
			CreatedAt:            time.Now().UTC(),
		}
		if err := s.ckpts.CreateBranch(dbc, newBranch); err != nil {
			return ContinueResult{}, fmt.Errorf("jobsvc: fork branch: %w", err)
		}
		continueBranch = newBranch
		forked = true
	}

	if err := s.jobs.UpdateFields(dbc, jobID, map[string]any{
		"status":                domain.JobStatusQueued,
		"current_branch_id":     continueBranch.ID,
		"current_checkpoint_id": checkpointID,
		"updated_at":            time.Now().UTC(),
	}); err != nil {
		return ContinueResult{}, fmt.Errorf("jobsvc: requeue job: %w", err)
	}

	return ContinueResult{
		NextPhase:        nextPhaseAfter(ckpt.Phase),
		BranchLabel:      continueBranch.Label,
		CreatedNewBranch: forked,
	}, nil
}

// EditSnapshot mutates a checkpoint's phase output in place, on whatever
// branch it already lives on. It never forks: spec.md §4.1 forks only at
// continue time (see Approve), once the checkpoint being continued has an
// edited artifact. A checkpoint may be edited any number of times, pending
// or approved, without creating a branch until it is actually continued.
func (s *Service) EditSnapshot(ctx context.Context, jobID, checkpointID uuid.UUID, mutate func(datatypes.JSON) (datatypes.JSON, error)) (*domain.Checkpoint, error) {
	dbc := dbctx.Context{Ctx: ctx}
	ckpt, err := s.ckpts.GetByID(dbc, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("%w: checkpoint: %v", domain.ErrNotFound, err)
	}
	if ckpt.JobID != jobID {
		return nil, fmt.Errorf("%w: checkpoint does not belong to job", domain.ErrValidation)
	}
	if ckpt.Status == domain.CheckpointStatusSuperseded {
		return nil, fmt.Errorf("%w: checkpoint is superseded", domain.ErrValidation)
	}

	newSnapshot, err := mutate(ckpt.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	if err := s.ckpts.UpdateSnapshot(dbc, checkpointID, newSnapshot); err != nil {
		return nil, fmt.Errorf("jobsvc: update checkpoint snapshot: %w", err)
	}
	ckpt.Snapshot = newSnapshot
	return ckpt, nil
}

// Delete removes every blob and row belonging to the job.
func (s *Service) Delete(ctx context.Context, jobID uuid.UUID) error {
	dbc := dbctx.Context{Ctx: ctx}
	jobs, err := s.jobs.GetByIDs(dbc, []uuid.UUID{jobID})
	if err != nil || len(jobs) == 0 {
		return fmt.Errorf("%w: job", domain.ErrNotFound)
	}
	job := jobs[0]
	prefix := fmt.Sprintf("%s/videos/%s/", job.OwnerUserID, job.ID)
	if err := s.blobs.DeletePrefix(ctx, prefix); err != nil {
		return fmt.Errorf("%w: delete blobs: %v", domain.ErrStorage, err)
	}
	if err := s.cache.Delete(ctx, cache.JobStatusKey(job.ID.String())); err != nil {
		s.log.Warn("jobsvc: cache delete failed", "job_id", job.ID, "error", err)
	}
	if err := s.ckpts.DeleteForJob(dbc, jobID); err != nil {
		return fmt.Errorf("jobsvc: delete checkpoints/artifacts: %w", err)
	}
	if err := s.jobs.Delete(dbc, jobID); err != nil {
		return fmt.Errorf("jobsvc: delete job: %w", err)
	}
	return nil
}

func nextPhaseAfter(phase string) string {
	switch phase {
	case domain.StagePlan:
		return domain.StageStoryboard
	case domain.StageStoryboard:
		return domain.StageChunks
	case domain.StageChunks:
		return domain.StageRefine
	default:
		return ""
	}
}

func nextBranchLabel(existing []*domain.Branch) string {
	n := len(existing)
	if n == 0 {
		return "main"
	}
	return fmt.Sprintf("main-%d", n)
}

package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kenji11/adforge/internal/blob"
	"github.com/kenji11/adforge/internal/cache"
	"github.com/kenji11/adforge/internal/capability"
	"github.com/kenji11/adforge/internal/data/checkpointrepo"
	"github.com/kenji11/adforge/internal/data/jobrepo"
	"github.com/kenji11/adforge/internal/domain"
	"github.com/kenji11/adforge/internal/jobsvc"
	"github.com/kenji11/adforge/internal/platform/dbctx"
	"github.com/kenji11/adforge/internal/platform/logger"
	"github.com/kenji11/adforge/internal/sse"
	"github.com/kenji11/adforge/internal/stage/chunks"
	"github.com/kenji11/adforge/internal/stage/refine"
	"github.com/kenji11/adforge/internal/stage/storyboard"
)

const signedURLTTL = time.Hour

type JobsHandler struct {
	log   *logger.Logger
	jobs  jobrepo.Repo
	ckpts checkpointrepo.Repo
	blobs blob.Store
	cache cache.Cache
	svc   *jobsvc.Service
	hub   *sse.Hub

	image capability.Adapter
	video capability.Adapter
}

func NewJobsHandler(log *logger.Logger, jobs jobrepo.Repo, ckpts checkpointrepo.Repo, blobs blob.Store, c cache.Cache, svc *jobsvc.Service, hub *sse.Hub, image, video capability.Adapter) *JobsHandler {
	return &JobsHandler{log: log.With("handler", "JobsHandler"), jobs: jobs, ckpts: ckpts, blobs: blobs, cache: c, svc: svc, hub: hub, image: image, video: video}
}

type generateRequest struct {
	Prompt          string   `json:"prompt" binding:"required"`
	Title           string   `json:"title"`
	Model           string   `json:"model"`
	ReferenceAssets []string `json:"reference_assets"`
	AutoContinue    *bool    `json:"auto_continue"`
	DurationSeconds int      `json:"duration_seconds"`
}

// POST /generate
func (h *JobsHandler) Generate(c *gin.Context) {
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, fmt.Errorf("%w: %v", domain.ErrValidation, err))
		return
	}
	owner := ownerFromContext(c)
	autoContinue := true
	if req.AutoContinue != nil {
		autoContinue = *req.AutoContinue
	}
	job, err := h.svc.Create(c.Request.Context(), jobsvc.CreateRequest{
		OwnerUserID:     owner,
		Prompt:          req.Prompt,
		Title:           req.Title,
		VideoModel:      req.Model,
		ReferenceAssets: req.ReferenceAssets,
		AutoContinue:    autoContinue,
		DurationSeconds: req.DurationSeconds,
	})
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"video_id": job.ID, "status": job.Status})
}

// GET /status/:job
func (h *JobsHandler) Status(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("job"))
	if err != nil {
		RespondError(c, fmt.Errorf("%w: invalid job id", domain.ErrValidation))
		return
	}
	envelope, err := h.buildStatusEnvelope(c, jobID)
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, envelope)
}

// GET /status/:job/stream
func (h *JobsHandler) Stream(c *gin.Context) {
	jobID := c.Param("job")
	client := h.hub.NewClient(jobID)
	h.hub.Subscribe(client)
	defer h.hub.CloseClient(client)
	h.hub.ServeHTTP(c.Writer, c.Request, client)
}

// GET /video/:job
func (h *JobsHandler) VideoDetails(c *gin.Context) {
	h.Status(c)
}

// DELETE /video/:job
func (h *JobsHandler) DeleteVideo(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("job"))
	if err != nil {
		RespondError(c, fmt.Errorf("%w: invalid job id", domain.ErrValidation))
		return
	}
	if err := h.svc.Delete(c.Request.Context(), jobID); err != nil {
		RespondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type continueRequest struct {
	CheckpointID uuid.UUID `json:"checkpoint_id" binding:"required"`
}

// POST /video/:job/continue
func (h *JobsHandler) Continue(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("job"))
	if err != nil {
		RespondError(c, fmt.Errorf("%w: invalid job id", domain.ErrValidation))
		return
	}
	var req continueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, fmt.Errorf("%w: %v", domain.ErrValidation, err))
		return
	}
	result, err := h.svc.Approve(c.Request.Context(), jobID, req.CheckpointID)
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, gin.H{
		"next_phase":         result.NextPhase,
		"branch_name":        result.BranchLabel,
		"created_new_branch": result.CreatedNewBranch,
	})
}

// GET /video/:job/checkpoints[?branch=]
func (h *JobsHandler) ListCheckpoints(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("job"))
	if err != nil {
		RespondError(c, fmt.Errorf("%w: invalid job id", domain.ErrValidation))
		return
	}
	branchID, err := h.resolveBranch(c, jobID, c.Query("branch"))
	if err != nil {
		RespondError(c, err)
		return
	}
	rows, err := h.ckpts.ListForBranch(dbctx.Context{Ctx: c.Request.Context()}, jobID, branchID)
	if err != nil {
		RespondError(c, fmt.Errorf("httpapi: list checkpoints: %w", err))
		return
	}
	RespondOK(c, gin.H{"checkpoints": rows, "tree": buildTree(rows)})
}

// GET /video/:job/checkpoints/:cp
func (h *JobsHandler) CheckpointDetail(c *gin.Context) {
	cpID, err := uuid.Parse(c.Param("cp"))
	if err != nil {
		RespondError(c, fmt.Errorf("%w: invalid checkpoint id", domain.ErrValidation))
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	ckpt, err := h.ckpts.GetByID(dbc, cpID)
	if err != nil {
		RespondError(c, fmt.Errorf("%w: checkpoint", domain.ErrNotFound))
		return
	}
	artifacts, err := h.ckpts.ListArtifacts(dbc, cpID)
	if err != nil {
		RespondError(c, fmt.Errorf("httpapi: list artifacts: %w", err))
		return
	}
	RespondOK(c, gin.H{"checkpoint": ckpt, "artifacts": artifacts})
}

// GET /video/:job/checkpoints/current
func (h *JobsHandler) CurrentCheckpoint(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("job"))
	if err != nil {
		RespondError(c, fmt.Errorf("%w: invalid job id", domain.ErrValidation))
		return
	}
	branchID, err := h.resolveBranch(c, jobID, c.Query("branch"))
	if err != nil {
		RespondError(c, err)
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	rows, err := h.ckpts.ListForBranch(dbc, jobID, branchID)
	if err != nil {
		RespondError(c, fmt.Errorf("httpapi: list checkpoints: %w", err))
		return
	}
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].Status == domain.CheckpointStatusPending {
			RespondOK(c, gin.H{"checkpoint": rows[i]})
			return
		}
	}
	RespondOK(c, gin.H{"checkpoint": nil})
}

// GET /video/:job/checkpoints/tree
func (h *JobsHandler) CheckpointTree(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("job"))
	if err != nil {
		RespondError(c, fmt.Errorf("%w: invalid job id", domain.ErrValidation))
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	branches, err := h.ckpts.ListBranchesForJob(dbc, jobID)
	if err != nil {
		RespondError(c, fmt.Errorf("httpapi: list branches: %w", err))
		return
	}
	var all []*domain.Checkpoint
	for _, b := range branches {
		rows, err := h.ckpts.ListForBranch(dbc, jobID, b.ID)
		if err != nil {
			RespondError(c, fmt.Errorf("httpapi: list checkpoints: %w", err))
			return
		}
		all = append(all, rows...)
	}
	RespondOK(c, gin.H{"tree": buildTree(all)})
}

// GET /video/:job/branches
func (h *JobsHandler) ListBranches(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("job"))
	if err != nil {
		RespondError(c, fmt.Errorf("%w: invalid job id", domain.ErrValidation))
		return
	}
	rows, err := h.ckpts.ListBranchesForJob(dbctx.Context{Ctx: c.Request.Context()}, jobID)
	if err != nil {
		RespondError(c, fmt.Errorf("httpapi: list branches: %w", err))
		return
	}
	RespondOK(c, gin.H{"branches": rows})
}

type editSpecRequest struct {
	Beats   []domain.Beat `json:"beats,omitempty"`
	Style   string        `json:"style,omitempty"`
	Product string        `json:"product,omitempty"`
	Audio   string        `json:"audio,omitempty"`
}

// PATCH /video/:job/checkpoints/:cp/spec
func (h *JobsHandler) EditSpec(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("job"))
	if err != nil {
		RespondError(c, fmt.Errorf("%w: invalid job id", domain.ErrValidation))
		return
	}
	cpID, err := uuid.Parse(c.Param("cp"))
	if err != nil {
		RespondError(c, fmt.Errorf("%w: invalid checkpoint id", domain.ErrValidation))
		return
	}
	var req editSpecRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, fmt.Errorf("%w: %v", domain.ErrValidation, err))
		return
	}

	newCkpt, err := h.svc.EditSnapshot(c.Request.Context(), jobID, cpID, func(raw []byte) ([]byte, error) {
		var spec domain.Spec
		if err := json.Unmarshal(raw, &spec); err != nil {
			return nil, err
		}
		if len(req.Beats) > 0 {
			spec.Beats = req.Beats
		}
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		return json.Marshal(spec)
	})
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, gin.H{"artifact_id": newCkpt.ID, "version": newCkpt.Version})
}

func (h *JobsHandler) resolveBranch(c *gin.Context, jobID uuid.UUID, label string) (uuid.UUID, error) {
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	branches, err := h.ckpts.ListBranchesForJob(dbc, jobID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("httpapi: list branches: %w", err)
	}
	if len(branches) == 0 {
		return uuid.Nil, fmt.Errorf("%w: job has no branches", domain.ErrNotFound)
	}
	if label == "" {
		return branches[0].ID, nil
	}
	for _, b := range branches {
		if b.Label == label {
			return b.ID, nil
		}
	}
	return uuid.Nil, fmt.Errorf("%w: branch %q", domain.ErrNotFound, label)
}

func buildTree(rows []*domain.Checkpoint) []gin.H {
	tree := make([]gin.H, 0, len(rows))
	for _, r := range rows {
		tree = append(tree, gin.H{
			"checkpoint": r.ID,
			"phase":      r.Phase,
			"version":    r.Version,
			"status":     r.Status,
			"parent":     r.ParentCheckpointID,
		})
	}
	return tree
}

func (h *JobsHandler) buildStatusEnvelope(c *gin.Context, jobID uuid.UUID) (gin.H, error) {
	ctx := c.Request.Context()
	dbc := dbctx.Context{Ctx: ctx}
	jobs, err := h.jobs.GetByIDs(dbc, []uuid.UUID{jobID})
	if err != nil || len(jobs) == 0 {
		return nil, fmt.Errorf("%w: job", domain.ErrNotFound)
	}
	job := jobs[0]

	envelope := gin.H{
		"video_id":      job.ID,
		"status":        job.Status,
		"progress":      job.Progress,
		"current_phase": job.Stage,
	}
	if job.Error != "" {
		envelope["error"] = job.Error
	}
	if job.CurrentBranchID == nil {
		return envelope, nil
	}
	branchID := *job.CurrentBranchID

	if board, err := loadApprovedSnapshotHTTP[storyboard.Snapshot](h, ctx, jobID, branchID, domain.StageStoryboard); err == nil {
		envelope["storyboard_urls"] = h.signAll(ctx, frameKeys(board))
	}
	if chunkSnap, err := loadApprovedSnapshotHTTP[chunks.Snapshot](h, ctx, jobID, branchID, domain.StageChunks); err == nil {
		envelope["chunk_urls"] = h.signAll(ctx, chunkKeys(chunkSnap))
		envelope["stitched_video_url"] = h.signOne(ctx, chunkSnap.RenderKey)
	}
	if refineSnap, err := loadApprovedSnapshotHTTP[refine.Snapshot](h, ctx, jobID, branchID, domain.StageRefine); err == nil {
		envelope["final_video_url"] = h.signOne(ctx, refineSnap.FinalVideoKey)
	}

	if ckpt, err := h.currentPendingCheckpoint(ctx, jobID, branchID); err == nil && ckpt != nil {
		artifacts, _ := h.ckpts.ListArtifacts(dbc, ckpt.ID)
		envelope["current_checkpoint"] = gin.H{
			"id":        ckpt.ID,
			"branch":    branchID,
			"phase":     ckpt.Phase,
			"version":   ckpt.Version,
			"status":    ckpt.Status,
			"artifacts": artifacts,
		}
	}
	return envelope, nil
}

func (h *JobsHandler) currentPendingCheckpoint(ctx context.Context, jobID, branchID uuid.UUID) (*domain.Checkpoint, error) {
	rows, err := h.ckpts.ListForBranch(dbctx.Context{Ctx: ctx}, jobID, branchID)
	if err != nil {
		return nil, err
	}
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].Status == domain.CheckpointStatusPending {
			return rows[i], nil
		}
	}
	return nil, nil
}

func (h *JobsHandler) signOne(ctx context.Context, path string) string {
	if path == "" {
		return ""
	}
	url, err := h.blobs.SignedURL(ctx, path, signedURLTTL)
	if err != nil {
		h.log.Warn("httpapi: sign url failed", "path", path, "error", err)
		return ""
	}
	return url
}

func (h *JobsHandler) signAll(ctx context.Context, paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, h.signOne(ctx, p))
	}
	return out
}

func frameKeys(s storyboard.Snapshot) []string {
	keys := make([]string, len(s.Frames))
	for i, f := range s.Frames {
		keys[i] = f.ImageKey
	}
	return keys
}

func chunkKeys(s chunks.Snapshot) []string {
	keys := make([]string, len(s.ChunkVideos))
	for i, v := range s.ChunkVideos {
		keys[i] = v.VideoKey
	}
	return keys
}

// loadApprovedSnapshotHTTP mirrors stagesupport.LoadApprovedSnapshot but
// reads directly off checkpointrepo instead of an orchestrator.RunContext,
// since the HTTP layer has no stage run in flight.
func loadApprovedSnapshotHTTP[T any](h *JobsHandler, ctx context.Context, jobID, branchID uuid.UUID, phase string) (T, error) {
	var out T
	rows, err := h.ckpts.ListForBranch(dbctx.Context{Ctx: ctx}, jobID, branchID)
	if err != nil {
		return out, err
	}
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].Phase == phase && rows[i].Status == domain.CheckpointStatusApproved {
			if err := json.Unmarshal(rows[i].Snapshot, &out); err != nil {
				return out, err
			}
			return out, nil
		}
	}
	return out, fmt.Errorf("%w: no approved %s checkpoint", domain.ErrNotFound, phase)
}

func ownerFromContext(c *gin.Context) uuid.UUID {
	if v, ok := c.Get("owner_user_id"); ok {
		if id, ok := v.(uuid.UUID); ok {
			return id
		}
	}
	return uuid.New()
}

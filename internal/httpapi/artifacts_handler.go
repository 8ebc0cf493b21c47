package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kenji11/adforge/internal/blob"
	"github.com/kenji11/adforge/internal/capability"
	"github.com/kenji11/adforge/internal/domain"
	"github.com/kenji11/adforge/internal/platform/dbctx"
	"github.com/kenji11/adforge/internal/stage/chunks"
	"github.com/kenji11/adforge/internal/stage/stagesupport"
	"github.com/kenji11/adforge/internal/stage/storyboard"
)

// POST /video/:job/checkpoints/:cp/upload-image (multipart)
func (h *JobsHandler) UploadImage(c *gin.Context) {
	jobID, cpID, err := h.jobAndCheckpointParam(c)
	if err != nil {
		RespondError(c, err)
		return
	}
	beatIndex, err := strconv.Atoi(c.PostForm("beat_index"))
	if err != nil {
		RespondError(c, fmt.Errorf("%w: beat_index is required", domain.ErrValidation))
		return
	}
	fileHeader, err := c.FormFile("image")
	if err != nil {
		RespondError(c, fmt.Errorf("%w: image file is required", domain.ErrValidation))
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		RespondError(c, fmt.Errorf("httpapi: open upload: %w", err))
		return
	}
	defer func() { _ = file.Close() }()
	data, err := io.ReadAll(file)
	if err != nil {
		RespondError(c, fmt.Errorf("httpapi: read upload: %w", err))
		return
	}

	ckpt, err := h.ckpts.GetByID(dbctx.Context{Ctx: c.Request.Context()}, cpID)
	if err != nil {
		RespondError(c, fmt.Errorf("%w: checkpoint", domain.ErrNotFound))
		return
	}
	artifactKey := fmt.Sprintf("beat-%d", beatIndex)
	version, err := h.ckpts.NextArtifactVersion(dbctx.Context{Ctx: c.Request.Context()}, jobID, ckpt.BranchID, domain.ArtifactKindImage, artifactKey)
	if err != nil {
		RespondError(c, fmt.Errorf("httpapi: artifact version: %w", err))
		return
	}
	owner, err := h.ownerForJob(c.Request.Context(), jobID)
	if err != nil {
		RespondError(c, err)
		return
	}
	blobPath := blob.Path(owner, jobID, ckpt.BranchID, ckpt.ID, domain.ArtifactKindImage, artifactKey, version, "png")
	contentType := fileHeader.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/png"
	}
	size, err := h.blobs.Upload(c.Request.Context(), blobPath, contentType, stagesupport.NewReader(data))
	if err != nil {
		RespondError(c, fmt.Errorf("%w: upload image: %v", domain.ErrStorage, err))
		return
	}
	artifact := &domain.Artifact{
		JobID: jobID, BranchID: ckpt.BranchID, CheckpointID: &cpID,
		Kind: domain.ArtifactKindImage, Key: artifactKey, Version: version,
		BlobPath: blobPath, SizeBytes: size, ContentType: contentType, CreatedAt: time.Now().UTC(),
	}
	if err := h.ckpts.CreateArtifact(dbctx.Context{Ctx: c.Request.Context()}, artifact); err != nil {
		RespondError(c, fmt.Errorf("httpapi: record artifact: %w", err))
		return
	}

	newCkpt, err := h.svc.EditSnapshot(c.Request.Context(), jobID, cpID, func(raw []byte) ([]byte, error) {
		var snap storyboard.Snapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			return nil, err
		}
		replaced := false
		for i := range snap.Frames {
			if snap.Frames[i].BeatIndex == beatIndex {
				snap.Frames[i].ImageKey = blobPath
				replaced = true
			}
		}
		if !replaced {
			return nil, fmt.Errorf("beat %d not found in storyboard", beatIndex)
		}
		return json.Marshal(snap)
	})
	if err != nil {
		RespondError(c, err)
		return
	}

	url, _ := h.blobs.SignedURL(c.Request.Context(), blobPath, signedURLTTL)
	RespondOK(c, gin.H{"artifact_id": newCkpt.ID, "s3_url": url, "version": version})
}

type regenerateBeatRequest struct {
	BeatIndex      int    `json:"beat_index"`
	PromptOverride string `json:"prompt_override"`
}

// POST /video/:job/checkpoints/:cp/regenerate-beat
func (h *JobsHandler) RegenerateBeat(c *gin.Context) {
	jobID, cpID, err := h.jobAndCheckpointParam(c)
	if err != nil {
		RespondError(c, err)
		return
	}
	var req regenerateBeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, fmt.Errorf("%w: %v", domain.ErrValidation, err))
		return
	}

	ckpt, err := h.ckpts.GetByID(dbctx.Context{Ctx: c.Request.Context()}, cpID)
	if err != nil {
		RespondError(c, fmt.Errorf("%w: checkpoint", domain.ErrNotFound))
		return
	}

	input := capability.ImageInput{Prompt: req.PromptOverride, BeatIndex: req.BeatIndex, Width: 1080, Height: 1920}
	res, err := capability.RunToCompletion(c.Request.Context(), h.image, input, 2*time.Second, 20*time.Second)
	if err != nil {
		RespondError(c, fmt.Errorf("httpapi: image provider: %w", err))
		return
	}
	body, contentType, err := stagesupport.FetchOutput(c.Request.Context(), res.OutputURL)
	if err != nil {
		RespondError(c, fmt.Errorf("httpapi: fetch image output: %w", err))
		return
	}

	artifactKey := fmt.Sprintf("beat-%d", req.BeatIndex)
	version, err := h.ckpts.NextArtifactVersion(dbctx.Context{Ctx: c.Request.Context()}, jobID, ckpt.BranchID, domain.ArtifactKindImage, artifactKey)
	if err != nil {
		RespondError(c, fmt.Errorf("httpapi: artifact version: %w", err))
		return
	}
	owner, err := h.ownerForJob(c.Request.Context(), jobID)
	if err != nil {
		RespondError(c, err)
		return
	}
	blobPath := blob.Path(owner, jobID, ckpt.BranchID, ckpt.ID, domain.ArtifactKindImage, artifactKey, version, "png")
	size, err := h.blobs.Upload(c.Request.Context(), blobPath, contentType, stagesupport.NewReader(body))
	if err != nil {
		RespondError(c, fmt.Errorf("%w: upload image: %v", domain.ErrStorage, err))
		return
	}
	if err := h.ckpts.CreateArtifact(dbctx.Context{Ctx: c.Request.Context()}, &domain.Artifact{
		JobID: jobID, BranchID: ckpt.BranchID, CheckpointID: &cpID,
		Kind: domain.ArtifactKindImage, Key: artifactKey, Version: version,
		BlobPath: blobPath, SizeBytes: size, ContentType: contentType, CreatedAt: time.Now().UTC(),
	}); err != nil {
		RespondError(c, fmt.Errorf("httpapi: record artifact: %w", err))
		return
	}

	newCkpt, err := h.svc.EditSnapshot(c.Request.Context(), jobID, cpID, func(raw []byte) ([]byte, error) {
		var snap storyboard.Snapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			return nil, err
		}
		for i := range snap.Frames {
			if snap.Frames[i].BeatIndex == req.BeatIndex {
				snap.Frames[i].ImageKey = blobPath
			}
		}
		return json.Marshal(snap)
	})
	if err != nil {
		RespondError(c, err)
		return
	}

	url, _ := h.blobs.SignedURL(c.Request.Context(), blobPath, signedURLTTL)
	RespondOK(c, gin.H{"artifact_id": newCkpt.ID, "s3_url": url, "version": version})
}

type regenerateChunkRequest struct {
	ChunkIndex    int    `json:"chunk_index"`
	ModelOverride string `json:"model_override"`
}

// POST /video/:job/checkpoints/:cp/regenerate-chunk
func (h *JobsHandler) RegenerateChunk(c *gin.Context) {
	jobID, cpID, err := h.jobAndCheckpointParam(c)
	if err != nil {
		RespondError(c, err)
		return
	}
	var req regenerateChunkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, fmt.Errorf("%w: %v", domain.ErrValidation, err))
		return
	}

	ckpt, err := h.ckpts.GetByID(dbctx.Context{Ctx: c.Request.Context()}, cpID)
	if err != nil {
		RespondError(c, fmt.Errorf("%w: checkpoint", domain.ErrNotFound))
		return
	}
	var snap chunks.Snapshot
	if err := json.Unmarshal(ckpt.Snapshot, &snap); err != nil {
		RespondError(c, fmt.Errorf("httpapi: parse chunks snapshot: %w", err))
		return
	}
	var target *domain.Chunk
	for i := range snap.Plan.Chunks {
		if snap.Plan.Chunks[i].Index == req.ChunkIndex {
			target = &snap.Plan.Chunks[i]
		}
	}
	if target == nil {
		RespondError(c, fmt.Errorf("%w: chunk %d not found", domain.ErrValidation, req.ChunkIndex))
		return
	}

	input := capability.VideoInput{Prompt: target.Prompt, ReferenceImageURL: target.ReferenceImageKey, DurationSeconds: 5}
	res, err := capability.RunToCompletion(c.Request.Context(), h.video, input, 3*time.Second, 30*time.Second)
	if err != nil {
		RespondError(c, fmt.Errorf("httpapi: video provider: %w", err))
		return
	}
	body, contentType, err := stagesupport.FetchOutput(c.Request.Context(), res.OutputURL)
	if err != nil {
		RespondError(c, fmt.Errorf("httpapi: fetch video output: %w", err))
		return
	}

	artifactKey := fmt.Sprintf("chunk-%d", req.ChunkIndex)
	version, err := h.ckpts.NextArtifactVersion(dbctx.Context{Ctx: c.Request.Context()}, jobID, ckpt.BranchID, domain.ArtifactKindVideo, artifactKey)
	if err != nil {
		RespondError(c, fmt.Errorf("httpapi: artifact version: %w", err))
		return
	}
	owner, err := h.ownerForJob(c.Request.Context(), jobID)
	if err != nil {
		RespondError(c, err)
		return
	}
	blobPath := blob.Path(owner, jobID, ckpt.BranchID, ckpt.ID, domain.ArtifactKindVideo, artifactKey, version, "mp4")
	size, err := h.blobs.Upload(c.Request.Context(), blobPath, contentType, stagesupport.NewReader(body))
	if err != nil {
		RespondError(c, fmt.Errorf("%w: upload chunk: %v", domain.ErrStorage, err))
		return
	}
	if err := h.ckpts.CreateArtifact(dbctx.Context{Ctx: c.Request.Context()}, &domain.Artifact{
		JobID: jobID, BranchID: ckpt.BranchID, CheckpointID: &cpID,
		Kind: domain.ArtifactKindVideo, Key: artifactKey, Version: version,
		BlobPath: blobPath, SizeBytes: size, ContentType: contentType, CreatedAt: time.Now().UTC(),
	}); err != nil {
		RespondError(c, fmt.Errorf("httpapi: record artifact: %w", err))
		return
	}

	newCkpt, err := h.svc.EditSnapshot(c.Request.Context(), jobID, cpID, func(raw []byte) ([]byte, error) {
		var s chunks.Snapshot
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		for i := range s.ChunkVideos {
			if s.ChunkVideos[i].ChunkIndex == req.ChunkIndex {
				s.ChunkVideos[i].VideoKey = blobPath
			}
		}
		return json.Marshal(s)
	})
	if err != nil {
		RespondError(c, err)
		return
	}

	url, _ := h.blobs.SignedURL(c.Request.Context(), blobPath, signedURLTTL)
	RespondOK(c, gin.H{"artifact_id": newCkpt.ID, "s3_url": url, "version": version})
}

func (h *JobsHandler) jobAndCheckpointParam(c *gin.Context) (uuid.UUID, uuid.UUID, error) {
	jobID, err := uuid.Parse(c.Param("job"))
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("%w: invalid job id", domain.ErrValidation)
	}
	cpID, err := uuid.Parse(c.Param("cp"))
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("%w: invalid checkpoint id", domain.ErrValidation)
	}
	return jobID, cpID, nil
}

func (h *JobsHandler) ownerForJob(ctx context.Context, jobID uuid.UUID) (uuid.UUID, error) {
	jobs, err := h.jobs.GetByIDs(dbctx.Context{Ctx: ctx}, []uuid.UUID{jobID})
	if err != nil || len(jobs) == 0 {
		return uuid.Nil, fmt.Errorf("%w: job", domain.ErrNotFound)
	}
	return jobs[0].OwnerUserID, nil
}

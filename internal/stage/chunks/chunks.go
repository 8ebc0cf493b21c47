// Package chunks implements the third pipeline phase: turning the
// approved storyboard into a chunk plan and rendering every chunk through
// the video capability adapter, joining the results into one render.
// Chunk scheduling (parallel reference groups, sequential continuations)
// is delegated to groupsched (C8); this package owns turning beats into a
// ChunkPlan and turning one chunk into one video call.
package chunks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gorm.io/datatypes"

	"github.com/kenji11/adforge/internal/capability"
	"github.com/kenji11/adforge/internal/domain"
	"github.com/kenji11/adforge/internal/orchestrator"
	"github.com/kenji11/adforge/internal/stage/chunks/groupsched"
	"github.com/kenji11/adforge/internal/stage/stagesupport"
	"github.com/kenji11/adforge/internal/stage/storyboard"
)

const (
	minPollInterval = 3 * time.Second
	maxPollInterval = 30 * time.Second

	// chunkDurationSeconds is the video model's declared chunk_duration_s
	// (spec.md §3's "model-declared constant, e.g. 5s").
	chunkDurationSeconds = 5
)

// Snapshot is the chunks checkpoint payload: the plan it executed plus the
// joined render and each chunk's own artifact path.
type Snapshot struct {
	Plan        domain.ChunkPlan `json:"plan"`
	RenderKey   string           `json:"render_key"`
	ChunkVideos []ChunkVideo     `json:"chunk_videos"`
}

type ChunkVideo struct {
	ChunkIndex int    `json:"chunk_index"`
	VideoKey   string `json:"video_key"`
}

type Runner struct{}

func New() *Runner { return &Runner{} }

func (r *Runner) Name() string { return domain.StageChunks }

func (r *Runner) Run(rc *orchestrator.RunContext) (datatypes.JSON, error) {
	board, err := stagesupport.LoadApprovedSnapshot[storyboard.Snapshot](rc, domain.StageStoryboard)
	if err != nil {
		return nil, fmt.Errorf("chunks: %w", err)
	}

	plan := buildPlan(board.Spec, board.Frames)
	groups, err := plan.Groups()
	if err != nil {
		return nil, fmt.Errorf("%w: chunks: %v", domain.ErrValidation, err)
	}

	groupCap := rc.ChunkGroupConcurrency
	if groupCap <= 0 {
		groupCap = 4
	}

	step := func(ctx context.Context, chunk domain.Chunk, prev *groupsched.StepResult) (groupsched.StepResult, error) {
		return renderChunk(ctx, rc, chunk, prev)
	}
	results, err := groupsched.Run(rc.Ctx, groups, groupCap, step)
	if err != nil {
		return nil, fmt.Errorf("chunks: %w", err)
	}

	videos := make([]ChunkVideo, 0, len(plan.Chunks))
	orderedPaths := make([]string, 0, len(plan.Chunks))
	for _, g := range results {
		for _, s := range g.Steps {
			videos = append(videos, ChunkVideo{ChunkIndex: s.Chunk.Index, VideoKey: s.BlobPath})
			orderedPaths = append(orderedPaths, s.BlobPath)
		}
	}

	renderKey, err := joinChunks(rc, orderedPaths)
	if err != nil {
		return nil, err
	}

	snapshot := Snapshot{Plan: plan, RenderKey: renderKey, ChunkVideos: videos}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("chunks: marshal snapshot: %w", err)
	}
	return datatypes.JSON(raw), nil
}

// buildPlan derives total_chunks and beat_to_chunk from the spec and the
// video model's chunk_duration_s (spec.md §3/§4.4): every beat becomes
// ⌈beat_duration_s / chunk_duration_s⌉ chunks, the first of which is a
// reference-image chunk seeded from that beat's storyboard frame, with any
// remaining chunks in the beat as continuations chained off it. Chunks
// never cross a beat boundary, so every continuation's reference-image
// predecessor is always in the same beat.
func buildPlan(spec domain.Spec, frames []storyboard.Frame) domain.ChunkPlan {
	frameByBeat := make(map[int]string, len(frames))
	for _, f := range frames {
		frameByBeat[f.BeatIndex] = f.ImageKey
	}

	chunks := make([]domain.Chunk, 0, len(spec.Beats))
	index := 0
	for _, beat := range spec.Beats {
		beatSeconds := beat.EndSecond - beat.StartSecond
		beatChunks := ceilDiv(beatSeconds, chunkDurationSeconds)
		for j := 0; j < beatChunks; j++ {
			kind := domain.ChunkKindContinuation
			if j == 0 {
				kind = domain.ChunkKindReference
			}
			c := domain.Chunk{
				Index:     index,
				BeatIndex: beat.Index,
				Kind:      kind,
				Prompt:    beat.Description,
			}
			if kind == domain.ChunkKindReference {
				c.ReferenceImageKey = frameByBeat[beat.Index]
			}
			chunks = append(chunks, c)
			index++
		}
	}
	return domain.ChunkPlan{Chunks: chunks}
}

func ceilDiv(numerator, denominator int) int {
	if numerator <= 0 {
		return 0
	}
	return (numerator + denominator - 1) / denominator
}

func renderChunk(ctx context.Context, rc *orchestrator.RunContext, chunk domain.Chunk, prev *groupsched.StepResult) (groupsched.StepResult, error) {
	input := capability.VideoInput{
		Prompt:          chunk.Prompt,
		DurationSeconds: chunkDurationSeconds,
	}
	switch chunk.Kind {
	case domain.ChunkKindReference:
		input.ReferenceImageURL = chunk.ReferenceImageKey
	case domain.ChunkKindContinuation:
		if prev == nil {
			return groupsched.StepResult{}, fmt.Errorf("chunks: continuation chunk %d missing previous step", chunk.Index)
		}
		input.ContinuationFromURL = prev.LastFrame
	}

	res, err := capability.RunToCompletion(ctx, rc.Video, input, minPollInterval, maxPollInterval)
	if err != nil {
		return groupsched.StepResult{}, fmt.Errorf("video provider: chunk %d: %w", chunk.Index, err)
	}

	key := fmt.Sprintf("chunk-%d", chunk.Index)
	version, err := rc.Checkpoints.NextArtifactVersion(stagesupport.DBCtx(ctx), rc.Job.ID, rc.BranchID, domain.ArtifactKindVideo, key)
	if err != nil {
		return groupsched.StepResult{}, fmt.Errorf("artifact version: %w", err)
	}
	blobPath := stagesupport.BlobPath(rc, domain.ArtifactKindVideo, key, version, "mp4")

	body, contentType, err := stagesupport.FetchOutput(ctx, res.OutputURL)
	if err != nil {
		return groupsched.StepResult{}, fmt.Errorf("fetch video output: %w", err)
	}

	localPath, err := stagesupport.WriteTemp(body, "mp4")
	if err != nil {
		return groupsched.StepResult{}, err
	}
	defer func() { _ = os.Remove(localPath) }()

	lastFramePath, err := stagesupport.WriteTemp(nil, "png")
	if err != nil {
		return groupsched.StepResult{}, err
	}
	defer func() { _ = os.Remove(lastFramePath) }()
	if err := rc.Media.LastFrame(ctx, localPath, lastFramePath); err != nil {
		return groupsched.StepResult{}, fmt.Errorf("extract last frame: chunk %d: %w", chunk.Index, err)
	}
	lastFrameBytes, err := os.ReadFile(lastFramePath)
	if err != nil {
		return groupsched.StepResult{}, fmt.Errorf("read last frame: %w", err)
	}

	lastFrameKey := stagesupport.BlobPath(rc, domain.ArtifactKindImage, key+"-lastframe", version, "png")
	if _, err := rc.Blob.Upload(ctx, lastFrameKey, "image/png", stagesupport.NewReader(lastFrameBytes)); err != nil {
		return groupsched.StepResult{}, fmt.Errorf("%w: upload last frame: %v", domain.ErrStorage, err)
	}

	size, err := rc.Blob.Upload(ctx, blobPath, contentType, stagesupport.NewReader(body))
	if err != nil {
		return groupsched.StepResult{}, fmt.Errorf("%w: upload chunk video: %v", domain.ErrStorage, err)
	}
	if err := rc.Checkpoints.CreateArtifact(stagesupport.DBCtx(ctx), &domain.Artifact{
		JobID:        rc.Job.ID,
		BranchID:     rc.BranchID,
		CheckpointID: &rc.CheckpointID,
		Kind:         domain.ArtifactKindVideo,
		Key:          key,
		Version:      version,
		BlobPath:     blobPath,
		SizeBytes:    size,
		ContentType:  contentType,
		CreatedAt:    time.Now().UTC(),
	}); err != nil {
		return groupsched.StepResult{}, fmt.Errorf("record artifact: %w", err)
	}

	return groupsched.StepResult{Chunk: chunk, BlobPath: blobPath, LastFrame: lastFrameKey}, nil
}

func joinChunks(rc *orchestrator.RunContext, orderedPaths []string) (string, error) {
	locals := make([]string, 0, len(orderedPaths))
	for _, p := range orderedPaths {
		r, err := rc.Blob.Download(rc.Ctx, p)
		if err != nil {
			return "", fmt.Errorf("%w: download chunk for join: %v", domain.ErrStorage, err)
		}
		local, err := stagesupport.WriteTempFromReader(r)
		_ = r.Close()
		if err != nil {
			return "", err
		}
		defer func(path string) { _ = os.Remove(path) }(local)
		locals = append(locals, local)
	}

	joined, err := stagesupport.WriteTemp(nil, "mp4")
	if err != nil {
		return "", err
	}
	defer func() { _ = os.Remove(joined) }()
	if err := rc.Media.JoinVideos(rc.Ctx, locals, joined); err != nil {
		return "", fmt.Errorf("chunks: join videos: %w", err)
	}

	data, err := os.ReadFile(joined)
	if err != nil {
		return "", fmt.Errorf("chunks: read joined render: %w", err)
	}
	version, err := rc.Checkpoints.NextArtifactVersion(stagesupport.DBCtx(rc.Ctx), rc.Job.ID, rc.BranchID, domain.ArtifactKindVideo, "render")
	if err != nil {
		return "", fmt.Errorf("chunks: render artifact version: %w", err)
	}
	renderKey := stagesupport.BlobPath(rc, domain.ArtifactKindVideo, "render", version, "mp4")
	size, err := rc.Blob.Upload(rc.Ctx, renderKey, "video/mp4", stagesupport.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: upload joined render: %v", domain.ErrStorage, err)
	}
	if err := rc.Checkpoints.CreateArtifact(stagesupport.DBCtx(rc.Ctx), &domain.Artifact{
		JobID:        rc.Job.ID,
		BranchID:     rc.BranchID,
		CheckpointID: &rc.CheckpointID,
		Kind:         domain.ArtifactKindVideo,
		Key:          "render",
		Version:      version,
		BlobPath:     renderKey,
		SizeBytes:    size,
		ContentType:  "video/mp4",
		CreatedAt:    time.Now().UTC(),
	}); err != nil {
		return "", fmt.Errorf("chunks: record render artifact: %w", err)
	}
	return renderKey, nil
}

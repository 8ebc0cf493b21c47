// Package storyboard implements the second pipeline phase: rendering one
// reference image per beat from the approved plan checkpoint. Grounded on
// the teacher's bounded errgroup fan-out used for batch embedding work,
// generalized from a flat slice to per-beat image submissions.
package storyboard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"github.com/kenji11/adforge/internal/capability"
	"github.com/kenji11/adforge/internal/domain"
	"github.com/kenji11/adforge/internal/orchestrator"
	"github.com/kenji11/adforge/internal/stage/stagesupport"
)

const (
	minPollInterval = 2 * time.Second
	maxPollInterval = 20 * time.Second
)

// Frame is one rendered beat image, referenced by artifact key.
type Frame struct {
	BeatIndex int    `json:"beat_index"`
	ImageKey  string `json:"image_key"`
}

// Snapshot is the storyboard checkpoint payload: the plan it was rendered
// from plus the resulting frames.
type Snapshot struct {
	Spec   domain.Spec `json:"spec"`
	Frames []Frame     `json:"frames"`
}

type Runner struct{}

func New() *Runner { return &Runner{} }

func (r *Runner) Name() string { return domain.StageStoryboard }

func (r *Runner) Run(rc *orchestrator.RunContext) (datatypes.JSON, error) {
	spec, err := stagesupport.LoadApprovedSnapshot[domain.Spec](rc, domain.StagePlan)
	if err != nil {
		return nil, fmt.Errorf("storyboard: %w", err)
	}
	payload, err := rc.Job.DecodePayload()
	if err != nil {
		return nil, fmt.Errorf("storyboard: decode job payload: %w", err)
	}

	groupCap := rc.StoryboardConcurrency
	if groupCap <= 0 {
		groupCap = 4
	}

	frames := make([]Frame, len(spec.Beats))
	g, gctx := errgroup.WithContext(rc.Ctx)
	g.SetLimit(groupCap)
	for i, beat := range spec.Beats {
		i, beat := i, beat
		g.Go(func() error {
			frame, err := renderBeat(gctx, rc, beat, payload.FrameWidth, payload.FrameHeight)
			if err != nil {
				return fmt.Errorf("storyboard: beat %d: %w", beat.Index, err)
			}
			frames[i] = frame
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	snapshot := Snapshot{Spec: spec, Frames: frames}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("storyboard: marshal snapshot: %w", err)
	}
	return datatypes.JSON(raw), nil
}

func renderBeat(ctx context.Context, rc *orchestrator.RunContext, beat domain.Beat, width, height int) (Frame, error) {
	input := capability.ImageInput{
		Prompt:    beat.VisualCue,
		BeatIndex: beat.Index,
		Width:     width,
		Height:    height,
	}
	res, err := capability.RunToCompletion(ctx, rc.Image, input, minPollInterval, maxPollInterval)
	if err != nil {
		return Frame{}, fmt.Errorf("image provider: %w", err)
	}

	key := fmt.Sprintf("beat-%d", beat.Index)
	version, err := rc.Checkpoints.NextArtifactVersion(stagesupport.DBCtx(ctx), rc.Job.ID, rc.BranchID, domain.ArtifactKindImage, key)
	if err != nil {
		return Frame{}, fmt.Errorf("artifact version: %w", err)
	}
	blobPath := stagesupport.BlobPath(rc, domain.ArtifactKindImage, key, version, "png")

	body, contentType, err := stagesupport.FetchOutput(ctx, res.OutputURL)
	if err != nil {
		return Frame{}, fmt.Errorf("fetch image output: %w", err)
	}
	size, err := rc.Blob.Upload(ctx, blobPath, contentType, bytes.NewReader(body))
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}

	if err := rc.Checkpoints.CreateArtifact(stagesupport.DBCtx(ctx), &domain.Artifact{
		JobID:        rc.Job.ID,
		BranchID:     rc.BranchID,
		CheckpointID: &rc.CheckpointID,
		Kind:         domain.ArtifactKindImage,
		Key:          key,
		Version:      version,
		BlobPath:     blobPath,
		SizeBytes:    size,
		ContentType:  contentType,
		CreatedAt:    time.Now().UTC(),
	}); err != nil {
		return Frame{}, fmt.Errorf("record artifact: %w", err)
	}

	return Frame{BeatIndex: beat.Index, ImageKey: blobPath}, nil
}

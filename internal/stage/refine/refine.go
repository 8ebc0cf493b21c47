// Package refine implements the fourth and final pipeline phase: scoring
// a music track against the approved render and muxing it in, producing
// the artifact the job's delivered output points to.
package refine

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gorm.io/datatypes"

	"github.com/kenji11/adforge/internal/capability"
	"github.com/kenji11/adforge/internal/domain"
	"github.com/kenji11/adforge/internal/orchestrator"
	"github.com/kenji11/adforge/internal/stage/chunks"
	"github.com/kenji11/adforge/internal/stage/stagesupport"
)

const (
	minPollInterval = 3 * time.Second
	maxPollInterval = 20 * time.Second
)

// Snapshot is the refine checkpoint payload: the final delivered artifact.
type Snapshot struct {
	FinalVideoKey string `json:"final_video_key"`
	MusicKey      string `json:"music_key,omitempty"`
}

type Runner struct{}

func New() *Runner { return &Runner{} }

func (r *Runner) Name() string { return domain.StageRefine }

func (r *Runner) Run(rc *orchestrator.RunContext) (datatypes.JSON, error) {
	rendered, err := stagesupport.LoadApprovedSnapshot[chunks.Snapshot](rc, domain.StageChunks)
	if err != nil {
		return nil, fmt.Errorf("refine: %w", err)
	}

	spec, err := stagesupport.LoadApprovedSnapshot[domain.Spec](rc, domain.StagePlan)
	if err != nil {
		return nil, fmt.Errorf("refine: %w", err)
	}

	musicInput := capability.MusicInput{
		Prompt:          summarizePrompt(spec),
		DurationSeconds: spec.DurationSeconds,
	}
	musicRes, err := capability.RunToCompletion(rc.Ctx, rc.Music, musicInput, minPollInterval, maxPollInterval)
	if err != nil {
		return nil, fmt.Errorf("refine: music provider: %w", err)
	}

	musicBytes, musicContentType, err := stagesupport.FetchOutput(rc.Ctx, musicRes.OutputURL)
	if err != nil {
		return nil, fmt.Errorf("refine: fetch music output: %w", err)
	}
	musicVersion, err := rc.Checkpoints.NextArtifactVersion(stagesupport.DBCtx(rc.Ctx), rc.Job.ID, rc.BranchID, domain.ArtifactKindAudio, "score")
	if err != nil {
		return nil, fmt.Errorf("refine: music artifact version: %w", err)
	}
	musicKey := stagesupport.BlobPath(rc, domain.ArtifactKindAudio, "score", musicVersion, "mp3")
	musicSize, err := rc.Blob.Upload(rc.Ctx, musicKey, musicContentType, stagesupport.NewReader(musicBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: upload music: %v", domain.ErrStorage, err)
	}
	if err := rc.Checkpoints.CreateArtifact(stagesupport.DBCtx(rc.Ctx), &domain.Artifact{
		JobID:        rc.Job.ID,
		BranchID:     rc.BranchID,
		CheckpointID: &rc.CheckpointID,
		Kind:         domain.ArtifactKindAudio,
		Key:          "score",
		Version:      musicVersion,
		BlobPath:     musicKey,
		SizeBytes:    musicSize,
		ContentType:  musicContentType,
		CreatedAt:    time.Now().UTC(),
	}); err != nil {
		return nil, fmt.Errorf("refine: record music artifact: %w", err)
	}

	videoReader, err := rc.Blob.Download(rc.Ctx, rendered.RenderKey)
	if err != nil {
		return nil, fmt.Errorf("%w: download render: %v", domain.ErrStorage, err)
	}
	videoLocal, err := stagesupport.WriteTempFromReader(videoReader)
	_ = videoReader.Close()
	if err != nil {
		return nil, err
	}
	defer func() { _ = os.Remove(videoLocal) }()

	audioLocal, err := stagesupport.WriteTemp(musicBytes, "mp3")
	if err != nil {
		return nil, err
	}
	defer func() { _ = os.Remove(audioLocal) }()

	finalLocal, err := stagesupport.WriteTemp(nil, "mp4")
	if err != nil {
		return nil, err
	}
	defer func() { _ = os.Remove(finalLocal) }()

	if err := rc.Media.MuxAudio(rc.Ctx, videoLocal, audioLocal, finalLocal); err != nil {
		return nil, fmt.Errorf("refine: mux audio: %w", err)
	}

	finalBytes, err := os.ReadFile(finalLocal)
	if err != nil {
		return nil, fmt.Errorf("refine: read final render: %w", err)
	}
	finalVersion, err := rc.Checkpoints.NextArtifactVersion(stagesupport.DBCtx(rc.Ctx), rc.Job.ID, rc.BranchID, domain.ArtifactKindVideo, "final")
	if err != nil {
		return nil, fmt.Errorf("refine: final artifact version: %w", err)
	}
	finalKey := stagesupport.BlobPath(rc, domain.ArtifactKindVideo, "final", finalVersion, "mp4")
	finalSize, err := rc.Blob.Upload(rc.Ctx, finalKey, "video/mp4", stagesupport.NewReader(finalBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: upload final render: %v", domain.ErrStorage, err)
	}
	if err := rc.Checkpoints.CreateArtifact(stagesupport.DBCtx(rc.Ctx), &domain.Artifact{
		JobID:        rc.Job.ID,
		BranchID:     rc.BranchID,
		CheckpointID: &rc.CheckpointID,
		Kind:         domain.ArtifactKindVideo,
		Key:          "final",
		Version:      finalVersion,
		BlobPath:     finalKey,
		SizeBytes:    finalSize,
		ContentType:  "video/mp4",
		CreatedAt:    time.Now().UTC(),
	}); err != nil {
		return nil, fmt.Errorf("refine: record final artifact: %w", err)
	}

	snapshot := Snapshot{FinalVideoKey: finalKey, MusicKey: musicKey}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("refine: marshal snapshot: %w", err)
	}
	return datatypes.JSON(raw), nil
}

func summarizePrompt(spec domain.Spec) string {
	if len(spec.Beats) == 0 {
		return "instrumental score"
	}
	return "instrumental score matching the mood of: " + spec.Beats[0].Description
}

package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type CheckpointStatus string

const (
	CheckpointStatusPending   CheckpointStatus = "pending"
	CheckpointStatusApproved  CheckpointStatus = "approved"
	CheckpointStatusSuperseded CheckpointStatus = "superseded"
)

// Checkpoint is a versioned, branch-scoped pause point at the boundary of
// a phase. There is at most one pending checkpoint per (job, branch, phase)
// at a time; approving it advances the pipeline, editing it updates its
// snapshot in place, and re-running the phase supersedes it with a new
// version.
type Checkpoint struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	JobID    uuid.UUID `gorm:"type:uuid;index;not null" json:"job_id"`
	BranchID uuid.UUID `gorm:"type:uuid;index;not null" json:"branch_id"`

	Phase   string `gorm:"index;not null" json:"phase"`
	Version int    `gorm:"not null" json:"version"`

	Status CheckpointStatus `gorm:"index;not null;default:pending" json:"status"`

	// Snapshot is the phase's JSON-shaped output at this version (Spec,
	// storyboard beats, chunk plan, or final render manifest).
	Snapshot datatypes.JSON `json:"snapshot"`

	// ParentCheckpointID is the checkpoint this version was derived from,
	// either by edit-and-regenerate (same branch) or by fork (new branch).
	ParentCheckpointID *uuid.UUID `gorm:"type:uuid" json:"parent_checkpoint_id,omitempty"`

	ApprovedAt *time.Time `json:"approved_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func (Checkpoint) TableName() string { return "checkpoint" }

type ArtifactKind string

const (
	ArtifactKindImage ArtifactKind = "image"
	ArtifactKindVideo ArtifactKind = "video"
	ArtifactKindAudio ArtifactKind = "audio"
	ArtifactKindSpec  ArtifactKind = "spec"
)

// Artifact records one blob produced during the pipeline, addressed by the
// content-addressed/versioned blob path convention in spec.md §6.
type Artifact struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	JobID        uuid.UUID  `gorm:"type:uuid;index;not null" json:"job_id"`
	BranchID     uuid.UUID  `gorm:"type:uuid;index;not null" json:"branch_id"`
	CheckpointID *uuid.UUID `gorm:"type:uuid;index" json:"checkpoint_id,omitempty"`

	Kind    ArtifactKind `gorm:"index;not null" json:"kind"`
	Key     string       `json:"key"`
	Version int          `json:"version"`
	BlobPath string      `gorm:"not null" json:"blob_path"`

	SizeBytes   int64  `json:"size_bytes"`
	ContentType string `json:"content_type"`

	CreatedAt time.Time `json:"created_at"`
}

func (Artifact) TableName() string { return "artifact" }

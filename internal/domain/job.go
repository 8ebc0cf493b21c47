// Package domain holds the persistent aggregates of the pipeline: Job,
// Checkpoint, and Artifact, plus the JSON-shaped value types (Spec, Beat,
// ChunkPlan) that travel inside them.
package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type JobStatus string

const (
	JobStatusQueued          JobStatus = "queued"
	JobStatusRunning         JobStatus = "running"
	JobStatusWaitingChild    JobStatus = "waiting_child"
	JobStatusWaitingCheckpoint JobStatus = "waiting_checkpoint"
	JobStatusSucceeded       JobStatus = "succeeded"
	JobStatusFailed          JobStatus = "failed"
	JobStatusCanceled        JobStatus = "canceled"
)

// Stage names, matching spec.md's four generative phases.
const (
	StagePlan       = "plan"
	StageStoryboard = "storyboard"
	StageChunks     = "chunks"
	StageRefine     = "refine"
)

// Job is the root aggregate for one ad-video generation run.
type Job struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	OwnerUserID uuid.UUID `gorm:"type:uuid;index;not null" json:"owner_user_id"`

	Title           string         `json:"title,omitempty"`
	Prompt          string         `gorm:"not null" json:"prompt"`
	ReferenceAssets datatypes.JSON `json:"reference_assets,omitempty"`
	VideoModel      string         `json:"video_model"`
	AutoContinue    bool           `json:"auto_continue"`

	Status   JobStatus `gorm:"index;not null;default:queued" json:"status"`
	Stage    string    `json:"stage"`
	Progress int       `json:"progress"`
	Message  string    `json:"message"`
	Error    string    `json:"error,omitempty"`

	CurrentBranchID     *uuid.UUID `gorm:"type:uuid" json:"current_branch_id,omitempty"`
	CurrentCheckpointID *uuid.UUID `gorm:"type:uuid" json:"current_checkpoint_id,omitempty"`

	Attempts int `json:"attempts"`

	CostCentsAccumulated int64 `json:"cost_cents_accumulated"`

	Payload datatypes.JSON `json:"-"`
	Result  datatypes.JSON `json:"-"`

	LockedAt    *time.Time `json:"-"`
	HeartbeatAt *time.Time `json:"-"`
	LastErrorAt *time.Time `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Job) TableName() string { return "job" }

// JobPayload is the create-time request, decoded from Job.Payload. It
// carries the fields the planner stage needs that aren't promoted to
// their own Job columns.
type JobPayload struct {
	DurationSeconds int `json:"duration_seconds"`
	FrameWidth      int `json:"frame_width"`
	FrameHeight     int `json:"frame_height"`
}

func (j *Job) DecodePayload() (JobPayload, error) {
	p := JobPayload{DurationSeconds: 15, FrameWidth: 1080, FrameHeight: 1920}
	if len(j.Payload) == 0 || string(j.Payload) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return JobPayload{}, err
	}
	return p, nil
}

// Branch represents one forked line of checkpoints for a job. The root
// branch is created implicitly when the job starts.
type Branch struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	JobID     uuid.UUID  `gorm:"type:uuid;index;not null" json:"job_id"`
	ParentID  *uuid.UUID `gorm:"type:uuid" json:"parent_id,omitempty"`
	ForkedAtCheckpointID *uuid.UUID `gorm:"type:uuid" json:"forked_at_checkpoint_id,omitempty"`
	Label     string     `json:"label"`
	CreatedAt time.Time  `json:"created_at"`
}

func (Branch) TableName() string { return "branch" }

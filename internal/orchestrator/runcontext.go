package orchestrator

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/kenji11/adforge/internal/blob"
	"github.com/kenji11/adforge/internal/capability"
	"github.com/kenji11/adforge/internal/data/checkpointrepo"
	"github.com/kenji11/adforge/internal/domain"
	"github.com/kenji11/adforge/internal/media"
	"github.com/kenji11/adforge/internal/platform/logger"
	"github.com/kenji11/adforge/internal/progress"
)

// RunContext is the capability-scoped handle a phase runner receives —
// the equivalent of the teacher's runtime.Context, but split so that job
// mutation goes exclusively through Progress (the Channel), while the
// other fields are read-only infrastructure handles.
type RunContext struct {
	Ctx context.Context

	Job      *domain.Job
	BranchID uuid.UUID
	Progress *progress.Channel
	Log      *logger.Logger

	// CheckpointID is the phase's checkpoint row, created before the stage
	// body runs so every artifact it writes can be linked to it from the
	// start (see Engine.runPhase).
	CheckpointID uuid.UUID

	Checkpoints checkpointrepo.Repo
	Blob        blob.Store
	Media       *media.Processor

	Planner capability.Adapter
	Image   capability.Adapter
	Video   capability.Adapter
	Music   capability.Adapter

	StoryboardConcurrency int
	ChunkGroupConcurrency int
}

// StageRunner executes one pipeline phase and returns the JSON snapshot
// that becomes the phase's checkpoint payload.
type StageRunner interface {
	Name() string
	Run(rc *RunContext) (datatypes.JSON, error)
}

// Registry maps phase name to its StageRunner, letting the engine stay
// ignorant of the concrete stage implementations.
type Registry struct {
	runners map[string]StageRunner
}

func NewRegistry() *Registry { return &Registry{runners: map[string]StageRunner{}} }

func (r *Registry) Register(s StageRunner) { r.runners[s.Name()] = s }

func (r *Registry) Get(name string) (StageRunner, bool) {
	s, ok := r.runners[name]
	return s, ok
}

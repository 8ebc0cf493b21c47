package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/kenji11/adforge/internal/domain"
	"github.com/kenji11/adforge/internal/platform/dbctx"
)

// fakeJobRepo is an in-memory stand-in for jobrepo.Repo; engine tests only
// exercise UpdateFields/UpdateFieldsUnlessStatus, via the Progress Channel
// and the engine's own state saves.
type fakeJobRepo struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*domain.Job
}

func newFakeJobRepo(job *domain.Job) *fakeJobRepo {
	return &fakeJobRepo{jobs: map[uuid.UUID]*domain.Job{job.ID: job}}
}

func (f *fakeJobRepo) Create(dbc dbctx.Context, j *domain.Job) error { return nil }

func (f *fakeJobRepo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Job
	for _, id := range ids {
		if j, ok := f.jobs[id]; ok {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeJobRepo) ClaimNextRunnable(dbc dbctx.Context, maxAttempts int, retryDelay, staleRunning time.Duration) (*domain.Job, error) {
	return nil, nil
}

func (f *fakeJobRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	applyFields(j, fields)
	return nil
}

func (f *fakeJobRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, excludeStatuses []string, fields map[string]any) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return false, fmt.Errorf("job %s not found", id)
	}
	for _, s := range excludeStatuses {
		if string(j.Status) == s {
			return false, nil
		}
	}
	applyFields(j, fields)
	return true, nil
}

func (f *fakeJobRepo) Heartbeat(dbc dbctx.Context, id uuid.UUID) error { return nil }

func (f *fakeJobRepo) Delete(dbc dbctx.Context, id uuid.UUID) error { return nil }

func applyFields(j *domain.Job, fields map[string]any) {
	for k, v := range fields {
		switch k {
		case "result":
			j.Result = v.(datatypes.JSON)
		case "status":
			j.Status = v.(domain.JobStatus)
		case "stage":
			j.Stage = v.(string)
		case "progress":
			j.Progress = v.(int)
		case "message":
			j.Message = v.(string)
		case "error":
			j.Error = v.(string)
		}
	}
}

// fakeCheckpointRepo is an in-memory stand-in for checkpointrepo.Repo.
type fakeCheckpointRepo struct {
	mu          sync.Mutex
	checkpoints map[uuid.UUID]*domain.Checkpoint
}

func newFakeCheckpointRepo() *fakeCheckpointRepo {
	return &fakeCheckpointRepo{checkpoints: map[uuid.UUID]*domain.Checkpoint{}}
}

func (f *fakeCheckpointRepo) CreateBranch(dbc dbctx.Context, b *domain.Branch) error { return nil }
func (f *fakeCheckpointRepo) GetBranch(dbc dbctx.Context, id uuid.UUID) (*domain.Branch, error) {
	return nil, fmt.Errorf("not implemented")
}
func (f *fakeCheckpointRepo) ListBranchesForJob(dbc dbctx.Context, jobID uuid.UUID) ([]*domain.Branch, error) {
	return nil, nil
}

func (f *fakeCheckpointRepo) CreatePending(dbc dbctx.Context, jobID, branchID uuid.UUID, phase string, snapshot datatypes.JSON, parent *uuid.UUID) (*domain.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ckpt := &domain.Checkpoint{
		ID:        uuid.New(),
		JobID:     jobID,
		BranchID:  branchID,
		Phase:     phase,
		Version:   1,
		Status:    domain.CheckpointStatusPending,
		Snapshot:  snapshot,
		CreatedAt: time.Now().UTC(),
	}
	f.checkpoints[ckpt.ID] = ckpt
	return ckpt, nil
}

func (f *fakeCheckpointRepo) UpdateSnapshot(dbc dbctx.Context, checkpointID uuid.UUID, snapshot datatypes.JSON) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.checkpoints[checkpointID]
	if !ok {
		return fmt.Errorf("checkpoint %s not found", checkpointID)
	}
	c.Snapshot = snapshot
	return nil
}

func (f *fakeCheckpointRepo) HasBeenEdited(dbc dbctx.Context, checkpointID uuid.UUID) (bool, error) {
	return false, nil
}

func (f *fakeCheckpointRepo) GetPending(dbc dbctx.Context, jobID, branchID uuid.UUID, phase string) (*domain.Checkpoint, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeCheckpointRepo) Approve(dbc dbctx.Context, checkpointID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.checkpoints[checkpointID]
	if !ok {
		return fmt.Errorf("checkpoint %s not found", checkpointID)
	}
	c.Status = domain.CheckpointStatusApproved
	return nil
}

func (f *fakeCheckpointRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.checkpoints[id]
	if !ok {
		return nil, fmt.Errorf("checkpoint %s not found", id)
	}
	return c, nil
}

func (f *fakeCheckpointRepo) ListForBranch(dbc dbctx.Context, jobID, branchID uuid.UUID) ([]*domain.Checkpoint, error) {
	return nil, nil
}

func (f *fakeCheckpointRepo) CreateArtifact(dbc dbctx.Context, a *domain.Artifact) error { return nil }
func (f *fakeCheckpointRepo) NextArtifactVersion(dbc dbctx.Context, jobID, branchID uuid.UUID, kind domain.ArtifactKind, key string) (int, error) {
	return 1, nil
}
func (f *fakeCheckpointRepo) ListArtifacts(dbc dbctx.Context, checkpointID uuid.UUID) ([]*domain.Artifact, error) {
	return nil, nil
}
func (f *fakeCheckpointRepo) DeleteForJob(dbc dbctx.Context, jobID uuid.UUID) error { return nil }

// fakeCache is an in-memory stand-in for cache.Cache, enough to satisfy the
// Progress Channel's status mirror writes.
type fakeCache struct{}

func (fakeCache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	return nil
}
func (fakeCache) GetJSON(ctx context.Context, key string, out any) (bool, error) {
	return false, nil
}
func (fakeCache) Delete(ctx context.Context, key string) error { return nil }

// fakeStageRunner lets each test script a fixed Run outcome for one phase.
type fakeStageRunner struct {
	name    string
	runFn   func(rc *RunContext) (datatypes.JSON, error)
	calls   int
}

func (r *fakeStageRunner) Name() string { return r.name }

func (r *fakeStageRunner) Run(rc *RunContext) (datatypes.JSON, error) {
	r.calls++
	return r.runFn(rc)
}

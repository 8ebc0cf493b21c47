package jobsvc

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/kenji11/adforge/internal/domain"
	"github.com/kenji11/adforge/internal/platform/dbctx"
)

// fakeJobRepo is a minimal in-memory stand-in for jobrepo.Repo, enough to
// exercise jobsvc's use-case logic without a database.
type fakeJobRepo struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*domain.Job
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: map[uuid.UUID]*domain.Job{}}
}

func (f *fakeJobRepo) Create(dbc dbctx.Context, j *domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	cp := *j
	f.jobs[j.ID] = &cp
	return nil
}

func (f *fakeJobRepo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Job
	for _, id := range ids {
		if j, ok := f.jobs[id]; ok {
			cp := *j
			out = append(out, &cp)
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

func (f *fakeJobRepo) Delete(dbc dbctx.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.jobs, id)
	return nil
}

func applyFields(j *domain.Job, fields map[string]any) {
	for k, v := range fields {
		switch k {
		case "current_branch_id":
			id := v.(uuid.UUID)
			j.CurrentBranchID = &id
		case "current_checkpoint_id":
			id := v.(uuid.UUID)
			j.CurrentCheckpointID = &id
		case "status":
			j.Status = v.(domain.JobStatus)
		}
	}
}

// fakeCheckpointRepo is a minimal in-memory stand-in for checkpointrepo.Repo.
type fakeCheckpointRepo struct {
	mu          sync.Mutex
	branches    map[uuid.UUID]*domain.Branch
	checkpoints map[uuid.UUID]*domain.Checkpoint
	artifacts   []*domain.Artifact
}

func newFakeCheckpointRepo() *fakeCheckpointRepo {
	return &fakeCheckpointRepo{
		branches:    map[uuid.UUID]*domain.Branch{},
		checkpoints: map[uuid.UUID]*domain.Checkpoint{},
	}
}

func (f *fakeCheckpointRepo) CreateBranch(dbc dbctx.Context, b *domain.Branch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	cp := *b
	f.branches[b.ID] = &cp
	return nil
}

func (f *fakeCheckpointRepo) GetBranch(dbc dbctx.Context, id uuid.UUID) (*domain.Branch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.branches[id]
	if !ok {
		return nil, fmt.Errorf("branch %s not found", id)
	}
	cp := *b
	return &cp, nil
}

func (f *fakeCheckpointRepo) ListBranchesForJob(dbc dbctx.Context, jobID uuid.UUID) ([]*domain.Branch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Branch
	for _, b := range f.branches {
		if b.JobID == jobID {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeCheckpointRepo) CreatePending(dbc dbctx.Context, jobID, branchID uuid.UUID, phase string, snapshot datatypes.JSON, parent *uuid.UUID) (*domain.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	version := 1
	for _, c := range f.checkpoints {
		if c.JobID == jobID && c.BranchID == branchID && c.Phase == phase && c.Status == domain.CheckpointStatusPending {
			c.Status = domain.CheckpointStatusSuperseded
			version = c.Version + 1
			if parent == nil {
				id := c.ID
				parent = &id
			}
		}
	}
	ckpt := &domain.Checkpoint{
		ID:                 uuid.New(),
		JobID:              jobID,
		BranchID:           branchID,
		Phase:              phase,
		Version:            version,
		Status:             domain.CheckpointStatusPending,
		Snapshot:           snapshot,
		ParentCheckpointID: parent,
		CreatedAt:          time.Now().UTC(),
	}
	f.checkpoints[ckpt.ID] = ckpt
	cp := *ckpt
	return &cp, nil
}

func (f *fakeCheckpointRepo) GetPending(dbc dbctx.Context, jobID, branchID uuid.UUID, phase string) (*domain.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.checkpoints {
		if c.JobID == jobID && c.BranchID == branchID && c.Phase == phase && c.Status == domain.CheckpointStatusPending {
			cp := *c
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("no pending checkpoint")
}

func (f *fakeCheckpointRepo) Approve(dbc dbctx.Context, checkpointID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.checkpoints[checkpointID]
	if !ok {
		return fmt.Errorf("checkpoint %s not found", checkpointID)
	}
	c.Status = domain.CheckpointStatusApproved
	now := time.Now().UTC()
	c.ApprovedAt = &now
	return nil
}

func (f *fakeCheckpointRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.checkpoints[id]
	if !ok {
		return nil, fmt.Errorf("checkpoint %s not found", id)
	}
	cp := *c
	return &cp, nil
}

func (f *fakeCheckpointRepo) ListForBranch(dbc dbctx.Context, jobID, branchID uuid.UUID) ([]*domain.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Checkpoint
	for _, c := range f.checkpoints {
		if c.JobID == jobID && c.BranchID == branchID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
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

func (f *fakeCheckpointRepo) CreateArtifact(dbc dbctx.Context, a *domain.Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	cp := *a
	f.artifacts = append(f.artifacts, &cp)
	return nil
}

func (f *fakeCheckpointRepo) NextArtifactVersion(dbc dbctx.Context, jobID, branchID uuid.UUID, kind domain.ArtifactKind, key string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	max := 0
	for _, a := range f.artifacts {
		if a.JobID == jobID && a.BranchID == branchID && a.Kind == kind && a.Key == key && a.Version > max {
			max = a.Version
		}
	}
	return max + 1, nil
}

func (f *fakeCheckpointRepo) ListArtifacts(dbc dbctx.Context, checkpointID uuid.UUID) ([]*domain.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Artifact
	for _, a := range f.artifacts {
		if a.CheckpointID != nil && *a.CheckpointID == checkpointID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeCheckpointRepo) HasBeenEdited(dbc dbctx.Context, checkpointID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.artifacts {
		if a.CheckpointID != nil && *a.CheckpointID == checkpointID && a.Version > 1 {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeCheckpointRepo) DeleteForJob(dbc dbctx.Context, jobID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, c := range f.checkpoints {
		if c.JobID == jobID {
			delete(f.checkpoints, id)
		}
	}
	for id, b := range f.branches {
		if b.JobID == jobID {
			delete(f.branches, id)
		}
	}
	return nil
}

// fakeBlobStore is a minimal in-memory stand-in for blob.Store.
type fakeBlobStore struct {
	mu             sync.Mutex
	deletedPrefix  []string
}

func newFakeBlobStore() *fakeBlobStore { return &fakeBlobStore{} }

func (f *fakeBlobStore) Upload(ctx context.Context, path, contentType string, r io.Reader) (int64, error) {
	return 0, nil
}
func (f *fakeBlobStore) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	return nil, fmt.Errorf("not implemented")
}
func (f *fakeBlobStore) Delete(ctx context.Context, path string) error { return nil }
func (f *fakeBlobStore) DeletePrefix(ctx context.Context, prefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedPrefix = append(f.deletedPrefix, prefix)
	return nil
}
func (f *fakeBlobStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	return nil, nil
}
func (f *fakeBlobStore) SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	return "", nil
}

// fakeCache is a minimal in-memory stand-in for cache.Cache.
type fakeCache struct {
	mu      sync.Mutex
	deleted []string
}

func newFakeCache() *fakeCache { return &fakeCache{} }

func (f *fakeCache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	return nil
}
func (f *fakeCache) GetJSON(ctx context.Context, key string, out any) (bool, error) {
	return false, nil
}
func (f *fakeCache) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, key)
	return nil
}

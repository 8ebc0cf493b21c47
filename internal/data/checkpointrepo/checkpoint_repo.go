// Package checkpointrepo persists Checkpoint and Artifact rows and
// implements the versioning/branching rules: at most one pending checkpoint
// per (job, branch, phase), a re-run supersedes the pending one with a new
// version, snapshot edits update in place, forks start a new branch.
package checkpointrepo

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/kenji11/adforge/internal/domain"
	"github.com/kenji11/adforge/internal/platform/dbctx"
)

type Repo interface {
	CreateBranch(dbc dbctx.Context, b *domain.Branch) error
	GetBranch(dbc dbctx.Context, id uuid.UUID) (*domain.Branch, error)
	ListBranchesForJob(dbc dbctx.Context, jobID uuid.UUID) ([]*domain.Branch, error)

	// CreatePending inserts the first or next version of a checkpoint for
	// the given (job, branch, phase). If a pending checkpoint already
	// exists for that triple, it is superseded first.
	CreatePending(dbc dbctx.Context, jobID, branchID uuid.UUID, phase string, snapshot datatypes.JSON, parent *uuid.UUID) (*domain.Checkpoint, error)
	// UpdateSnapshot overwrites a checkpoint's snapshot in place. Used by the
	// orchestrator once the stage body finishes, since the checkpoint row is
	// created before the stage runs (so its artifacts can reference it).
	UpdateSnapshot(dbc dbctx.Context, checkpointID uuid.UUID, snapshot datatypes.JSON) error
	GetPending(dbc dbctx.Context, jobID, branchID uuid.UUID, phase string) (*domain.Checkpoint, error)
	Approve(dbc dbctx.Context, checkpointID uuid.UUID) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Checkpoint, error)
	ListForBranch(dbc dbctx.Context, jobID, branchID uuid.UUID) ([]*domain.Checkpoint, error)

	CreateArtifact(dbc dbctx.Context, a *domain.Artifact) error
	NextArtifactVersion(dbc dbctx.Context, jobID, branchID uuid.UUID, kind domain.ArtifactKind, key string) (int, error)
	ListArtifacts(dbc dbctx.Context, checkpointID uuid.UUID) ([]*domain.Artifact, error)

	// HasBeenEdited reports whether the checkpoint carries any artifact at
	// version > 1, i.e. whether its output was edited or regenerated after
	// the stage first produced it (spec.md §4.1's fork trigger).
	HasBeenEdited(dbc dbctx.Context, checkpointID uuid.UUID) (bool, error)

	// DeleteForJob removes every branch, checkpoint, and artifact row
	// belonging to jobID, in a single transaction.
	DeleteForJob(dbc dbctx.Context, jobID uuid.UUID) error
}

type repo struct {
	db *gorm.DB
}

func New(db *gorm.DB) Repo {
	return &repo{db: db}
}

func (r *repo) CreateBranch(dbc dbctx.Context, b *domain.Branch) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return dbc.DB(r.db).Create(b).Error
}

func (r *repo) GetBranch(dbc dbctx.Context, id uuid.UUID) (*domain.Branch, error) {
	var b domain.Branch
	if err := dbc.DB(r.db).Where("id = ?", id).First(&b).Error; err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *repo) ListBranchesForJob(dbc dbctx.Context, jobID uuid.UUID) ([]*domain.Branch, error) {
	var rows []*domain.Branch
	err := dbc.DB(r.db).Where("job_id = ?", jobID).Order("created_at ASC").Find(&rows).Error
	return rows, err
}

func (r *repo) CreatePending(dbc dbctx.Context, jobID, branchID uuid.UUID, phase string, snapshot datatypes.JSON, parent *uuid.UUID) (*domain.Checkpoint, error) {
	var created *domain.Checkpoint
	err := dbc.DB(r.db).Transaction(func(tx *gorm.DB) error {
		var existing domain.Checkpoint
		err := tx.Where("job_id = ? AND branch_id = ? AND phase = ? AND status = ?",
			jobID, branchID, phase, domain.CheckpointStatusPending).First(&existing).Error
		version := 1
		switch {
		case err == nil:
			if e := tx.Model(&existing).Update("status", domain.CheckpointStatusSuperseded).Error; e != nil {
				return e
			}
			version = existing.Version + 1
			if parent == nil {
				parent = &existing.ID
			}
		case err != gorm.ErrRecordNotFound:
			return err
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
		if err := tx.Create(ckpt).Error; err != nil {
			return err
		}
		created = ckpt
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create pending checkpoint: %w", err)
	}
	return created, nil
}

func (r *repo) UpdateSnapshot(dbc dbctx.Context, checkpointID uuid.UUID, snapshot datatypes.JSON) error {
	return dbc.DB(r.db).Model(&domain.Checkpoint{}).Where("id = ?", checkpointID).
		Update("snapshot", snapshot).Error
}

func (r *repo) GetPending(dbc dbctx.Context, jobID, branchID uuid.UUID, phase string) (*domain.Checkpoint, error) {
	var c domain.Checkpoint
	err := dbc.DB(r.db).Where("job_id = ? AND branch_id = ? AND phase = ? AND status = ?",
		jobID, branchID, phase, domain.CheckpointStatusPending).First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *repo) Approve(dbc dbctx.Context, checkpointID uuid.UUID) error {
	now := time.Now().UTC()
	return dbc.DB(r.db).Model(&domain.Checkpoint{}).Where("id = ?", checkpointID).
		Updates(map[string]any{"status": domain.CheckpointStatusApproved, "approved_at": now}).Error
}

func (r *repo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Checkpoint, error) {
	var c domain.Checkpoint
	if err := dbc.DB(r.db).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *repo) ListForBranch(dbc dbctx.Context, jobID, branchID uuid.UUID) ([]*domain.Checkpoint, error) {
	var rows []*domain.Checkpoint
	err := dbc.DB(r.db).Where("job_id = ? AND branch_id = ?", jobID, branchID).
		Order("created_at ASC").Find(&rows).Error
	return rows, err
}

func (r *repo) CreateArtifact(dbc dbctx.Context, a *domain.Artifact) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return dbc.DB(r.db).Create(a).Error
}

func (r *repo) NextArtifactVersion(dbc dbctx.Context, jobID, branchID uuid.UUID, kind domain.ArtifactKind, key string) (int, error) {
	var maxVersion int
	err := dbc.DB(r.db).Model(&domain.Artifact{}).
		Where("job_id = ? AND branch_id = ? AND kind = ? AND key = ?", jobID, branchID, kind, key).
		Select("COALESCE(MAX(version), 0)").Scan(&maxVersion).Error
	if err != nil {
		return 0, err
	}
	return maxVersion + 1, nil
}

func (r *repo) ListArtifacts(dbc dbctx.Context, checkpointID uuid.UUID) ([]*domain.Artifact, error) {
	var rows []*domain.Artifact
	err := dbc.DB(r.db).Where("checkpoint_id = ?", checkpointID).Order("created_at ASC").Find(&rows).Error
	return rows, err
}

func (r *repo) HasBeenEdited(dbc dbctx.Context, checkpointID uuid.UUID) (bool, error) {
	var count int64
	err := dbc.DB(r.db).Model(&domain.Artifact{}).
		Where("checkpoint_id = ? AND version > 1", checkpointID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repo) DeleteForJob(dbc dbctx.Context, jobID uuid.UUID) error {
	return dbc.DB(r.db).Transaction(func(tx *gorm.DB) error {
		if err := tx.Unscoped().Where("job_id = ?", jobID).Delete(&domain.Artifact{}).Error; err != nil {
			return err
		}
		if err := tx.Unscoped().Where("job_id = ?", jobID).Delete(&domain.Checkpoint{}).Error; err != nil {
			return err
		}
		return tx.Unscoped().Where("job_id = ?", jobID).Delete(&domain.Branch{}).Error
	})
}

// Package jobrepo persists Job rows and implements the claim-based queue
// contract: workers pull the next runnable job with SELECT ... FOR UPDATE
// SKIP LOCKED so multiple worker processes can share one queue safely.
package jobrepo

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kenji11/adforge/internal/domain"
	"github.com/kenji11/adforge/internal/platform/dbctx"
)

type Repo interface {
	Create(dbc dbctx.Context, j *domain.Job) error
	GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.Job, error)
	ClaimNextRunnable(dbc dbctx.Context, maxAttempts int, retryDelay, staleRunning time.Duration) (*domain.Job, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, fields map[string]any) error
	UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, excludeStatuses []string, fields map[string]any) (bool, error)
	Heartbeat(dbc dbctx.Context, id uuid.UUID) error
	Delete(dbc dbctx.Context, id uuid.UUID) error
}

type repo struct {
	db *gorm.DB
}

func New(db *gorm.DB) Repo {
	return &repo{db: db}
}

func (r *repo) Create(dbc dbctx.Context, j *domain.Job) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	return dbc.DB(r.db).Create(j).Error
}

func (r *repo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.Job, error) {
	var rows []*domain.Job
	if err := dbc.DB(r.db).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ClaimNextRunnable atomically picks the oldest eligible job: queued jobs,
// or running jobs whose heartbeat has gone stale, or failed jobs still
// under their retry budget whose retry delay has elapsed.
func (r *repo) ClaimNextRunnable(dbc dbctx.Context, maxAttempts int, retryDelay, staleRunning time.Duration) (*domain.Job, error) {
	var claimed *domain.Job
	now := time.Now().UTC()
	staleCutoff := now.Add(-staleRunning)
	retryCutoff := now.Add(-retryDelay)

	err := dbc.DB(r.db).Transaction(func(tx *gorm.DB) error {
		var j domain.Job
		q := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ?", domain.JobStatusQueued).
			Or("status = ? AND heartbeat_at < ?", domain.JobStatusRunning, staleCutoff).
			Or("status = ? AND attempts < ? AND last_error_at < ?", domain.JobStatusFailed, maxAttempts, retryCutoff).
			Order("created_at ASC").
			Limit(1)
		if err := q.First(&j).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return nil
			}
			return err
		}
		updates := map[string]any{
			"status":       domain.JobStatusRunning,
			"attempts":     gorm.Expr("attempts + 1"),
			"locked_at":    now,
			"heartbeat_at": now,
			"updated_at":   now,
		}
		if err := tx.Model(&domain.Job{}).Where("id = ?", j.ID).Updates(updates).Error; err != nil {
			return err
		}
		j.Status = domain.JobStatusRunning
		j.LockedAt = &now
		j.HeartbeatAt = &now
		claimed = &j
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim next runnable: %w", err)
	}
	return claimed, nil
}

func (r *repo) UpdateFields(dbc dbctx.Context, id uuid.UUID, fields map[string]any) error {
	return dbc.DB(r.db).Model(&domain.Job{}).Where("id = ?", id).Updates(fields).Error
}

// UpdateFieldsUnlessStatus applies fields unless the row's current status
// is in excludeStatuses (e.g. never un-cancel a canceled job via a stale
// progress write). Returns whether the update was applied.
func (r *repo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, excludeStatuses []string, fields map[string]any) (bool, error) {
	res := dbc.DB(r.db).Model(&domain.Job{}).
		Where("id = ? AND status NOT IN ?", id, excludeStatuses).
		Updates(fields)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) Heartbeat(dbc dbctx.Context, id uuid.UUID) error {
	return dbc.DB(r.db).Model(&domain.Job{}).Where("id = ?", id).
		Update("heartbeat_at", time.Now().UTC()).Error
}

func (r *repo) Delete(dbc dbctx.Context, id uuid.UUID) error {
	return dbc.DB(r.db).Unscoped().Where("id = ?", id).Delete(&domain.Job{}).Error
}

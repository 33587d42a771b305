// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Task model.
//
// Status changes go exclusively through TransitionTask, a single conditional
// UPDATE guarded on the currently stored status. Two writers racing to move
// the same task out of a status can therefore never both succeed.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-credits-backend/internal/domain"
)

// ErrDuplicate indicates that a row with the same unique key already exists.
var ErrDuplicate = errors.New("duplicate")

// CreateTask inserts a new task. A provider job id that is already bound to
// another task yields ErrDuplicate.
func CreateTask(ctx context.Context, db *gorm.DB, t *domain.Task) error {
	if err := db.WithContext(ctx).Create(t).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetTask fetches a task by its public number or returns ErrNotFound.
func GetTask(ctx context.Context, db *gorm.DB, taskNo string) (*domain.Task, error) {
	var t domain.Task
	if err := db.WithContext(ctx).Where("task_no = ?", taskNo).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTaskByProviderID fetches a task by the provider-assigned job id.
func GetTaskByProviderID(ctx context.Context, db *gorm.DB, providerTaskID string) (*domain.Task, error) {
	var t domain.Task
	if err := db.WithContext(ctx).Where("task_id = ?", providerTaskID).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// TransitionTask applies updates to the task only if its stored status still
// equals expected. The returned bool reports whether this call won; false
// with a nil error means another writer moved the task first (or it does not
// exist). updates must include the "status" column when the status changes.
func TransitionTask(ctx context.Context, db *gorm.DB, taskNo, expected string, updates map[string]any) (bool, error) {
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	res := db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("task_no = ? AND status = ?", taskNo, expected).
		Updates(updates)
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return false, ErrDuplicate
		}
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// TransitionUnboundTask is TransitionTask restricted to rows that have no
// provider job bound yet (task_id IS NULL). It guards the window between
// claiming a start and recording the submitted job.
func TransitionUnboundTask(ctx context.Context, db *gorm.DB, taskNo, expected string, updates map[string]any) (bool, error) {
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	res := db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("task_no = ? AND status = ? AND task_id IS NULL", taskNo, expected).
		Updates(updates)
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return false, ErrDuplicate
		}
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// CountTasks returns the number of tasks owned by userID.
func CountTasks(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Model(&domain.Task{}).Where("user_id = ?", userID).Count(&total).Error
	return total, err
}

// ListTasksPage returns a page of tasks owned by userID, newest first.
func ListTasksPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Task, error) {
	var out []domain.Task
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CreateWebhookLog durably records a provider callback and its outcome.
func CreateWebhookLog(ctx context.Context, db *gorm.DB, providerTaskID string, payload []byte, result, errMsg string) (*domain.WebhookLog, error) {
	rec := &domain.WebhookLog{
		ID:             uuid.NewString(),
		ProviderTaskID: providerTaskID,
		Payload:        string(payload),
		Result:         result,
		Error:          errMsg,
		CreatedAt:      time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, err
	}
	return rec, nil
}

// RecordOrphanedJob stores an accepted-but-uncommitted provider job. Repeated
// calls for the same provider id keep the first row.
func RecordOrphanedJob(ctx context.Context, db *gorm.DB, job *domain.OrphanedJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider_task_id"}},
			DoNothing: true,
		}).
		Create(job).Error
}

// ListOrphanedJobs returns unresolved orphaned jobs, oldest first.
func ListOrphanedJobs(ctx context.Context, db *gorm.DB, limit int) ([]domain.OrphanedJob, error) {
	var out []domain.OrphanedJob
	err := db.WithContext(ctx).
		Where("resolved = ?", false).
		Order("created_at asc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

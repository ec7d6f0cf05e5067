package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/steemit/hivefeed/internal/models"
)

// JobRepository persists fan-out jobs and their dead letters
type JobRepository struct {
	*Repository
}

// NewJobRepository creates a new job repository
func NewJobRepository(repo *Repository) *JobRepository {
	return &JobRepository{Repository: repo}
}

// Create inserts a pending job for postID
func (r *JobRepository) Create(ctx context.Context, postID, kind string) (*models.FanoutJob, error) {
	job := &models.FanoutJob{
		ID:     uuid.NewString(),
		PostID: postID,
		Kind:   kind,
		Status: models.JobStatusPending,
	}
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, err
	}
	return job, nil
}

// Get retrieves a job by id. It returns nil, nil when the job does not
// exist.
func (r *JobRepository) Get(ctx context.Context, id string) (*models.FanoutJob, error) {
	var job models.FanoutJob
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

// Claim moves a pending job to processing. It reports false when another
// worker got there first or the job is no longer pending.
func (r *JobRepository) Claim(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.FanoutJob{}).
		Where("id = ? AND status = ?", id, models.JobStatusPending).
		Updates(map[string]interface{}{
			"status":     models.JobStatusProcessing,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// RecordAttempt stores the attempt count and the error of the last attempt
func (r *JobRepository) RecordAttempt(ctx context.Context, id string, attempts int, lastErr string) error {
	return r.db.WithContext(ctx).
		Model(&models.FanoutJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"attempts":   attempts,
			"last_error": lastErr,
			"updated_at": time.Now().UTC(),
		}).Error
}

// MarkDone completes a job
func (r *JobRepository) MarkDone(ctx context.Context, id string, attempts int) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).
		Model(&models.FanoutJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       models.JobStatusDone,
			"attempts":     attempts,
			"last_error":   "",
			"updated_at":   now,
			"processed_at": now,
		}).Error
}

// MarkDead marks the job dead and writes its dead letter in one transaction
func (r *JobRepository) MarkDead(ctx context.Context, job *models.FanoutJob, attempts int, cause string) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.FanoutJob{}).
			Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"status":       models.JobStatusDead,
				"attempts":     attempts,
				"last_error":   cause,
				"updated_at":   now,
				"processed_at": now,
			}).Error; err != nil {
			return err
		}
		letter := &models.DeadLetter{
			ID:       uuid.NewString(),
			JobID:    job.ID,
			PostID:   job.PostID,
			Kind:     job.Kind,
			Attempts: attempts,
			Error:    cause,
			FailedAt: now,
		}
		return tx.Create(letter).Error
	})
}

// Release hands a claimed job back to the pending pool
func (r *JobRepository) Release(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).
		Model(&models.FanoutJob{}).
		Where("id = ? AND status = ?", id, models.JobStatusProcessing).
		Updates(map[string]interface{}{
			"status":     models.JobStatusPending,
			"updated_at": time.Now().UTC(),
		}).Error
}

// ListPending returns pending jobs created before olderThan, oldest first
func (r *JobRepository) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*models.FanoutJob, error) {
	var jobs []*models.FanoutJob
	if err := r.db.WithContext(ctx).
		Where("status = ? AND created_at <= ?", models.JobStatusPending, olderThan.UTC()).
		Order("created_at ASC").
		Limit(limit).
		Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// ResetStale returns processing jobs untouched since before to pending.
// This recovers jobs whose worker died mid-run.
func (r *JobRepository) ResetStale(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&models.FanoutJob{}).
		Where("status = ? AND updated_at < ?", models.JobStatusProcessing, before.UTC()).
		Updates(map[string]interface{}{
			"status":     models.JobStatusPending,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// ListDeadLetters returns the most recent dead letters
func (r *JobRepository) ListDeadLetters(ctx context.Context, limit int) ([]*models.DeadLetter, error) {
	var letters []*models.DeadLetter
	if err := r.db.WithContext(ctx).
		Order("failed_at DESC").
		Limit(limit).
		Find(&letters).Error; err != nil {
		return nil, err
	}
	return letters, nil
}

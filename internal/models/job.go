package models

import (
	"time"
)

// Fan-out job kinds
const (
	JobKindCreated    = "created"
	JobKindEngagement = "engagement"
	JobKindReconcile  = "reconcile"
)

// Fan-out job states
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusDone       = "done"
	JobStatusDead       = "dead"
)

// FanoutJob is the durable record behind a queued fan-out. A job stays
// pending until a worker claims it, so jobs survive restarts and a full
// in-memory queue.
type FanoutJob struct {
	ID          string     `gorm:"primaryKey;type:varchar(36);column:id"`
	PostID      string     `gorm:"type:varchar(36);not null;index:idx_fanout_jobs_post;column:post_id"`
	Kind        string     `gorm:"type:varchar(16);not null;column:kind"`
	Status      string     `gorm:"type:varchar(16);not null;index:idx_fanout_jobs_status_created,priority:1;column:status"`
	Attempts    int        `gorm:"not null;default:0;column:attempts"`
	LastError   string     `gorm:"type:text;not null;default:'';column:last_error"`
	CreatedAt   time.Time  `gorm:"not null;index:idx_fanout_jobs_status_created,priority:2;column:created_at"`
	UpdatedAt   time.Time  `gorm:"not null;column:updated_at"`
	ProcessedAt *time.Time `gorm:"column:processed_at"`
}

// TableName specifies the table name for FanoutJob
func (FanoutJob) TableName() string {
	return "fanout_jobs"
}

// DeadLetter keeps a fan-out that exhausted its retries for operator review
type DeadLetter struct {
	ID       string    `gorm:"primaryKey;type:varchar(36);column:id"`
	JobID    string    `gorm:"type:varchar(36);not null;uniqueIndex;column:job_id"`
	PostID   string    `gorm:"type:varchar(36);not null;index;column:post_id"`
	Kind     string    `gorm:"type:varchar(16);not null;column:kind"`
	Attempts int       `gorm:"not null;column:attempts"`
	Error    string    `gorm:"type:text;not null;column:error"`
	FailedAt time.Time `gorm:"not null;index;column:failed_at"`
}

// TableName specifies the table name for DeadLetter
func (DeadLetter) TableName() string {
	return "fanout_dead_letters"
}

// All returns every model the service migrates
func All() []interface{} {
	return []interface{}{
		&User{}, &Interest{}, &UserInterest{}, &Follow{},
		&Post{}, &PostInterest{}, &Poll{}, &Like{}, &PollVote{},
		&FeedEntry{}, &FanoutJob{}, &DeadLetter{},
	}
}

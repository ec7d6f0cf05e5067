package models

import (
	"time"
)

// Follow represents a follow edge: FollowerID follows FolloweeID.
type Follow struct {
	FollowerID string    `gorm:"primaryKey;type:varchar(36);column:follower_id"`
	FolloweeID string    `gorm:"primaryKey;type:varchar(36);index:idx_follows_followee;column:followee_id"`
	CreatedAt  time.Time `gorm:"not null;column:created_at"`
}

// TableName specifies the table name for Follow
func (Follow) TableName() string {
	return "follows"
}

package models

import (
	"time"
)

// Like records that a user liked a post
type Like struct {
	UserID    string    `gorm:"primaryKey;type:varchar(36);column:user_id"`
	PostID    string    `gorm:"primaryKey;type:varchar(36);index:idx_likes_post;column:post_id"`
	CreatedAt time.Time `gorm:"not null;column:created_at"`
}

// TableName specifies the table name for Like
func (Like) TableName() string {
	return "likes"
}

// PollVote records the option a user picked on a poll post
type PollVote struct {
	UserID      string    `gorm:"primaryKey;type:varchar(36);column:user_id"`
	PostID      string    `gorm:"primaryKey;type:varchar(36);index:idx_poll_votes_post;column:post_id"`
	OptionIndex int       `gorm:"not null;column:option_index"`
	CreatedAt   time.Time `gorm:"not null;column:created_at"`
}

// TableName specifies the table name for PollVote
func (PollVote) TableName() string {
	return "poll_votes"
}

package models

import (
	"time"

	"gorm.io/datatypes"
)

// Feed entry sources
const (
	SourceInterest    = "interest"
	SourceFollower    = "follower"
	SourceTrending    = "trending"
	SourceLocation    = "location"
	SourceRecommended = "recommended"
)

// FeedMetadata explains how an entry's score was composed
type FeedMetadata struct {
	InterestMatch    bool    `json:"interestMatch"`
	MatchedInterests int     `json:"matchedInterests"`
	FollowerBoost    float64 `json:"followerBoost"`
	EngagementBoost  float64 `json:"engagementBoost"`
}

// FeedEntry is one materialized row of a user's feed. (user_id, post_id) is
// unique: fan-out upserts on that key and never inserts a second row.
//
// CreatedAt is written on insert only and carries the post's creation time,
// which makes it the recency tie-break for equal scores.
type FeedEntry struct {
	ID        string                           `gorm:"primaryKey;type:varchar(36);column:id"`
	UserID    string                           `gorm:"type:varchar(36);not null;uniqueIndex:ux_feed_entries_user_post,priority:1;index:idx_feed_entries_user_score,priority:1;column:user_id"`
	PostID    string                           `gorm:"type:varchar(36);not null;uniqueIndex:ux_feed_entries_user_post,priority:2;index:idx_feed_entries_post;column:post_id"`
	Score     float64                          `gorm:"not null;default:0;index:idx_feed_entries_user_score,sort:desc,priority:2;column:score"`
	Source    string                           `gorm:"type:varchar(16);not null;column:source"`
	Metadata  datatypes.JSONType[FeedMetadata] `gorm:"column:metadata"`
	CreatedAt time.Time                        `gorm:"not null;index:idx_feed_entries_user_score,sort:desc,priority:3;column:created_at"`
	UpdatedAt time.Time                        `gorm:"not null;column:updated_at"`
}

// TableName specifies the table name for FeedEntry
func (FeedEntry) TableName() string {
	return "feed_entries"
}

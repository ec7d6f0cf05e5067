package models

import (
	"database/sql"
	"time"

	"gorm.io/datatypes"
)

// Post types
const (
	PostTypeText  = "text"
	PostTypeImage = "image"
	PostTypeVideo = "video"
	PostTypePoll  = "poll"
)

// PostTypes lists every accepted post type
var PostTypes = []string{PostTypeText, PostTypeImage, PostTypeVideo, PostTypePoll}

// Post represents a post as written by the post service. The counters are
// adjusted by the interaction endpoints; fan-out only reads them.
type Post struct {
	ID            string                      `gorm:"primaryKey;type:varchar(36);column:id"`
	AuthorID      string                      `gorm:"type:varchar(36);not null;index:idx_posts_author;column:author_id"`
	Type          string                      `gorm:"type:varchar(16);not null;default:'text';index:idx_posts_type;column:type"`
	Content       string                      `gorm:"type:text;not null;default:'';column:content"`
	Media         datatypes.JSONSlice[string] `gorm:"column:media"`
	TaggedUsers   datatypes.JSONSlice[string] `gorm:"column:tagged_users"`
	LikesCount    int64                       `gorm:"not null;default:0;column:likes_count"`
	CommentsCount int64                       `gorm:"not null;default:0;column:comments_count"`
	SharesCount   int64                       `gorm:"not null;default:0;column:shares_count"`
	ViewsCount    int64                       `gorm:"not null;default:0;column:views_count"`
	IsActive      bool                        `gorm:"not null;default:true;index:idx_posts_active;column:is_active"`
	RepostedByID  sql.NullString              `gorm:"type:varchar(36);column:reposted_by_id"`
	CreatedAt     time.Time                   `gorm:"not null;column:created_at"`
	UpdatedAt     time.Time                   `gorm:"not null;column:updated_at"`

	// Interests is filled by the repository from post_interests, in
	// position order.
	Interests []string `gorm:"-"`
}

// TableName specifies the table name for Post
func (Post) TableName() string {
	return "posts"
}

// PostInterest represents a post-to-interest mapping
type PostInterest struct {
	PostID     string `gorm:"primaryKey;type:varchar(36);column:post_id"`
	InterestID string `gorm:"primaryKey;type:varchar(36);column:interest_id"`
	Position   int    `gorm:"not null;default:0;column:position"`
}

// TableName specifies the table name for PostInterest
func (PostInterest) TableName() string {
	return "post_interests"
}

// PollOption is one choice of a poll together with its cached vote count
type PollOption struct {
	Text  string `json:"text"`
	Votes int64  `json:"votes"`
}

// Poll holds the question and cached tallies for a poll post
type Poll struct {
	PostID     string                          `gorm:"primaryKey;type:varchar(36);column:post_id"`
	Question   string                          `gorm:"type:varchar(500);not null;column:question"`
	Options    datatypes.JSONSlice[PollOption] `gorm:"column:options"`
	TotalVotes int64                           `gorm:"not null;default:0;column:total_votes"`
}

// TableName specifies the table name for Poll
func (Poll) TableName() string {
	return "polls"
}

package models

import (
	"time"
)

// User is the subset of the account record the feed engine reads. Users are
// owned by the profile service; nothing in this module writes them outside
// of tests and seeding.
type User struct {
	ID             string    `gorm:"primaryKey;type:varchar(36);column:id"`
	Name           string    `gorm:"type:varchar(100);not null;default:'';column:name"`
	Username       string    `gorm:"type:varchar(50);not null;uniqueIndex:ux_users_username;column:username"`
	Avatar         string    `gorm:"type:varchar(1024);not null;default:'';column:avatar"`
	FollowersCount int64     `gorm:"not null;default:0;column:followers_count"`
	FollowingCount int64     `gorm:"not null;default:0;column:following_count"`
	IsActive       bool      `gorm:"not null;default:true;column:is_active"`
	CreatedAt      time.Time `gorm:"not null;column:created_at"`
}

// TableName specifies the table name for User
func (User) TableName() string {
	return "users"
}

// Interest is a topic tag shared by users and posts
type Interest struct {
	ID   string `gorm:"primaryKey;type:varchar(36);column:id"`
	Name string `gorm:"type:varchar(64);not null;uniqueIndex:ux_interests_name;column:name"`
}

// TableName specifies the table name for Interest
func (Interest) TableName() string {
	return "interests"
}

// UserInterest maps a user to one of their interests
type UserInterest struct {
	UserID     string `gorm:"primaryKey;type:varchar(36);column:user_id"`
	InterestID string `gorm:"primaryKey;type:varchar(36);index:idx_user_interests_interest;column:interest_id"`
}

// TableName specifies the table name for UserInterest
func (UserInterest) TableName() string {
	return "user_interests"
}

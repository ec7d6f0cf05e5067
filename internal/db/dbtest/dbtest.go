// Package dbtest opens migrated in-memory databases and seeds fixtures for
// tests across packages.
package dbtest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"

	"github.com/steemit/hivefeed/internal/db"
	"github.com/steemit/hivefeed/internal/models"
)

// New opens a fresh sqlite in-memory database with every table migrated.
// A single connection is used so all queries see the same database.
func New(t testing.TB) *db.DB {
	t.Helper()
	database, err := db.Open(sqlite.Open(":memory:"), "error")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := database.DB.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := database.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	return database
}

// Fixtures seeds users, interests, follows and posts directly through the
// repositories.
type Fixtures struct {
	t         testing.TB
	Users     *db.UserRepository
	Posts     *db.PostRepository
	Follows   *db.FollowRepository
	Interests *db.InterestRepository
	Actions   *db.InteractionRepository
	Feed      *db.FeedRepository
	Jobs      *db.JobRepository
}

// NewFixtures wraps database with seeding helpers
func NewFixtures(t testing.TB, database *db.DB) *Fixtures {
	repo := db.NewRepository(database.DB)
	return &Fixtures{
		t:         t,
		Users:     db.NewUserRepository(repo),
		Posts:     db.NewPostRepository(repo),
		Follows:   db.NewFollowRepository(repo),
		Interests: db.NewInterestRepository(repo),
		Actions:   db.NewInteractionRepository(repo),
		Feed:      db.NewFeedRepository(repo),
		Jobs:      db.NewJobRepository(repo),
	}
}

// Interest creates an interest named name and returns its id
func (f *Fixtures) Interest(name string) string {
	f.t.Helper()
	interest := &models.Interest{ID: uuid.NewString(), Name: name}
	if err := f.Interests.Create(context.Background(), interest); err != nil {
		f.t.Fatalf("seed interest %s: %v", name, err)
	}
	return interest.ID
}

// User creates an active user holding interestIDs and returns its id
func (f *Fixtures) User(username string, interestIDs ...string) string {
	f.t.Helper()
	ctx := context.Background()
	user := &models.User{
		ID:       uuid.NewString(),
		Name:     fmt.Sprintf("User %s", username),
		Username: username,
		Avatar:   fmt.Sprintf("https://cdn.example.com/%s.png", username),
		IsActive: true,
	}
	if err := f.Users.Create(ctx, user); err != nil {
		f.t.Fatalf("seed user %s: %v", username, err)
	}
	if err := f.Users.SetInterests(ctx, user.ID, interestIDs); err != nil {
		f.t.Fatalf("seed interests for %s: %v", username, err)
	}
	return user.ID
}

// Follow makes follower follow followee
func (f *Fixtures) Follow(followerID, followeeID string) {
	f.t.Helper()
	if err := f.Follows.Create(context.Background(), followerID, followeeID); err != nil {
		f.t.Fatalf("seed follow: %v", err)
	}
}

// PostOption customizes a seeded post
type PostOption func(*models.Post)

// WithType sets the post type
func WithType(postType string) PostOption {
	return func(p *models.Post) { p.Type = postType }
}

// WithEngagement sets the likes and comments counters
func WithEngagement(likes, comments int64) PostOption {
	return func(p *models.Post) {
		p.LikesCount = likes
		p.CommentsCount = comments
	}
}

// WithCreatedAt sets the post creation time
func WithCreatedAt(at time.Time) PostOption {
	return func(p *models.Post) { p.CreatedAt = at }
}

// Post creates an active post by authorID tagged with interestIDs
func (f *Fixtures) Post(authorID string, interestIDs []string, opts ...PostOption) *models.Post {
	f.t.Helper()
	post := &models.Post{
		ID:       uuid.NewString(),
		AuthorID: authorID,
		Type:     models.PostTypeText,
		Content:  "hello",
		IsActive: true,
	}
	for _, opt := range opts {
		opt(post)
	}
	if err := f.Posts.Create(context.Background(), post, interestIDs); err != nil {
		f.t.Fatalf("seed post: %v", err)
	}
	return post
}

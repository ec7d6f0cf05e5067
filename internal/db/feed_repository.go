package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/steemit/hivefeed/internal/models"
)

// DefaultUpsertBatchSize is used when BulkUpsert gets a non-positive batch
// size.
const DefaultUpsertBatchSize = 500

// PartialWriteError reports a bulk upsert that failed after some chunks
// had already been committed. Committed rows are not rolled back.
type PartialWriteError struct {
	Written int
	Total   int
	Err     error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("feed upsert failed after %d of %d entries: %v", e.Written, e.Total, e.Err)
}

func (e *PartialWriteError) Unwrap() error {
	return e.Err
}

// FeedStats summarizes the materialized feed table
type FeedStats struct {
	TotalEntries int64
	UniqueUsers  int64
	UniquePosts  int64
}

// FeedRepository provides access to the materialized feed
type FeedRepository struct {
	*Repository
}

// NewFeedRepository creates a new feed repository
func NewFeedRepository(repo *Repository) *FeedRepository {
	return &FeedRepository{Repository: repo}
}

// upsertClause overwrites the scoring columns of an existing (user_id,
// post_id) row. id and created_at keep their first-insert values.
var upsertClause = clause.OnConflict{
	Columns:   []clause.Column{{Name: "user_id"}, {Name: "post_id"}},
	DoUpdates: clause.AssignmentColumns([]string{"score", "source", "metadata", "updated_at"}),
}

// UpsertChunk writes one chunk of entries in a single statement.
func (r *FeedRepository) UpsertChunk(ctx context.Context, entries []models.FeedEntry) error {
	if len(entries) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for i := range entries {
		if entries[i].ID == "" {
			entries[i].ID = uuid.NewString()
		}
		entries[i].UpdatedAt = now
		if entries[i].CreatedAt.IsZero() {
			entries[i].CreatedAt = now
		}
	}
	return r.db.WithContext(ctx).Clauses(upsertClause).Create(&entries).Error
}

// BulkUpsert writes entries in chunks of batchSize. Each chunk commits on its
// own; when a chunk fails the returned *PartialWriteError carries how many
// entries were written before it.
func (r *FeedRepository) BulkUpsert(ctx context.Context, entries []models.FeedEntry, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = DefaultUpsertBatchSize
	}
	written := 0
	for start := 0; start < len(entries); start += batchSize {
		end := start + batchSize
		if end > len(entries) {
			end = len(entries)
		}
		if err := r.UpsertChunk(ctx, entries[start:end]); err != nil {
			return written, &PartialWriteError{Written: written, Total: len(entries), Err: err}
		}
		written += end - start
	}
	return written, nil
}

// Get retrieves a single entry. It returns nil, nil when the pair has no
// entry.
func (r *FeedRepository) Get(ctx context.Context, userID, postID string) (*models.FeedEntry, error) {
	var entry models.FeedEntry
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND post_id = ?", userID, postID).
		First(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

// ListForUser returns one page of the user's feed. Ordering is total:
// score, then recency, then post id.
func (r *FeedRepository) ListForUser(ctx context.Context, userID string, offset, limit int) ([]models.FeedEntry, error) {
	var entries []models.FeedEntry
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("score DESC").
		Order("created_at DESC").
		Order("post_id ASC").
		Offset(offset).
		Limit(limit).
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// CountForUser counts every entry of the user, including entries whose post
// has since been deactivated.
func (r *FeedRepository) CountForUser(ctx context.Context, userID string) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.FeedEntry{}).
		Where("user_id = ?", userID).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// CountForPost counts the entries already materialized for a post
func (r *FeedRepository) CountForPost(ctx context.Context, postID string) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.FeedEntry{}).
		Where("post_id = ?", postID).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// DeleteForPosts removes every entry of the given posts
func (r *FeedRepository) DeleteForPosts(ctx context.Context, postIDs []string) (int64, error) {
	var deleted int64
	for _, part := range chunk(postIDs, maxInParams) {
		res := r.db.WithContext(ctx).Where("post_id IN ?", part).Delete(&models.FeedEntry{})
		if res.Error != nil {
			return deleted, res.Error
		}
		deleted += res.RowsAffected
	}
	return deleted, nil
}

// DeleteInactive removes entries whose post is inactive or gone
func (r *FeedRepository) DeleteInactive(ctx context.Context) (int64, error) {
	active := r.db.Model(&models.Post{}).Select("id").Where("is_active = ?", true)
	res := r.db.WithContext(ctx).
		Where("post_id NOT IN (?)", active).
		Delete(&models.FeedEntry{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// Stats returns table-wide counts
func (r *FeedRepository) Stats(ctx context.Context) (*FeedStats, error) {
	var stats FeedStats
	err := r.db.WithContext(ctx).
		Model(&models.FeedEntry{}).
		Select("COUNT(*) AS total_entries, COUNT(DISTINCT user_id) AS unique_users, COUNT(DISTINCT post_id) AS unique_posts").
		Scan(&stats).Error
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

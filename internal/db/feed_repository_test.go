package db_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/steemit/hivefeed/internal/db"
	"github.com/steemit/hivefeed/internal/db/dbtest"
	"github.com/steemit/hivefeed/internal/models"
)

func entry(userID, postID string, score float64, createdAt time.Time) models.FeedEntry {
	return models.FeedEntry{
		UserID:    userID,
		PostID:    postID,
		Score:     score,
		Source:    models.SourceInterest,
		Metadata:  datatypes.NewJSONType(models.FeedMetadata{InterestMatch: true, MatchedInterests: 1}),
		CreatedAt: createdAt,
	}
}

func TestBulkUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	database := dbtest.New(t)
	fx := dbtest.NewFixtures(t, database)

	author := fx.User("author")
	viewer := fx.User("viewer")
	post := fx.Post(author, nil)
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	written, err := fx.Feed.BulkUpsert(ctx, []models.FeedEntry{entry(viewer, post.ID, 10, created)}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, written)

	first, err := fx.Feed.Get(ctx, viewer, post.ID)
	require.NoError(t, err)
	require.NotNil(t, first)

	again := entry(viewer, post.ID, 42, created.Add(time.Hour))
	again.Source = models.SourceFollower
	_, err = fx.Feed.BulkUpsert(ctx, []models.FeedEntry{again}, 0)
	require.NoError(t, err)

	count, err := fx.Feed.CountForPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	second, err := fx.Feed.Get(ctx, viewer, post.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 42.0, second.Score)
	assert.Equal(t, models.SourceFollower, second.Source)
	assert.True(t, first.CreatedAt.Equal(second.CreatedAt), "created_at must survive an upsert")
}

func TestBulkUpsertChunks(t *testing.T) {
	ctx := context.Background()
	database := dbtest.New(t)
	fx := dbtest.NewFixtures(t, database)

	author := fx.User("author")
	post := fx.Post(author, nil)
	var entries []models.FeedEntry
	for i := 0; i < 7; i++ {
		entries = append(entries, entry(fx.User("u"+string(rune('a'+i))), post.ID, float64(i), post.CreatedAt))
	}

	written, err := fx.Feed.BulkUpsert(ctx, entries, 3)
	require.NoError(t, err)
	assert.Equal(t, 7, written)

	count, err := fx.Feed.CountForPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), count)
}

func TestBulkUpsertPartialFailure(t *testing.T) {
	ctx := context.Background()
	database := dbtest.New(t)
	fx := dbtest.NewFixtures(t, database)

	author := fx.User("author")
	post := fx.Post(author, nil)
	var entries []models.FeedEntry
	for i := 0; i < 5; i++ {
		entries = append(entries, entry(fx.User("u"+string(rune('a'+i))), post.ID, 1, post.CreatedAt))
	}

	calls := 0
	boom := errors.New("disk full")
	require.NoError(t, database.Callback().Create().Before("gorm:create").Register("test:fail_second_chunk", func(tx *gorm.DB) {
		if tx.Statement.Table != "feed_entries" {
			return
		}
		calls++
		if calls == 2 {
			_ = tx.AddError(boom)
		}
	}))

	written, err := fx.Feed.BulkUpsert(ctx, entries, 2)
	require.Error(t, err)
	assert.Equal(t, 2, written)

	var partial *db.PartialWriteError
	require.True(t, errors.As(err, &partial))
	assert.Equal(t, 2, partial.Written)
	assert.Equal(t, 5, partial.Total)
	assert.ErrorIs(t, err, boom)

	count, err := fx.Feed.CountForPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count, "committed chunks stay written")
}

func TestListForUserOrdering(t *testing.T) {
	ctx := context.Background()
	database := dbtest.New(t)
	fx := dbtest.NewFixtures(t, database)

	author := fx.User("author")
	viewer := fx.User("viewer")
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	older := fx.Post(author, nil, dbtest.WithCreatedAt(base))
	newer := fx.Post(author, nil, dbtest.WithCreatedAt(base.Add(time.Hour)))
	top := fx.Post(author, nil, dbtest.WithCreatedAt(base))

	_, err := fx.Feed.BulkUpsert(ctx, []models.FeedEntry{
		entry(viewer, older.ID, 50, older.CreatedAt),
		entry(viewer, newer.ID, 50, newer.CreatedAt),
		entry(viewer, top.ID, 90, top.CreatedAt),
	}, 0)
	require.NoError(t, err)

	page, err := fx.Feed.ListForUser(ctx, viewer, 0, 10)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, top.ID, page[0].PostID)
	assert.Equal(t, newer.ID, page[1].PostID)
	assert.Equal(t, older.ID, page[2].PostID)

	total, err := fx.Feed.CountForUser(ctx, viewer)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
}

func TestDeleteInactiveAndStats(t *testing.T) {
	ctx := context.Background()
	database := dbtest.New(t)
	fx := dbtest.NewFixtures(t, database)

	author := fx.User("author")
	alice := fx.User("alice")
	bob := fx.User("bob")
	live := fx.Post(author, nil)
	gone := fx.Post(author, nil)

	_, err := fx.Feed.BulkUpsert(ctx, []models.FeedEntry{
		entry(alice, live.ID, 1, live.CreatedAt),
		entry(bob, live.ID, 1, live.CreatedAt),
		entry(alice, gone.ID, 1, gone.CreatedAt),
	}, 0)
	require.NoError(t, err)

	stats, err := fx.Feed.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalEntries)
	assert.Equal(t, int64(2), stats.UniqueUsers)
	assert.Equal(t, int64(2), stats.UniquePosts)

	require.NoError(t, fx.Posts.SetActive(ctx, gone.ID, false))
	deleted, err := fx.Feed.DeleteInactive(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	deleted, err = fx.Feed.DeleteForPosts(ctx, []string{live.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
}

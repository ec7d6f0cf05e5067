package fanout_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steemit/hivefeed/internal/db"
	"github.com/steemit/hivefeed/internal/db/dbtest"
	"github.com/steemit/hivefeed/internal/fanout"
	"github.com/steemit/hivefeed/internal/models"
	"github.com/steemit/hivefeed/pkg/config"
)

var evalTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func testConfig() *config.FanoutConfig {
	return &config.FanoutConfig{
		Workers:          2,
		QueueSize:        16,
		BatchSize:        2,
		MaxAttempts:      3,
		InitialBackoff:   time.Millisecond,
		MaxBackoff:       5 * time.Millisecond,
		SweepInterval:    20 * time.Millisecond,
		StaleAfter:       time.Minute,
		RescoreDebounce:  time.Minute,
		BreakerThreshold: 3,
		BreakerTimeout:   time.Minute,
	}
}

func newEngine(fx *dbtest.Fixtures, cfg *config.FanoutConfig) *fanout.Engine {
	resolver := fanout.NewResolver(fx.Users, fx.Follows)
	return fanout.NewEngine(fx.Posts, fx.Users, fx.Feed, resolver, cfg,
		fanout.WithClock(func() time.Time { return evalTime }))
}

func TestFanOutTwoCandidates(t *testing.T) {
	ctx := context.Background()
	fx := dbtest.NewFixtures(t, dbtest.New(t))

	music := fx.Interest("music")
	sports := fx.Interest("sports")
	author := fx.User("author", music)
	a := fx.User("alice", music)
	b := fx.User("bob", sports)
	stranger := fx.User("stranger", sports)
	fx.Follow(b, author)

	post := fx.Post(author, []string{music}, dbtest.WithCreatedAt(evalTime.Add(-2*time.Hour)))

	result, err := newEngine(fx, testConfig()).FanOut(ctx, post)
	require.NoError(t, err)
	assert.Equal(t, 2, result.TargetedUsers)
	assert.Equal(t, 2, result.Written)

	entryA, err := fx.Feed.Get(ctx, a, post.ID)
	require.NoError(t, err)
	require.NotNil(t, entryA)
	assert.Equal(t, models.SourceInterest, entryA.Source)
	assert.Equal(t, 98.0+50, entryA.Score)
	assert.True(t, entryA.Metadata.Data().InterestMatch)
	assert.True(t, entryA.CreatedAt.Equal(post.CreatedAt))

	entryB, err := fx.Feed.Get(ctx, b, post.ID)
	require.NoError(t, err)
	require.NotNil(t, entryB)
	assert.Equal(t, models.SourceFollower, entryB.Source)
	assert.Equal(t, 98.0+100, entryB.Score)
	assert.Equal(t, 100.0, entryB.Metadata.Data().FollowerBoost)

	for _, excluded := range []string{author, stranger} {
		entry, err := fx.Feed.Get(ctx, excluded, post.ID)
		require.NoError(t, err)
		assert.Nil(t, entry)
	}
}

func TestFanOutFollowerWithSharedInterest(t *testing.T) {
	ctx := context.Background()
	fx := dbtest.NewFixtures(t, dbtest.New(t))

	music := fx.Interest("music")
	author := fx.User("author", music)
	fan := fx.User("fan", music)
	fx.Follow(fan, author)

	post := fx.Post(author, []string{music}, dbtest.WithCreatedAt(evalTime.Add(-2*time.Hour)))

	result, err := newEngine(fx, testConfig()).FanOut(ctx, post)
	require.NoError(t, err)
	assert.Equal(t, 1, result.TargetedUsers)

	count, err := fx.Feed.CountForPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	entry, err := fx.Feed.Get(ctx, fan, post.ID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, models.SourceFollower, entry.Source)
	assert.Equal(t, 98.0+50+100, entry.Score)
	assert.True(t, entry.Metadata.Data().InterestMatch)
	assert.Equal(t, 100.0, entry.Metadata.Data().FollowerBoost)
}

func TestFanOutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	fx := dbtest.NewFixtures(t, dbtest.New(t))

	music := fx.Interest("music")
	author := fx.User("author")
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		fx.User(name, music)
	}
	post := fx.Post(author, []string{music}, dbtest.WithCreatedAt(evalTime))
	engine := newEngine(fx, testConfig())

	first, err := engine.FanOut(ctx, post)
	require.NoError(t, err)
	assert.Equal(t, int64(0), first.Existing)

	second, err := engine.FanOut(ctx, post)
	require.NoError(t, err)
	assert.Equal(t, first.TargetedUsers, second.TargetedUsers)
	assert.Equal(t, int64(5), second.Existing)

	count, err := fx.Feed.CountForPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)
}

func TestFanOutZeroAudience(t *testing.T) {
	ctx := context.Background()
	fx := dbtest.NewFixtures(t, dbtest.New(t))

	author := fx.User("author")
	fx.User("bystander")
	post := fx.Post(author, nil)

	result, err := newEngine(fx, testConfig()).FanOut(ctx, post)
	require.NoError(t, err)
	assert.Equal(t, 0, result.TargetedUsers)
	assert.Equal(t, 0, result.Written)

	stats, err := fx.Feed.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.TotalEntries)
}

func TestFanOutByIDRejectsInactive(t *testing.T) {
	ctx := context.Background()
	fx := dbtest.NewFixtures(t, dbtest.New(t))

	author := fx.User("author")
	post := fx.Post(author, nil)
	require.NoError(t, fx.Posts.SetActive(ctx, post.ID, false))
	engine := newEngine(fx, testConfig())

	_, err := engine.FanOutByID(ctx, post.ID)
	assert.ErrorIs(t, err, fanout.ErrPostNotFound)

	_, err = engine.FanOutByID(ctx, "missing")
	assert.ErrorIs(t, err, fanout.ErrPostNotFound)
}

// failingFeed commits the first okChunks chunks and then fails
type failingFeed struct {
	okChunks int
	calls    int
}

func (f *failingFeed) BulkUpsert(ctx context.Context, entries []models.FeedEntry, batchSize int) (int, error) {
	f.calls++
	written := 0
	for start, n := 0, 0; start < len(entries); start, n = start+batchSize, n+1 {
		if n >= f.okChunks {
			return written, &db.PartialWriteError{Written: written, Total: len(entries), Err: errors.New("connection reset")}
		}
		end := start + batchSize
		if end > len(entries) {
			end = len(entries)
		}
		written += end - start
	}
	return written, nil
}

func (f *failingFeed) CountForPost(ctx context.Context, postID string) (int64, error) {
	return 0, nil
}

func TestFanOutPartialWrite(t *testing.T) {
	ctx := context.Background()
	fx := dbtest.NewFixtures(t, dbtest.New(t))

	music := fx.Interest("music")
	author := fx.User("author")
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		fx.User(name, music)
	}
	post := fx.Post(author, []string{music})

	feed := &failingFeed{okChunks: 1}
	engine := fanout.NewEngine(fx.Posts, fx.Users, feed, fanout.NewResolver(fx.Users, fx.Follows), testConfig())

	result, err := engine.FanOut(ctx, post)
	require.Error(t, err)
	assert.Equal(t, 5, result.TargetedUsers)
	assert.Equal(t, 2, result.Written)

	var partial *db.PartialWriteError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, 2, partial.Written)
}

func TestFanOutBreakerOpens(t *testing.T) {
	ctx := context.Background()
	fx := dbtest.NewFixtures(t, dbtest.New(t))

	music := fx.Interest("music")
	author := fx.User("author")
	fx.User("reader", music)
	post := fx.Post(author, []string{music})

	feed := &failingFeed{okChunks: 0}
	cfg := testConfig()
	engine := fanout.NewEngine(fx.Posts, fx.Users, feed, fanout.NewResolver(fx.Users, fx.Follows), cfg)

	for i := 0; i < int(cfg.BreakerThreshold); i++ {
		_, err := engine.FanOut(ctx, post)
		require.Error(t, err)
	}
	_, err := engine.FanOut(ctx, post)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int(cfg.BreakerThreshold), feed.calls, "an open breaker does not reach the store")
}

func TestResolverSortsAndExcludesAuthor(t *testing.T) {
	ctx := context.Background()
	fx := dbtest.NewFixtures(t, dbtest.New(t))

	music := fx.Interest("music")
	author := fx.User("author", music)
	a := fx.User("a", music)
	b := fx.User("b", music)
	fx.Follow(a, author)
	fx.Follow(author, author)

	audience, err := fanout.NewResolver(fx.Users, fx.Follows).Resolve(ctx, &models.Post{AuthorID: author, Interests: []string{music}})
	require.NoError(t, err)
	require.Len(t, audience, 2)
	assert.True(t, audience[0].UserID < audience[1].UserID)

	byID := map[string]bool{}
	for _, m := range audience {
		byID[m.UserID] = m.IsFollowing
	}
	assert.True(t, byID[a])
	assert.False(t, byID[b])
	assert.NotContains(t, byID, author)
}

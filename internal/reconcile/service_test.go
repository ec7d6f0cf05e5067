package reconcile_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steemit/hivefeed/internal/db"
	"github.com/steemit/hivefeed/internal/db/dbtest"
	"github.com/steemit/hivefeed/internal/fanout"
	"github.com/steemit/hivefeed/internal/models"
	"github.com/steemit/hivefeed/internal/reconcile"
	"github.com/steemit/hivefeed/pkg/config"
)

var evalTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newEngine(fx *dbtest.Fixtures) *fanout.Engine {
	cfg := &config.FanoutConfig{BatchSize: 100, BreakerThreshold: 5, BreakerTimeout: time.Minute}
	return fanout.NewEngine(fx.Posts, fx.Users, fx.Feed, fanout.NewResolver(fx.Users, fx.Follows), cfg,
		fanout.WithClock(func() time.Time { return evalTime }))
}

func TestReconcileAfterLikesChange(t *testing.T) {
	ctx := context.Background()
	fx := dbtest.NewFixtures(t, dbtest.New(t))
	engine := newEngine(fx)
	svc := reconcile.NewService(fx.Posts, fx.Feed, engine, 0)

	music := fx.Interest("music")
	author := fx.User("author")
	reader := fx.User("reader", music)
	post := fx.Post(author, []string{music}, dbtest.WithCreatedAt(evalTime.Add(-time.Hour)))

	_, err := engine.FanOutByID(ctx, post.ID)
	require.NoError(t, err)
	before, err := fx.Feed.Get(ctx, reader, post.ID)
	require.NoError(t, err)
	require.NotNil(t, before)
	assert.Equal(t, 0.0, before.Metadata.Data().EngagementBoost)

	require.NoError(t, fx.Posts.UpdateEngagement(ctx, post.ID, 60, 0))

	report, err := svc.Reconcile(ctx, db.PostFilter{PostID: post.ID}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Total)
	assert.Equal(t, 1, report.Success)
	assert.Empty(t, report.Errors)
	assert.Equal(t, int64(0), report.Cleared)

	after, err := fx.Feed.Get(ctx, reader, post.ID)
	require.NoError(t, err)
	require.NotNil(t, after)
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, before.Score+120, after.Score)
	assert.Equal(t, 120.0, after.Metadata.Data().EngagementBoost)

	count, err := fx.Feed.CountForPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestReconcileClearExistingDropsFormerAudience(t *testing.T) {
	ctx := context.Background()
	database := dbtest.New(t)
	fx := dbtest.NewFixtures(t, database)
	engine := newEngine(fx)
	svc := reconcile.NewService(fx.Posts, fx.Feed, engine, 0)

	author := fx.User("author")
	fan := fx.User("fan")
	fx.Follow(fan, author)
	post := fx.Post(author, nil)

	_, err := engine.FanOut(ctx, post)
	require.NoError(t, err)

	require.NoError(t, database.Where("follower_id = ?", fan).Delete(&models.Follow{}).Error)

	report, err := svc.Reconcile(ctx, db.PostFilter{}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Success)
	assert.Equal(t, int64(1), report.Cleared)

	entry, err := fx.Feed.Get(ctx, fan, post.ID)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

type flakyRunner struct {
	fail map[string]bool
	runs []string
}

func (r *flakyRunner) FanOutByID(ctx context.Context, postID string) (*fanout.Result, error) {
	r.runs = append(r.runs, postID)
	if r.fail[postID] {
		return nil, errors.New("audience query timed out")
	}
	return &fanout.Result{PostID: postID}, nil
}

func TestReconcileCollectsErrors(t *testing.T) {
	ctx := context.Background()
	fx := dbtest.NewFixtures(t, dbtest.New(t))

	author := fx.User("author")
	first := fx.Post(author, nil, dbtest.WithCreatedAt(evalTime.Add(-2*time.Hour)))
	second := fx.Post(author, nil, dbtest.WithCreatedAt(evalTime.Add(-time.Hour)))
	poll := fx.Post(author, nil, dbtest.WithType(models.PostTypePoll), dbtest.WithCreatedAt(evalTime))

	runner := &flakyRunner{fail: map[string]bool{first.ID: true}}
	svc := reconcile.NewService(fx.Posts, fx.Feed, runner, 1000)

	report, err := svc.Reconcile(ctx, db.PostFilter{Type: models.PostTypeText}, false)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 1, report.Success)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, first.ID, report.Errors[0].PostID)
	assert.Equal(t, []string{first.ID, second.ID}, runner.runs, "posts run oldest first and a failure does not stop the run")
	assert.NotContains(t, runner.runs, poll.ID)
}

func TestReconcileReportsMissingPost(t *testing.T) {
	ctx := context.Background()
	fx := dbtest.NewFixtures(t, dbtest.New(t))
	runner := &flakyRunner{}
	svc := reconcile.NewService(fx.Posts, fx.Feed, runner, 0)

	author := fx.User("author")
	hidden := fx.Post(author, nil)
	require.NoError(t, fx.Posts.SetActive(ctx, hidden.ID, false))

	for name, postID := range map[string]string{"missing": uuid.NewString(), "inactive": hidden.ID} {
		t.Run(name, func(t *testing.T) {
			report, err := svc.Reconcile(ctx, db.PostFilter{PostID: postID}, true)
			require.NoError(t, err)
			assert.Equal(t, 1, report.Total)
			assert.Equal(t, 0, report.Success)
			require.Len(t, report.Errors, 1)
			assert.Equal(t, postID, report.Errors[0].PostID)
			assert.Equal(t, fanout.ErrPostNotFound.Error(), report.Errors[0].Error)
		})
	}
	assert.Empty(t, runner.runs)
}

func TestReconcileRejectsUnknownType(t *testing.T) {
	fx := dbtest.NewFixtures(t, dbtest.New(t))
	svc := reconcile.NewService(fx.Posts, fx.Feed, &flakyRunner{}, 0)

	_, err := svc.Reconcile(context.Background(), db.PostFilter{Type: "story"}, true)
	assert.ErrorIs(t, err, reconcile.ErrInvalidFilter)
}

func TestStatsAndPrune(t *testing.T) {
	ctx := context.Background()
	fx := dbtest.NewFixtures(t, dbtest.New(t))
	engine := newEngine(fx)
	svc := reconcile.NewService(fx.Posts, fx.Feed, engine, 0)

	music := fx.Interest("music")
	author := fx.User("author")
	fx.User("a", music)
	fx.User("b", music)
	live := fx.Post(author, []string{music})
	gone := fx.Post(author, []string{music}, dbtest.WithType(models.PostTypeImage))
	for _, p := range []*models.Post{live, gone} {
		_, err := engine.FanOut(ctx, p)
		require.NoError(t, err)
	}

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.PostsByType[models.PostTypeText])
	assert.Equal(t, int64(1), stats.PostsByType[models.PostTypeImage])
	assert.Equal(t, int64(4), stats.TotalFeedEntries)
	assert.Equal(t, int64(2), stats.UniqueUsers)
	assert.Equal(t, int64(2), stats.UniquePosts)

	require.NoError(t, fx.Posts.SetActive(ctx, gone.ID, false))
	deleted, err := svc.PruneInactive(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
}

package fanout_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steemit/hivefeed/internal/cache"
	"github.com/steemit/hivefeed/internal/db/dbtest"
	"github.com/steemit/hivefeed/internal/fanout"
	"github.com/steemit/hivefeed/internal/models"
)

// scriptedRunner fails each post a fixed number of times before succeeding
type scriptedRunner struct {
	mu       sync.Mutex
	failures map[string]int
	fatal    map[string]error
	calls    map[string]int
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{failures: map[string]int{}, fatal: map[string]error{}, calls: map[string]int{}}
}

func (r *scriptedRunner) FanOutByID(ctx context.Context, postID string) (*fanout.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[postID]++
	if err, ok := r.fatal[postID]; ok {
		return nil, err
	}
	if r.failures[postID] > 0 {
		r.failures[postID]--
		return nil, errors.New("temporary store failure")
	}
	return &fanout.Result{PostID: postID}, nil
}

func (r *scriptedRunner) callCount(postID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[postID]
}

func waitForStatus(t *testing.T, fx *dbtest.Fixtures, jobID, status string) *models.FanoutJob {
	t.Helper()
	var job *models.FanoutJob
	require.Eventually(t, func() bool {
		var err error
		job, err = fx.Jobs.Get(context.Background(), jobID)
		return err == nil && job != nil && job.Status == status
	}, 5*time.Second, 10*time.Millisecond, "job %s never reached %s", jobID, status)
	return job
}

func startQueue(t *testing.T, q *fanout.Queue) {
	t.Helper()
	q.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Stop(ctx)
	})
}

func TestQueueProcessesJob(t *testing.T) {
	fx := dbtest.NewFixtures(t, dbtest.New(t))
	runner := newScriptedRunner()
	q := fanout.NewQueue(fx.Jobs, runner, nil, testConfig())
	startQueue(t, q)

	job, err := q.Enqueue(context.Background(), "post-ok", models.JobKindCreated)
	require.NoError(t, err)

	done := waitForStatus(t, fx, job.ID, models.JobStatusDone)
	assert.Equal(t, 1, done.Attempts)
	assert.NotNil(t, done.ProcessedAt)
}

func TestQueueRetriesTransientFailures(t *testing.T) {
	fx := dbtest.NewFixtures(t, dbtest.New(t))
	runner := newScriptedRunner()
	runner.failures["post-flaky"] = 2
	q := fanout.NewQueue(fx.Jobs, runner, nil, testConfig())
	startQueue(t, q)

	job, err := q.Enqueue(context.Background(), "post-flaky", models.JobKindCreated)
	require.NoError(t, err)

	done := waitForStatus(t, fx, job.ID, models.JobStatusDone)
	assert.Equal(t, 3, done.Attempts)
	assert.Equal(t, 3, runner.callCount("post-flaky"))
}

func TestQueueDeadLettersExhaustedJob(t *testing.T) {
	fx := dbtest.NewFixtures(t, dbtest.New(t))
	runner := newScriptedRunner()
	runner.failures["post-down"] = 100
	cfg := testConfig()
	q := fanout.NewQueue(fx.Jobs, runner, nil, cfg)
	startQueue(t, q)

	job, err := q.Enqueue(context.Background(), "post-down", models.JobKindCreated)
	require.NoError(t, err)

	dead := waitForStatus(t, fx, job.ID, models.JobStatusDead)
	assert.Equal(t, cfg.MaxAttempts, dead.Attempts)
	assert.Equal(t, cfg.MaxAttempts, runner.callCount("post-down"))

	letters, err := fx.Jobs.ListDeadLetters(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, job.ID, letters[0].JobID)
	assert.Contains(t, letters[0].Error, "temporary store failure")
}

func TestQueueDoesNotRetryMissingPost(t *testing.T) {
	fx := dbtest.NewFixtures(t, dbtest.New(t))
	runner := newScriptedRunner()
	runner.fatal["post-gone"] = fmt.Errorf("%w: post-gone", fanout.ErrPostNotFound)
	q := fanout.NewQueue(fx.Jobs, runner, nil, testConfig())
	startQueue(t, q)

	job, err := q.Enqueue(context.Background(), "post-gone", models.JobKindCreated)
	require.NoError(t, err)

	dead := waitForStatus(t, fx, job.ID, models.JobStatusDead)
	assert.Equal(t, 1, dead.Attempts)
	assert.Equal(t, 1, runner.callCount("post-gone"))
}

func TestQueueSweepsJobsThatDidNotFit(t *testing.T) {
	fx := dbtest.NewFixtures(t, dbtest.New(t))
	runner := newScriptedRunner()
	cfg := testConfig()
	cfg.QueueSize = 1
	q := fanout.NewQueue(fx.Jobs, runner, nil, cfg)

	ctx := context.Background()
	var ids []string
	for i := 0; i < 4; i++ {
		job, err := q.Enqueue(ctx, fmt.Sprintf("post-%d", i), models.JobKindCreated)
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	startQueue(t, q)
	for _, id := range ids {
		waitForStatus(t, fx, id, models.JobStatusDone)
	}
}

func TestScheduleRescoreDebounces(t *testing.T) {
	fx := dbtest.NewFixtures(t, dbtest.New(t))
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := fanout.NewQueue(fx.Jobs, newScriptedRunner(), cache.NewWithClient(client), testConfig())
	ctx := context.Background()

	scheduled, err := q.ScheduleRescore(ctx, "post-hot")
	require.NoError(t, err)
	assert.True(t, scheduled)

	scheduled, err = q.ScheduleRescore(ctx, "post-hot")
	require.NoError(t, err)
	assert.False(t, scheduled, "second change inside the window is absorbed")

	mr.FastForward(2 * time.Minute)
	scheduled, err = q.ScheduleRescore(ctx, "post-hot")
	require.NoError(t, err)
	assert.True(t, scheduled)

	pending, err := fx.Jobs.ListPending(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
	for _, job := range pending {
		assert.Equal(t, models.JobKindEngagement, job.Kind)
	}
}

func TestScheduleRescoreWithoutCache(t *testing.T) {
	fx := dbtest.NewFixtures(t, dbtest.New(t))
	var disabled *cache.Cache
	q := fanout.NewQueue(fx.Jobs, newScriptedRunner(), disabled, testConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		scheduled, err := q.ScheduleRescore(ctx, "post-cold")
		require.NoError(t, err)
		assert.True(t, scheduled)
	}
}

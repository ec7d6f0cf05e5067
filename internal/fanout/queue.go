package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/steemit/hivefeed/internal/cache"
	"github.com/steemit/hivefeed/internal/models"
	"github.com/steemit/hivefeed/pkg/config"
	"github.com/steemit/hivefeed/pkg/logging"
	"github.com/steemit/hivefeed/pkg/telemetry"
)

// JobStore persists fan-out jobs
type JobStore interface {
	Create(ctx context.Context, postID, kind string) (*models.FanoutJob, error)
	Claim(ctx context.Context, id string) (bool, error)
	RecordAttempt(ctx context.Context, id string, attempts int, lastErr string) error
	MarkDone(ctx context.Context, id string, attempts int) error
	Release(ctx context.Context, id string) error
	MarkDead(ctx context.Context, job *models.FanoutJob, attempts int, cause string) error
	ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*models.FanoutJob, error)
	ResetStale(ctx context.Context, before time.Time) (int64, error)
}

// Runner fans out one post
type Runner interface {
	FanOutByID(ctx context.Context, postID string) (*Result, error)
}

// Debouncer suppresses repeated work for a key within a TTL
type Debouncer interface {
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
}

// Queue runs fan-out jobs in the background. Every job is persisted before
// it is offered to the workers, so a full channel or a restart delays a job
// but never drops it.
type Queue struct {
	jobs     JobStore
	runner   Runner
	debounce Debouncer
	cfg      config.FanoutConfig
	ch       chan *models.FanoutJob
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewQueue creates a new fan-out queue. debounce may be nil.
func NewQueue(jobs JobStore, runner Runner, debounce Debouncer, cfg *config.FanoutConfig) *Queue {
	size := cfg.QueueSize
	if size <= 0 {
		size = 1024
	}
	return &Queue{
		jobs:     jobs,
		runner:   runner,
		debounce: debounce,
		cfg:      *cfg,
		ch:       make(chan *models.FanoutJob, size),
		logger:   logging.WithComponent("fanout-queue"),
	}
}

// Enqueue persists a pending job for postID and hands it to a worker if one
// has room. It never blocks on the workers.
func (q *Queue) Enqueue(ctx context.Context, postID, kind string) (*models.FanoutJob, error) {
	job, err := q.jobs.Create(ctx, postID, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to persist fan-out job for post %s: %w", postID, err)
	}
	if !q.offer(job) {
		q.logger.Warn("Fan-out queue full, job left for sweep",
			logging.PostID(postID), zap.String("job_id", job.ID))
	}
	return job, nil
}

// ScheduleRescore enqueues an engagement re-fan-out for postID unless one
// was scheduled within the debounce window. It reports whether a job was
// enqueued. Without a working debouncer every call enqueues.
func (q *Queue) ScheduleRescore(ctx context.Context, postID string) (bool, error) {
	if q.debounce != nil && q.cfg.RescoreDebounce > 0 {
		set, err := q.debounce.SetNX(ctx, "rescore:"+postID, time.Now().Unix(), q.cfg.RescoreDebounce)
		switch {
		case err == nil && !set:
			return false, nil
		case err != nil && !errors.Is(err, cache.ErrCacheDisabled):
			q.logger.Warn("Rescore debounce unavailable", logging.PostID(postID), zap.Error(err))
		}
	}
	if _, err := q.Enqueue(ctx, postID, models.JobKindEngagement); err != nil {
		return false, err
	}
	return true, nil
}

func (q *Queue) offer(job *models.FanoutJob) bool {
	select {
	case q.ch <- job:
		return true
	default:
		return false
	}
}

// Start launches the workers and the sweep loop. Jobs left pending by a
// previous run are picked up immediately.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.stop = make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	stop := q.stop
	q.mu.Unlock()

	workers := q.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker(runCtx, stop)
	}
	q.wg.Add(1)
	go q.sweepLoop(runCtx, stop)

	q.logger.Info("Fan-out queue started", zap.Int("workers", workers))
}

// Stop stops intake and waits for in-flight jobs. If ctx expires first the
// running jobs are cancelled and released back to pending.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = false
	close(q.stop)
	cancel := q.cancel
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		cancel()
		q.logger.Info("Fan-out queue stopped")
		return nil
	case <-ctx.Done():
		cancel()
		<-done
		return ctx.Err()
	}
}

func (q *Queue) worker(ctx context.Context, stop <-chan struct{}) {
	defer q.wg.Done()
	for {
		select {
		case <-stop:
			return
		case job := <-q.ch:
			q.process(ctx, job)
		}
	}
}

func (q *Queue) sweepLoop(ctx context.Context, stop <-chan struct{}) {
	defer q.wg.Done()

	q.sweep(ctx, time.Now())

	ticker := time.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.sweep(ctx, time.Now().Add(-q.cfg.SweepInterval))
		}
	}
}

// sweep re-offers pending jobs created before olderThan and returns jobs
// abandoned mid-run to pending.
func (q *Queue) sweep(ctx context.Context, olderThan time.Time) {
	if q.cfg.StaleAfter > 0 {
		reset, err := q.jobs.ResetStale(ctx, time.Now().Add(-q.cfg.StaleAfter))
		if err != nil {
			q.logger.Error("Failed to reset stale fan-out jobs", zap.Error(err))
		} else if reset > 0 {
			q.logger.Warn("Reset stale fan-out jobs", zap.Int64("count", reset))
		}
	}

	limit := cap(q.ch) - len(q.ch)
	if limit <= 0 {
		return
	}
	jobs, err := q.jobs.ListPending(ctx, olderThan, limit)
	if err != nil {
		q.logger.Error("Failed to list pending fan-out jobs", zap.Error(err))
		return
	}
	offered := 0
	for _, job := range jobs {
		if !q.offer(job) {
			break
		}
		offered++
	}
	if offered > 0 {
		q.logger.Info("Swept pending fan-out jobs", zap.Int("count", offered))
	}
}

func (q *Queue) newBackOff(ctx context.Context, remaining int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if q.cfg.InitialBackoff > 0 {
		b.InitialInterval = q.cfg.InitialBackoff
	}
	if q.cfg.MaxBackoff > 0 {
		b.MaxInterval = q.cfg.MaxBackoff
	}
	b.MaxElapsedTime = 0
	if remaining < 1 {
		remaining = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(remaining-1)), ctx)
}

// process runs one job with retries. A job that is already claimed by
// another worker is skipped.
func (q *Queue) process(ctx context.Context, job *models.FanoutJob) {
	claimed, err := q.jobs.Claim(ctx, job.ID)
	if err != nil {
		q.logger.Error("Failed to claim fan-out job", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if !claimed {
		return
	}

	// Bookkeeping must land even while the queue is shutting down.
	store := context.WithoutCancel(ctx)

	attempts := job.Attempts
	op := func() error {
		attempts++
		_, err := q.runner.FanOutByID(ctx, job.PostID)
		if err == nil {
			return nil
		}
		if recErr := q.jobs.RecordAttempt(store, job.ID, attempts, err.Error()); recErr != nil {
			q.logger.Warn("Failed to record fan-out attempt", zap.String("job_id", job.ID), zap.Error(recErr))
		}
		if errors.Is(err, ErrPostNotFound) {
			return backoff.Permanent(err)
		}
		q.logger.Warn("Fan-out attempt failed",
			zap.String("job_id", job.ID),
			logging.PostID(job.PostID),
			zap.Int("attempt", attempts),
			zap.Error(err))
		return err
	}

	err = backoff.Retry(op, q.newBackOff(ctx, q.cfg.MaxAttempts-job.Attempts))
	if err == nil {
		if doneErr := q.jobs.MarkDone(store, job.ID, attempts); doneErr != nil {
			q.logger.Error("Failed to mark fan-out job done", zap.String("job_id", job.ID), zap.Error(doneErr))
		}
		return
	}

	if ctx.Err() != nil {
		q.logger.Info("Fan-out job interrupted by shutdown", zap.String("job_id", job.ID), logging.PostID(job.PostID))
		if relErr := q.jobs.Release(store, job.ID); relErr != nil {
			q.logger.Warn("Failed to release fan-out job", zap.String("job_id", job.ID), zap.Error(relErr))
		}
		return
	}

	if deadErr := q.jobs.MarkDead(store, job, attempts, err.Error()); deadErr != nil {
		q.logger.Error("Failed to dead-letter fan-out job", zap.String("job_id", job.ID), zap.Error(deadErr))
		return
	}
	telemetry.RecordDeadLetter(store, job.Kind)
	q.logger.Error("Fan-out job dead-lettered",
		zap.String("job_id", job.ID),
		logging.PostID(job.PostID),
		zap.String("kind", job.Kind),
		zap.Int("attempts", attempts),
		zap.Error(err))
}

// Package fanout materializes posts into the feeds of their audience.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/steemit/hivefeed/internal/models"
	"github.com/steemit/hivefeed/internal/scoring"
	"github.com/steemit/hivefeed/pkg/config"
	"github.com/steemit/hivefeed/pkg/logging"
	"github.com/steemit/hivefeed/pkg/telemetry"
)

// ErrPostNotFound is returned when a post is missing or inactive
var ErrPostNotFound = errors.New("post not found")

// PostSource loads posts with their interest ids. GetByID returns nil, nil
// for a missing post.
type PostSource interface {
	GetByID(ctx context.Context, id string) (*models.Post, error)
}

// CandidateSource loads the interest sets of many users at once
type CandidateSource interface {
	InterestsByUsers(ctx context.Context, userIDs []string) (map[string][]string, error)
}

// FeedWriter is the materialized feed as seen by the engine
type FeedWriter interface {
	BulkUpsert(ctx context.Context, entries []models.FeedEntry, batchSize int) (int, error)
	CountForPost(ctx context.Context, postID string) (int64, error)
}

// Result summarizes one fan-out
type Result struct {
	PostID        string
	TargetedUsers int
	Written       int
	Existing      int64
}

// Engine scores a post for every member of its audience and upserts one feed
// entry per member.
type Engine struct {
	posts      PostSource
	candidates CandidateSource
	feed       FeedWriter
	resolver   *Resolver
	breaker    *gobreaker.CircuitBreaker[int]
	batchSize  int
	now        func() time.Time
	logger     *zap.Logger
}

// Option configures an Engine
type Option func(*Engine)

// WithClock overrides the clock used for recency scoring
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a new fan-out engine
func NewEngine(posts PostSource, candidates CandidateSource, feed FeedWriter, resolver *Resolver, cfg *config.FanoutConfig, opts ...Option) *Engine {
	logger := logging.WithComponent("fanout")

	threshold := cfg.BreakerThreshold
	if threshold == 0 {
		threshold = 5
	}
	breaker := gobreaker.NewCircuitBreaker[int](gobreaker.Settings{
		Name:    "feed-writes",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	e := &Engine{
		posts:      posts,
		candidates: candidates,
		feed:       feed,
		resolver:   resolver,
		breaker:    breaker,
		batchSize:  cfg.BatchSize,
		now:        time.Now,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FanOutByID loads the post and fans it out. Missing and inactive posts
// yield ErrPostNotFound.
func (e *Engine) FanOutByID(ctx context.Context, postID string) (*Result, error) {
	post, err := e.posts.GetByID(ctx, postID)
	if err != nil {
		return nil, fmt.Errorf("failed to load post %s: %w", postID, err)
	}
	if post == nil || !post.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrPostNotFound, postID)
	}
	return e.FanOut(ctx, post)
}

// FanOut writes post into the feed of every audience member. Running it
// again for the same post rewrites the same rows. When a write chunk fails
// the returned error is a *db.PartialWriteError and Result.Written counts
// the entries committed before it.
func (e *Engine) FanOut(ctx context.Context, post *models.Post) (*Result, error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "fanout.FanOut")
	defer span.End()
	span.SetAttributes(attribute.String("post.id", post.ID))

	result, err := e.fanOut(ctx, post)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	telemetry.RecordFanout(ctx, outcome, result.TargetedUsers, result.Written, time.Since(start).Seconds())
	span.SetAttributes(
		attribute.Int("fanout.audience", result.TargetedUsers),
		attribute.Int("fanout.written", result.Written),
	)
	return result, err
}

func (e *Engine) fanOut(ctx context.Context, post *models.Post) (*Result, error) {
	result := &Result{PostID: post.ID}

	audience, err := e.resolver.Resolve(ctx, post)
	if err != nil {
		return result, err
	}
	result.TargetedUsers = len(audience)
	if len(audience) == 0 {
		e.logger.Info("No audience for post", logging.PostID(post.ID))
		return result, nil
	}

	interests, err := e.candidates.InterestsByUsers(ctx, audience.UserIDs())
	if err != nil {
		return result, fmt.Errorf("failed to load candidate interests: %w", err)
	}

	existing, err := e.feed.CountForPost(ctx, post.ID)
	if err != nil {
		return result, fmt.Errorf("failed to count existing entries: %w", err)
	}
	result.Existing = existing

	now := e.now()
	entries := make([]models.FeedEntry, 0, len(audience))
	for _, member := range audience {
		sig := scoring.Signals{Now: now, IsFollowing: member.IsFollowing}
		b := scoring.Compute(post, scoring.Candidate{ID: member.UserID, Interests: interests[member.UserID]}, sig)
		entries = append(entries, models.FeedEntry{
			UserID:    member.UserID,
			PostID:    post.ID,
			Score:     b.Total(),
			Source:    scoring.Source(b, sig),
			Metadata:  datatypes.NewJSONType(scoring.Metadata(b)),
			CreatedAt: post.CreatedAt,
		})
	}

	written, err := e.breaker.Execute(func() (int, error) {
		return e.feed.BulkUpsert(ctx, entries, e.batchSize)
	})
	result.Written = written
	if err != nil {
		e.logger.Error("Fan-out write failed",
			logging.PostID(post.ID),
			zap.Int("audience", len(audience)),
			zap.Int("written", written),
			zap.Error(err))
		return result, fmt.Errorf("failed to write feed entries for post %s: %w", post.ID, err)
	}

	e.logger.Info("Fan-out complete",
		logging.PostID(post.ID),
		zap.Int("audience", len(audience)),
		zap.Int("written", written),
		zap.Int64("already_existed_updated", existing))
	return result, nil
}

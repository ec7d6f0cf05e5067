// Package reconcile re-drives fan-out for existing posts and maintains the
// materialized feed table.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/steemit/hivefeed/internal/db"
	"github.com/steemit/hivefeed/internal/fanout"
	"github.com/steemit/hivefeed/internal/models"
	"github.com/steemit/hivefeed/pkg/logging"
	"github.com/steemit/hivefeed/pkg/telemetry"
)

// ErrInvalidFilter is returned for filters naming an unknown post type
var ErrInvalidFilter = errors.New("invalid filter")

// PostCatalog selects posts for maintenance runs
type PostCatalog interface {
	ListActiveIDs(ctx context.Context, filter db.PostFilter) ([]string, error)
	CountByType(ctx context.Context) (map[string]int64, error)
}

// FeedMaintainer mutates and summarizes the feed table
type FeedMaintainer interface {
	DeleteForPosts(ctx context.Context, postIDs []string) (int64, error)
	DeleteInactive(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (*db.FeedStats, error)
}

// Runner fans out one post
type Runner interface {
	FanOutByID(ctx context.Context, postID string) (*fanout.Result, error)
}

// PostError records why one post failed to reconcile
type PostError struct {
	PostID string `json:"postId"`
	Error  string `json:"error"`
}

// Report summarizes a reconciliation run
type Report struct {
	Total   int         `json:"total"`
	Success int         `json:"success"`
	Errors  []PostError `json:"errors"`
	Cleared int64       `json:"cleared"`
}

// Stats summarizes posts and feed entries
type Stats struct {
	PostsByType      map[string]int64 `json:"postsByType"`
	TotalFeedEntries int64            `json:"totalFeedEntries"`
	UniqueUsers      int64            `json:"uniqueUsers"`
	UniquePosts      int64            `json:"uniquePosts"`
}

// Service runs maintenance over the materialized feed
type Service struct {
	posts   PostCatalog
	feed    FeedMaintainer
	runner  Runner
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewService creates a new reconciliation service. perSecond caps how many
// posts are fanned out per second; 0 disables pacing.
func NewService(posts PostCatalog, feed FeedMaintainer, runner Runner, perSecond float64) *Service {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if perSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
	return &Service{
		posts:   posts,
		feed:    feed,
		runner:  runner,
		limiter: limiter,
		logger:  logging.WithComponent("reconcile"),
	}
}

func validateFilter(filter db.PostFilter) error {
	if filter.Type == "" {
		return nil
	}
	for _, t := range models.PostTypes {
		if filter.Type == t {
			return nil
		}
	}
	return fmt.Errorf("%w: unknown post type %q", ErrInvalidFilter, filter.Type)
}

// Reconcile fans out every active post matching filter again, one post at a
// time. With clearExisting the posts' entries are deleted first, which drops
// users who left the audience; without it entries are upserted in place. A
// failing post is recorded in the report and the run continues.
func (s *Service) Reconcile(ctx context.Context, filter db.PostFilter, clearExisting bool) (*Report, error) {
	if err := validateFilter(filter); err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, "reconcile.Reconcile")
	defer span.End()

	ids, err := s.posts.ListActiveIDs(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to select posts: %w", err)
	}
	report := &Report{Total: len(ids), Errors: []PostError{}}
	if filter.PostID != "" && len(ids) == 0 {
		// missing or inactive
		report.Total = 1
		report.Errors = append(report.Errors, PostError{PostID: filter.PostID, Error: fanout.ErrPostNotFound.Error()})
		s.logger.Warn("Reconciliation target not found", logging.PostID(filter.PostID))
		return report, nil
	}
	span.SetAttributes(attribute.Int("reconcile.posts", len(ids)), attribute.Bool("reconcile.clear", clearExisting))

	s.logger.Info("Reconciliation started",
		zap.Int("posts", len(ids)),
		zap.String("type", filter.Type),
		zap.String("post_id", filter.PostID),
		zap.Bool("clear_existing", clearExisting))
	start := time.Now()

	if clearExisting && len(ids) > 0 {
		cleared, err := s.feed.DeleteForPosts(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("failed to clear existing entries: %w", err)
		}
		report.Cleared = cleared
	}

	for _, id := range ids {
		if err := s.limiter.Wait(ctx); err != nil {
			return report, err
		}
		if _, err := s.runner.FanOutByID(ctx, id); err != nil {
			s.logger.Warn("Reconciliation failed for post", logging.PostID(id), zap.Error(err))
			report.Errors = append(report.Errors, PostError{PostID: id, Error: err.Error()})
			continue
		}
		report.Success++
	}

	s.logger.Info("Reconciliation finished",
		zap.Int("total", report.Total),
		zap.Int("success", report.Success),
		zap.Int("errors", len(report.Errors)),
		zap.Duration("duration", time.Since(start)))
	return report, nil
}

// Stats returns post counts by type and feed table counts
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	byType, err := s.posts.CountByType(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count posts: %w", err)
	}
	feedStats, err := s.feed.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count feed entries: %w", err)
	}
	return &Stats{
		PostsByType:      byType,
		TotalFeedEntries: feedStats.TotalEntries,
		UniqueUsers:      feedStats.UniqueUsers,
		UniquePosts:      feedStats.UniquePosts,
	}, nil
}

// PruneInactive deletes entries pointing at inactive or missing posts
func (s *Service) PruneInactive(ctx context.Context) (int64, error) {
	deleted, err := s.feed.DeleteInactive(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to prune inactive entries: %w", err)
	}
	s.logger.Info("Pruned feed entries of inactive posts", zap.Int64("deleted", deleted))
	return deleted, nil
}

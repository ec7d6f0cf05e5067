// Package feed serves paginated, pre-scored feeds from the materialized
// feed table.
package feed

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/steemit/hivefeed/internal/cache"
	"github.com/steemit/hivefeed/internal/models"
	"github.com/steemit/hivefeed/pkg/config"
	"github.com/steemit/hivefeed/pkg/logging"
	"github.com/steemit/hivefeed/pkg/telemetry"
)

var (
	// ErrInvalidUserID is returned when the viewer id is not a UUID
	ErrInvalidUserID = errors.New("invalid user id")
	// ErrInvalidPagination is returned for out-of-range page or limit values
	ErrInvalidPagination = errors.New("invalid pagination")
)

// EntryStore reads the materialized feed
type EntryStore interface {
	ListForUser(ctx context.Context, userID string, offset, limit int) ([]models.FeedEntry, error)
	CountForUser(ctx context.Context, userID string) (int64, error)
}

// PostStore loads active posts
type PostStore interface {
	GetActiveByIDs(ctx context.Context, ids []string) ([]*models.Post, error)
}

// UserStore loads user records
type UserStore interface {
	GetByIDs(ctx context.Context, ids []string) ([]*models.User, error)
}

// InterestStore loads interest records
type InterestStore interface {
	GetByIDs(ctx context.Context, ids []string) ([]*models.Interest, error)
}

// InteractionStore loads the viewer's likes and votes and poll tallies
type InteractionStore interface {
	LikedPostIDs(ctx context.Context, userID string, postIDs []string) (map[string]bool, error)
	PollVotes(ctx context.Context, userID string, postIDs []string) (map[string]int, error)
	PollsByPostIDs(ctx context.Context, postIDs []string) (map[string]*models.Poll, error)
}

// Service reads feeds. It never writes feed entries.
type Service struct {
	entries   EntryStore
	posts     PostStore
	users     UserStore
	interests InterestStore
	actions   InteractionStore
	cache     *cache.Cache
	cfg       config.FeedConfig
	logger    *zap.Logger
}

// NewService creates a new feed read service. c may be nil.
func NewService(entries EntryStore, posts PostStore, users UserStore, interests InterestStore, actions InteractionStore, c *cache.Cache, cfg *config.FeedConfig) *Service {
	return &Service{
		entries:   entries,
		posts:     posts,
		users:     users,
		interests: interests,
		actions:   actions,
		cache:     c,
		cfg:       *cfg,
		logger:    logging.WithComponent("feed"),
	}
}

func (s *Service) normalize(userID string, page, limit int) (int, int, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidUserID, userID)
	}
	if page == 0 {
		page = 1
	}
	if limit == 0 {
		limit = s.cfg.DefaultLimit
	}
	maxLimit := s.cfg.MaxLimit
	if maxLimit <= 0 {
		maxLimit = 100
	}
	if page < 1 {
		return 0, 0, fmt.Errorf("%w: page must be at least 1", ErrInvalidPagination)
	}
	if limit < 1 || limit > maxLimit {
		return 0, 0, fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidPagination, maxLimit)
	}
	// page*limit must fit in an int
	if page > (math.MaxInt-limit)/limit {
		return 0, 0, fmt.Errorf("%w: page %d is out of range", ErrInvalidPagination, page)
	}
	return page, limit, nil
}

// GetFeed returns one page of userID's feed, best entries first. A page or
// limit of 0 selects the default. Entries whose post is no longer active
// are left out of Feed but still counted in Pagination.Total.
func (s *Service) GetFeed(ctx context.Context, userID string, page, limit int) (*Page, error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "feed.GetFeed")
	defer span.End()

	result, err := s.getFeed(ctx, userID, page, limit)
	telemetry.RecordFeedRead(ctx, time.Since(start).Seconds(), err == nil)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("feed.page", result.Pagination.Page),
		attribute.Int("feed.items", len(result.Feed)),
	)
	return result, nil
}

func (s *Service) getFeed(ctx context.Context, userID string, page, limit int) (*Page, error) {
	page, limit, err := s.normalize(userID, page, limit)
	if err != nil {
		return nil, err
	}

	entries, err := s.entries.ListForUser(ctx, userID, (page-1)*limit, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list feed entries: %w", err)
	}
	total, err := s.entries.CountForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to count feed entries: %w", err)
	}

	items, err := s.hydrate(ctx, userID, entries)
	if err != nil {
		return nil, err
	}

	return &Page{
		Feed: items,
		Pagination: Pagination{
			Page:    page,
			Limit:   limit,
			Total:   total,
			HasMore: int64(page*limit) < total,
		},
	}, nil
}

// hydrate turns entries into display items with a fixed number of batched
// lookups, whatever the page size.
func (s *Service) hydrate(ctx context.Context, viewerID string, entries []models.FeedEntry) ([]*Item, error) {
	items := make([]*Item, 0, len(entries))
	if len(entries) == 0 {
		return items, nil
	}

	postIDs := make([]string, 0, len(entries))
	for _, e := range entries {
		postIDs = append(postIDs, e.PostID)
	}
	posts, err := s.posts.GetActiveByIDs(ctx, postIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load posts: %w", err)
	}
	byID := make(map[string]*models.Post, len(posts))
	activeIDs := make([]string, 0, len(posts))
	var userIDs, interestIDs, pollIDs []string
	for _, p := range posts {
		byID[p.ID] = p
		activeIDs = append(activeIDs, p.ID)
		userIDs = append(userIDs, p.AuthorID)
		if p.RepostedByID.Valid {
			userIDs = append(userIDs, p.RepostedByID.String)
		}
		interestIDs = append(interestIDs, p.Interests...)
		if p.Type == models.PostTypePoll {
			pollIDs = append(pollIDs, p.ID)
		}
	}
	if dropped := len(entries) - len(posts); dropped > 0 {
		s.logger.Debug("Skipped inactive posts in feed", logging.UserID(viewerID), zap.Int("count", dropped))
	}

	authors, err := s.authorSummaries(ctx, dedupe(userIDs))
	if err != nil {
		return nil, err
	}
	names, err := s.interestNames(ctx, dedupe(interestIDs))
	if err != nil {
		return nil, err
	}
	liked, err := s.actions.LikedPostIDs(ctx, viewerID, activeIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load likes: %w", err)
	}
	votes, err := s.actions.PollVotes(ctx, viewerID, pollIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load poll votes: %w", err)
	}
	polls, err := s.actions.PollsByPostIDs(ctx, pollIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load polls: %w", err)
	}

	for _, e := range entries {
		p, ok := byID[e.PostID]
		if !ok {
			continue
		}
		item := &Item{
			ID:            p.ID,
			Author:        authors[p.AuthorID],
			Content:       p.Content,
			Media:         nonNil(p.Media),
			LikesCount:    p.LikesCount,
			CommentsCount: p.CommentsCount,
			SharesCount:   p.SharesCount,
			ViewsCount:    p.ViewsCount,
			IsLiked:       liked[p.ID],
			Interests:     make([]InterestRef, 0, len(p.Interests)),
			TaggedUsers:   nonNil(p.TaggedUsers),
			Type:          p.Type,
			CreatedAt:     p.CreatedAt,
			FeedScore:     e.Score,
			FeedSource:    e.Source,
		}
		if item.Author.ID == "" {
			item.Author.ID = p.AuthorID
		}
		for _, id := range p.Interests {
			item.Interests = append(item.Interests, InterestRef{ID: id, Name: names[id]})
		}
		if vote, ok := votes[p.ID]; ok {
			v := vote
			item.UserVote = &v
		}
		if poll, ok := polls[p.ID]; ok {
			item.PollResults = pollResults(poll)
		}
		if p.RepostedByID.Valid {
			if reposter, ok := authors[p.RepostedByID.String]; ok {
				r := reposter
				item.RepostedBy = &r
			}
		}
		items = append(items, item)
	}
	return items, nil
}

func authorKey(id string) string {
	return "author:" + id
}

// authorSummaries resolves users through the cache first and loads the rest
// in one query.
func (s *Service) authorSummaries(ctx context.Context, ids []string) (map[string]AuthorSummary, error) {
	summaries := make(map[string]AuthorSummary, len(ids))
	missing := ids
	if s.cache != nil {
		missing = make([]string, 0, len(ids))
		for _, id := range ids {
			var summary AuthorSummary
			if err := s.cache.GetJSON(ctx, authorKey(id), &summary); err == nil {
				summaries[id] = summary
				continue
			} else if !errors.Is(err, cache.ErrCacheMiss) {
				s.logger.Warn("Author cache read failed", logging.UserID(id), zap.Error(err))
			}
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return summaries, nil
	}

	users, err := s.users.GetByIDs(ctx, missing)
	if err != nil {
		return nil, fmt.Errorf("failed to load authors: %w", err)
	}
	for _, u := range users {
		summary := AuthorSummary{ID: u.ID, Name: u.Name, Username: u.Username, Avatar: u.Avatar}
		summaries[u.ID] = summary
		if s.cache != nil {
			if err := s.cache.SetJSON(ctx, authorKey(u.ID), summary, s.cfg.AuthorTTL); err != nil {
				s.logger.Warn("Author cache write failed", logging.UserID(u.ID), zap.Error(err))
			}
		}
	}
	return summaries, nil
}

func (s *Service) interestNames(ctx context.Context, ids []string) (map[string]string, error) {
	names := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return names, nil
	}
	interests, err := s.interests.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load interests: %w", err)
	}
	for _, in := range interests {
		names[in.ID] = in.Name
	}
	return names, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

package db

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/steemit/hivefeed/internal/models"
)

// maxInParams bounds the number of bind parameters in a single IN (...) list.
const maxInParams = 1000

// Repository provides database access methods
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new repository
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// chunk splits ids into slices of at most size elements
func chunk(ids []string, size int) [][]string {
	if size <= 0 {
		size = maxInParams
	}
	out := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}

// UserRepository provides user-related database operations
type UserRepository struct {
	*Repository
}

// NewUserRepository creates a new user repository
func NewUserRepository(repo *Repository) *UserRepository {
	return &UserRepository{Repository: repo}
}

// Create creates a new user
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	return r.db.WithContext(ctx).Create(user).Error
}

// SetInterests replaces the user's interest set
func (r *UserRepository) SetInterests(ctx context.Context, userID string, interestIDs []string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&models.UserInterest{}).Error; err != nil {
			return err
		}
		if len(interestIDs) == 0 {
			return nil
		}
		rows := make([]models.UserInterest, 0, len(interestIDs))
		for _, id := range interestIDs {
			rows = append(rows, models.UserInterest{UserID: userID, InterestID: id})
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
	})
}

// IDsByInterests returns the ids of active users holding at least one of
// the given interests. The result carries no duplicates.
func (r *UserRepository) IDsByInterests(ctx context.Context, interestIDs []string) ([]string, error) {
	if len(interestIDs) == 0 {
		return nil, nil
	}
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&models.UserInterest{}).
		Distinct("user_interests.user_id").
		Joins("JOIN users ON users.id = user_interests.user_id").
		Where("user_interests.interest_id IN ? AND users.is_active = ?", interestIDs, true).
		Pluck("user_interests.user_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// InterestsByUsers returns the interest ids of each given user in a single
// pass (chunked for very large audiences). Users without interests are
// absent from the map.
func (r *UserRepository) InterestsByUsers(ctx context.Context, userIDs []string) (map[string][]string, error) {
	result := make(map[string][]string, len(userIDs))
	for _, part := range chunk(userIDs, maxInParams) {
		var rows []models.UserInterest
		if err := r.db.WithContext(ctx).Where("user_id IN ?", part).Find(&rows).Error; err != nil {
			return nil, err
		}
		for _, row := range rows {
			result[row.UserID] = append(result[row.UserID], row.InterestID)
		}
	}
	return result, nil
}

// SetActive activates or deactivates a user
func (r *UserRepository) SetActive(ctx context.Context, id string, active bool) error {
	return r.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", id).
		Update("is_active", active).Error
}

// GetByIDs retrieves multiple users by id
func (r *UserRepository) GetByIDs(ctx context.Context, ids []string) ([]*models.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var users []*models.User
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

// FollowRepository provides follow-graph database operations
type FollowRepository struct {
	*Repository
}

// NewFollowRepository creates a new follow repository
func NewFollowRepository(repo *Repository) *FollowRepository {
	return &FollowRepository{Repository: repo}
}

// Create records a follow edge. Following twice is a no-op.
func (r *FollowRepository) Create(ctx context.Context, followerID, followeeID string) error {
	edge := models.Follow{FollowerID: followerID, FolloweeID: followeeID}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&edge).Error
}

// FollowerIDs returns the ids of the active users following the given user
func (r *FollowRepository) FollowerIDs(ctx context.Context, followeeID string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&models.Follow{}).
		Joins("JOIN users ON users.id = follows.follower_id").
		Where("follows.followee_id = ? AND users.is_active = ?", followeeID, true).
		Pluck("follows.follower_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// PostFilter narrows the posts selected for maintenance runs
type PostFilter struct {
	PostID string
	Type   string
}

// PostRepository provides post-related database operations
type PostRepository struct {
	*Repository
}

// NewPostRepository creates a new post repository
func NewPostRepository(repo *Repository) *PostRepository {
	return &PostRepository{Repository: repo}
}

// GetByID retrieves a post by ID together with its interest ids.
// It returns nil, nil when the post does not exist.
func (r *PostRepository) GetByID(ctx context.Context, id string) (*models.Post, error) {
	var post models.Post
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&post).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if err := r.loadInterests(ctx, []*models.Post{&post}); err != nil {
		return nil, err
	}
	return &post, nil
}

// GetActiveByIDs retrieves the active posts among ids. Inactive and missing
// posts are left out without error.
func (r *PostRepository) GetActiveByIDs(ctx context.Context, ids []string) ([]*models.Post, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var posts []*models.Post
	if err := r.db.WithContext(ctx).
		Where("id IN ? AND is_active = ?", ids, true).
		Find(&posts).Error; err != nil {
		return nil, err
	}
	if err := r.loadInterests(ctx, posts); err != nil {
		return nil, err
	}
	return posts, nil
}

// ListActiveIDs returns the ids of active posts matching filter, oldest
// first.
func (r *PostRepository) ListActiveIDs(ctx context.Context, filter PostFilter) ([]string, error) {
	query := r.db.WithContext(ctx).Model(&models.Post{}).Where("is_active = ?", true)
	if filter.PostID != "" {
		query = query.Where("id = ?", filter.PostID)
	}
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	var ids []string
	if err := query.Order("created_at ASC").Order("id ASC").Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// CountByType returns the number of posts of each type
func (r *PostRepository) CountByType(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Type  string
		Count int64
	}
	if err := r.db.WithContext(ctx).
		Model(&models.Post{}).
		Select("type, COUNT(*) AS count").
		Group("type").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Type] = row.Count
	}
	return counts, nil
}

// Create creates a new post and its ordered interest tags
func (r *PostRepository) Create(ctx context.Context, post *models.Post, interestIDs []string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(post).Error; err != nil {
			return err
		}
		if len(interestIDs) == 0 {
			return nil
		}
		rows := make([]models.PostInterest, 0, len(interestIDs))
		for i, id := range interestIDs {
			rows = append(rows, models.PostInterest{PostID: post.ID, InterestID: id, Position: i})
		}
		if err := tx.Create(&rows).Error; err != nil {
			return err
		}
		post.Interests = append([]string(nil), interestIDs...)
		return nil
	})
}

// UpdateEngagement overwrites the post's engagement counters
func (r *PostRepository) UpdateEngagement(ctx context.Context, id string, likes, comments int64) error {
	return r.db.WithContext(ctx).
		Model(&models.Post{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"likes_count": likes, "comments_count": comments}).Error
}

// SetActive flips the soft-delete flag of a post
func (r *PostRepository) SetActive(ctx context.Context, id string, active bool) error {
	return r.db.WithContext(ctx).
		Model(&models.Post{}).
		Where("id = ?", id).
		Update("is_active", active).Error
}

func (r *PostRepository) loadInterests(ctx context.Context, posts []*models.Post) error {
	if len(posts) == 0 {
		return nil
	}
	byID := make(map[string]*models.Post, len(posts))
	ids := make([]string, 0, len(posts))
	for _, p := range posts {
		byID[p.ID] = p
		ids = append(ids, p.ID)
		p.Interests = nil
	}
	var rows []models.PostInterest
	if err := r.db.WithContext(ctx).
		Where("post_id IN ?", ids).
		Order("post_id ASC").Order("position ASC").
		Find(&rows).Error; err != nil {
		return err
	}
	for _, row := range rows {
		if p, ok := byID[row.PostID]; ok {
			p.Interests = append(p.Interests, row.InterestID)
		}
	}
	return nil
}

// InterestRepository provides interest lookups
type InterestRepository struct {
	*Repository
}

// NewInterestRepository creates a new interest repository
func NewInterestRepository(repo *Repository) *InterestRepository {
	return &InterestRepository{Repository: repo}
}

// Create creates a new interest
func (r *InterestRepository) Create(ctx context.Context, interest *models.Interest) error {
	return r.db.WithContext(ctx).Create(interest).Error
}

// GetByIDs retrieves interests by id
func (r *InterestRepository) GetByIDs(ctx context.Context, ids []string) ([]*models.Interest, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var interests []*models.Interest
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&interests).Error; err != nil {
		return nil, err
	}
	return interests, nil
}

// InteractionRepository provides like and poll lookups for one viewer
type InteractionRepository struct {
	*Repository
}

// NewInteractionRepository creates a new interaction repository
func NewInteractionRepository(repo *Repository) *InteractionRepository {
	return &InteractionRepository{Repository: repo}
}

// LikedPostIDs returns the subset of postIDs the user has liked
func (r *InteractionRepository) LikedPostIDs(ctx context.Context, userID string, postIDs []string) (map[string]bool, error) {
	liked := make(map[string]bool)
	if len(postIDs) == 0 {
		return liked, nil
	}
	var ids []string
	if err := r.db.WithContext(ctx).
		Model(&models.Like{}).
		Where("user_id = ? AND post_id IN ?", userID, postIDs).
		Pluck("post_id", &ids).Error; err != nil {
		return nil, err
	}
	for _, id := range ids {
		liked[id] = true
	}
	return liked, nil
}

// PollVotes returns the option index the user chose, per post
func (r *InteractionRepository) PollVotes(ctx context.Context, userID string, postIDs []string) (map[string]int, error) {
	votes := make(map[string]int)
	if len(postIDs) == 0 {
		return votes, nil
	}
	var rows []models.PollVote
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND post_id IN ?", userID, postIDs).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		votes[row.PostID] = row.OptionIndex
	}
	return votes, nil
}

// PollsByPostIDs returns the polls attached to the given posts
func (r *InteractionRepository) PollsByPostIDs(ctx context.Context, postIDs []string) (map[string]*models.Poll, error) {
	polls := make(map[string]*models.Poll)
	if len(postIDs) == 0 {
		return polls, nil
	}
	var rows []*models.Poll
	if err := r.db.WithContext(ctx).Where("post_id IN ?", postIDs).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, p := range rows {
		polls[p.PostID] = p
	}
	return polls, nil
}

// CreateLike records a like. Liking twice is a no-op.
func (r *InteractionRepository) CreateLike(ctx context.Context, userID, postID string) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.Like{UserID: userID, PostID: postID}).Error
}

// CreatePoll creates the poll attached to a poll post
func (r *InteractionRepository) CreatePoll(ctx context.Context, poll *models.Poll) error {
	return r.db.WithContext(ctx).Create(poll).Error
}

// CreatePollVote records the user's vote on a poll
func (r *InteractionRepository) CreatePollVote(ctx context.Context, vote *models.PollVote) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(vote).Error
}

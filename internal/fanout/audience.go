package fanout

import (
	"context"
	"fmt"
	"sort"

	"github.com/steemit/hivefeed/internal/models"
)

// InterestIndex finds users by interest
type InterestIndex interface {
	IDsByInterests(ctx context.Context, interestIDs []string) ([]string, error)
}

// FollowerIndex lists the followers of a user
type FollowerIndex interface {
	FollowerIDs(ctx context.Context, followeeID string) ([]string, error)
}

// Member is one recipient of a post
type Member struct {
	UserID      string
	IsFollowing bool
}

// Audience is the recipient set of a post, sorted by user id
type Audience []Member

// UserIDs returns the member ids in audience order
func (a Audience) UserIDs() []string {
	ids := make([]string, len(a))
	for i, m := range a {
		ids[i] = m.UserID
	}
	return ids
}

// Resolver computes who should receive a post: everyone sharing an interest
// with it plus every follower of its author. The author never receives
// their own post.
type Resolver struct {
	interests InterestIndex
	followers FollowerIndex
}

// NewResolver creates a new audience resolver
func NewResolver(interests InterestIndex, followers FollowerIndex) *Resolver {
	return &Resolver{interests: interests, followers: followers}
}

// Resolve returns the audience of post
func (r *Resolver) Resolve(ctx context.Context, post *models.Post) (Audience, error) {
	following := make(map[string]bool)

	if len(post.Interests) > 0 {
		ids, err := r.interests.IDsByInterests(ctx, post.Interests)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve interest audience: %w", err)
		}
		for _, id := range ids {
			following[id] = false
		}
	}

	followerIDs, err := r.followers.FollowerIDs(ctx, post.AuthorID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve followers: %w", err)
	}
	for _, id := range followerIDs {
		following[id] = true
	}

	delete(following, post.AuthorID)

	audience := make(Audience, 0, len(following))
	for id, isFollowing := range following {
		audience = append(audience, Member{UserID: id, IsFollowing: isFollowing})
	}
	sort.Slice(audience, func(i, j int) bool { return audience[i].UserID < audience[j].UserID })
	return audience, nil
}

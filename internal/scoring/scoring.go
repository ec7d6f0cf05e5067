// Package scoring computes the relevance of a post for one candidate user.
// Everything here is pure: the evaluation instant is passed in, so the same
// inputs always give the same score.
package scoring

import (
	"math"
	"time"

	"github.com/steemit/hivefeed/internal/models"
)

// Weights of the individual signals
const (
	RecencyCeiling    = 100.0
	InterestWeight    = 50.0
	FollowerBoost     = 100.0
	LikeWeight        = 2.0
	CommentWeight     = 5.0
	EngagementCeiling = 200.0
	TrendingBoost     = 150.0
)

// Candidate is the scoring view of a user
type Candidate struct {
	ID        string
	Interests []string
}

// Signals carries everything besides the post and the user that affects a
// score.
type Signals struct {
	Now           time.Time
	IsFollowing   bool
	IsTrending    bool
	LocationBoost float64
}

// Breakdown holds each additive term of a score
type Breakdown struct {
	Recency          float64
	Interest         float64
	Follower         float64
	Engagement       float64
	Location         float64
	Trending         float64
	MatchedInterests int
}

// Total sums the terms. Scores are not normalized.
func (b Breakdown) Total() float64 {
	return b.Recency + b.Interest + b.Follower + b.Engagement + b.Location + b.Trending
}

// Compute scores post for user
func Compute(post *models.Post, user Candidate, sig Signals) Breakdown {
	matched := overlap(post.Interests, user.Interests)

	b := Breakdown{
		Recency:          recency(post.CreatedAt, sig.Now),
		Interest:         InterestWeight * float64(matched),
		Engagement:       math.Min(EngagementCeiling, LikeWeight*float64(post.LikesCount)+CommentWeight*float64(post.CommentsCount)),
		Location:         sig.LocationBoost,
		MatchedInterests: matched,
	}
	if sig.IsFollowing {
		b.Follower = FollowerBoost
	}
	if sig.IsTrending {
		b.Trending = TrendingBoost
	}
	return b
}

// Score returns the total relevance of post for user
func Score(post *models.Post, user Candidate, sig Signals) float64 {
	return Compute(post, user, sig).Total()
}

// Source names the strongest reason the post reached the user
func Source(b Breakdown, sig Signals) string {
	switch {
	case sig.IsFollowing:
		return models.SourceFollower
	case b.MatchedInterests > 0:
		return models.SourceInterest
	case sig.IsTrending:
		return models.SourceTrending
	default:
		return models.SourceRecommended
	}
}

// Metadata renders the breakdown as stored on a feed entry
func Metadata(b Breakdown) models.FeedMetadata {
	return models.FeedMetadata{
		InterestMatch:    b.MatchedInterests > 0,
		MatchedInterests: b.MatchedInterests,
		FollowerBoost:    b.Follower,
		EngagementBoost:  b.Engagement,
	}
}

// recency decays one point per hour of age. Posts dated in the future count
// as brand new.
func recency(createdAt, now time.Time) float64 {
	age := now.Sub(createdAt).Hours()
	if age < 0 {
		age = 0
	}
	return math.Max(0, RecencyCeiling-age)
}

func overlap(a, b []string) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(b))
	for _, id := range b {
		set[id] = struct{}{}
	}
	n := 0
	seen := make(map[string]struct{}, len(a))
	for _, id := range a {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := set[id]; ok {
			n++
		}
	}
	return n
}

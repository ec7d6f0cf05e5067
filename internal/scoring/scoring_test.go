package scoring

import (
	"testing"
	"time"

	"github.com/steemit/hivefeed/internal/models"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func post(age time.Duration, likes, comments int64, interests ...string) *models.Post {
	return &models.Post{
		ID:            "p1",
		AuthorID:      "author",
		LikesCount:    likes,
		CommentsCount: comments,
		CreatedAt:     now.Add(-age),
		Interests:     interests,
	}
}

func TestScore(t *testing.T) {
	tests := []struct {
		name   string
		post   *models.Post
		user   Candidate
		sig    Signals
		want   float64
		source string
	}{
		{
			name:   "follower with one shared interest",
			post:   post(2*time.Hour, 10, 2, "A", "B"),
			user:   Candidate{ID: "u1", Interests: []string{"A"}},
			sig:    Signals{Now: now, IsFollowing: true},
			want:   98 + 50 + 100 + 30,
			source: models.SourceFollower,
		},
		{
			name:   "two shared interests without follow",
			post:   post(2*time.Hour, 10, 2, "A", "B"),
			user:   Candidate{ID: "u2", Interests: []string{"A", "B"}},
			sig:    Signals{Now: now},
			want:   98 + 100 + 30,
			source: models.SourceInterest,
		},
		{
			name:   "recency floors at zero",
			post:   post(300*time.Hour, 0, 0),
			user:   Candidate{ID: "u3"},
			sig:    Signals{Now: now},
			want:   0,
			source: models.SourceRecommended,
		},
		{
			name:   "engagement is capped",
			post:   post(100*time.Hour, 500, 500),
			user:   Candidate{ID: "u4"},
			sig:    Signals{Now: now},
			want:   200,
			source: models.SourceRecommended,
		},
		{
			name:   "trending without overlap",
			post:   post(10*time.Hour, 0, 0, "A"),
			user:   Candidate{ID: "u5", Interests: []string{"C"}},
			sig:    Signals{Now: now, IsTrending: true},
			want:   90 + 150,
			source: models.SourceTrending,
		},
		{
			name:   "future post counts as new",
			post:   post(-time.Hour, 0, 0),
			user:   Candidate{ID: "u6"},
			sig:    Signals{Now: now},
			want:   100,
			source: models.SourceRecommended,
		},
		{
			name:   "duplicate post interests count once",
			post:   post(100*time.Hour, 0, 0, "A", "A"),
			user:   Candidate{ID: "u7", Interests: []string{"A"}},
			sig:    Signals{Now: now},
			want:   50,
			source: models.SourceInterest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := Compute(tt.post, tt.user, tt.sig)
			if got := b.Total(); got != tt.want {
				t.Errorf("Compute().Total() = %v, want %v", got, tt.want)
			}
			if got := Score(tt.post, tt.user, tt.sig); got != tt.want {
				t.Errorf("Score() = %v, want %v", got, tt.want)
			}
			if got := Source(b, tt.sig); got != tt.source {
				t.Errorf("Source() = %v, want %v", got, tt.source)
			}
		})
	}
}

func TestScoreIsDeterministic(t *testing.T) {
	p := post(90*time.Minute, 7, 3, "A", "B", "C")
	u := Candidate{ID: "u1", Interests: []string{"C", "A"}}
	sig := Signals{Now: now, IsFollowing: true}

	first := Score(p, u, sig)
	for i := 0; i < 100; i++ {
		if got := Score(p, u, sig); got != first {
			t.Fatalf("Score() changed between calls: %v then %v", first, got)
		}
	}
}

func TestMetadata(t *testing.T) {
	b := Compute(post(0, 10, 2, "A", "B"), Candidate{Interests: []string{"B"}}, Signals{Now: now, IsFollowing: true})
	md := Metadata(b)

	if !md.InterestMatch || md.MatchedInterests != 1 {
		t.Errorf("Metadata() interest = %v/%d, want true/1", md.InterestMatch, md.MatchedInterests)
	}
	if md.FollowerBoost != 100 {
		t.Errorf("Metadata().FollowerBoost = %v, want 100", md.FollowerBoost)
	}
	if md.EngagementBoost != 30 {
		t.Errorf("Metadata().EngagementBoost = %v, want 30", md.EngagementBoost)
	}
}

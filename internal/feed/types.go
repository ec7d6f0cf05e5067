package feed

import (
	"time"
)

// AuthorSummary is the public view of a post author or reposter
type AuthorSummary struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
}

// InterestRef names one interest tag of a post
type InterestRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// PollOptionResult is one poll option with its share of the votes
type PollOptionResult struct {
	Text       string  `json:"text"`
	Votes      int64   `json:"votes"`
	Percentage float64 `json:"percentage"`
}

// PollResults is the tally of a poll post
type PollResults struct {
	Question   string             `json:"question"`
	TotalVotes int64              `json:"totalVotes"`
	Options    []PollOptionResult `json:"options"`
}

// Item is one hydrated feed entry
type Item struct {
	ID            string         `json:"id"`
	Author        AuthorSummary  `json:"author"`
	Content       string         `json:"content"`
	Media         []string       `json:"media"`
	LikesCount    int64          `json:"likesCount"`
	CommentsCount int64          `json:"commentsCount"`
	SharesCount   int64          `json:"sharesCount"`
	ViewsCount    int64          `json:"viewsCount"`
	IsLiked       bool           `json:"isLiked"`
	UserVote      *int           `json:"userVote"`
	PollResults   *PollResults   `json:"pollResults"`
	Interests     []InterestRef  `json:"interests"`
	TaggedUsers   []string       `json:"taggedUsers"`
	Type          string         `json:"type"`
	CreatedAt     time.Time      `json:"createdAt"`
	FeedScore     float64        `json:"feedScore"`
	FeedSource    string         `json:"feedSource"`
	RepostedBy    *AuthorSummary `json:"repostedBy,omitempty"`
}

// Pagination describes where a page sits in the full feed. Total counts
// every stored entry of the user, including entries filtered out of Feed
// because their post was deactivated.
type Pagination struct {
	Page    int   `json:"page"`
	Limit   int   `json:"limit"`
	Total   int64 `json:"total"`
	HasMore bool  `json:"hasMore"`
}

// Page is one page of a user's feed
type Page struct {
	Feed       []*Item    `json:"feed"`
	Pagination Pagination `json:"pagination"`
}

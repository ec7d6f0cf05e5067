package feed

import (
	"math"

	"github.com/steemit/hivefeed/internal/models"
)

// Percentage returns votes as a share of total, rounded to one decimal.
// An empty poll reports 0 for every option.
func Percentage(votes, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(votes)/float64(total)*1000) / 10
}

func pollResults(poll *models.Poll) *PollResults {
	results := &PollResults{
		Question:   poll.Question,
		TotalVotes: poll.TotalVotes,
		Options:    make([]PollOptionResult, 0, len(poll.Options)),
	}
	for _, opt := range poll.Options {
		results.Options = append(results.Options, PollOptionResult{
			Text:       opt.Text,
			Votes:      opt.Votes,
			Percentage: Percentage(opt.Votes, poll.TotalVotes),
		})
	}
	return results
}

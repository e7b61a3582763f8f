// Package attention implements the competitive selection step: every
// cycle, all pending candidates are scored and ranked, at most one wins,
// and sub-threshold losers are marked for forgetting.
package attention

import (
	"sort"
	"time"

	"github.com/mollendorff-ai/noesis/internal/salience"
	"github.com/mollendorff-ai/noesis/internal/stream"
)

// BatchSize caps how many candidates compete per cycle. Bounding the
// batch bounds the cycle's latency regardless of backlog.
const BatchSize = 100

// DefaultForgetThreshold is the composite score below which losing
// candidates are deleted instead of carried forward.
const DefaultForgetThreshold = 0.3

// Scored pairs a stream entry with its composite salience for this cycle.
type Scored struct {
	Entry stream.Entry
	Score float64
}

// Result partitions one cycle's candidates. Winner is nil when nothing
// competed. Forgotten holds sub-threshold losers and expired candidates;
// both leave working memory. Losers stay pending for the next cycle.
type Result struct {
	Winner    *Scored
	Losers    []Scored
	Forgotten []Scored
}

// Scorer turns signals into a composite score. A plain weight set and a
// drive-modulated scorer both satisfy it.
type Scorer interface {
	Score(s salience.Signals) float64
}

// WeightScorer scores with fixed weights and no drive modulation.
type WeightScorer salience.Weights

func (w WeightScorer) Score(s salience.Signals) float64 {
	return salience.Composite(s, salience.Weights(w))
}

// Compete scores and ranks candidates, picks the single winner, and
// partitions the rest. Candidates past their intervention deadline are
// forgotten outright and never win, whatever their score. Ties on score
// go to the earliest created candidate, so a hot newcomer cannot starve
// an equally salient thought that has been waiting.
func Compete(entries []stream.Entry, scorer Scorer, now time.Time, forgetThreshold float64) Result {
	if len(entries) > BatchSize {
		entries = entries[:BatchSize]
	}

	var res Result
	live := make([]Scored, 0, len(entries))
	for _, e := range entries {
		sc := Scored{Entry: e, Score: scorer.Score(e.Candidate.Signals)}
		if e.Candidate.Expired(now) {
			res.Forgotten = append(res.Forgotten, sc)
			continue
		}
		live = append(live, sc)
	}
	if len(live) == 0 {
		return res
	}

	sort.SliceStable(live, func(i, j int) bool {
		if live[i].Score != live[j].Score {
			return live[i].Score > live[j].Score
		}
		return live[i].Entry.Candidate.CreatedAt.Before(live[j].Entry.Candidate.CreatedAt)
	})

	res.Winner = &live[0]
	for _, sc := range live[1:] {
		if sc.Score < forgetThreshold {
			res.Forgotten = append(res.Forgotten, sc)
		} else {
			res.Losers = append(res.Losers, sc)
		}
	}
	return res
}

// Package relevance tracks how useful retrieved memories turn out to
// be. Feedback submissions update a per-node importance score through
// an exponentially weighted moving average; the scoring helpers here
// also serve retrieval ranking directly.
package relevance

import (
	"math"
	"sort"
	"strings"
	"time"
)

const (
	// DefaultRRFConstant is the k in the 1/(k+rank) fusion term.
	DefaultRRFConstant = 60

	// Default weights for combining score sources.
	WeightSemantic   = 0.4
	WeightKeyword    = 0.3
	WeightGraph      = 0.2
	WeightHistorical = 0.1
)

// HeuristicScore rates how well memory content matches a query by token
// overlap, scaled into [0.3, 0.7]. A memory quoted near-verbatim in the
// response earns an extra 0.2, capped at 1.
func HeuristicScore(query, memory, response string) float64 {
	score := 0.5

	queryTokens := tokenSet(query)
	memoryTokens := tokenSet(memory)
	union := len(queryTokens)
	overlap := 0
	for tok := range memoryTokens {
		if _, ok := queryTokens[tok]; ok {
			overlap++
		} else {
			union++
		}
	}
	if union > 0 {
		score = 0.3 + 0.4*float64(overlap)/float64(union)
	}

	if response != "" && memory != "" {
		probe := memory
		if len(probe) > 50 {
			probe = probe[:50]
		}
		if strings.Contains(response, probe) {
			score = math.Min(1.0, score+0.2)
		}
	}
	return score
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		set[tok] = struct{}{}
	}
	return set
}

// RankedID is one fused retrieval result.
type RankedID struct {
	ID    string  `json:"memory_id"`
	Score float64 `json:"rrf_score"`
}

// FuseRankings merges ranked id lists from multiple retrieval sources
// with reciprocal rank fusion. k <= 0 takes the default. Ties break on
// id so the order is stable across runs.
func FuseRankings(rankings map[string][]string, k int) []RankedID {
	if k <= 0 {
		k = DefaultRRFConstant
	}
	scores := make(map[string]float64)
	for _, ids := range rankings {
		for rank, id := range ids {
			scores[id] += 1.0 / float64(k+rank+1)
		}
	}
	fused := make([]RankedID, 0, len(scores))
	for id, score := range scores {
		fused = append(fused, RankedID{ID: id, Score: score})
	}
	sort.Slice(fused, func(i, j int) bool {
		if fused[i].Score != fused[j].Score {
			return fused[i].Score > fused[j].Score
		}
		return fused[i].ID < fused[j].ID
	})
	return fused
}

// Component is one weighted score source for CombineScores.
type Component struct {
	Score  float64
	Weight float64
}

// CombineScores merges score sources by normalized weight, clamped to
// [0, 1]. No components yields the neutral 0.5.
func CombineScores(components ...Component) float64 {
	if len(components) == 0 {
		return 0.5
	}
	total := 0.0
	for _, comp := range components {
		total += comp.Weight
	}
	combined := 0.0
	if total > 0 {
		for _, comp := range components {
			combined += comp.Score * comp.Weight / total
		}
	} else {
		for _, comp := range components {
			combined += comp.Score / float64(len(components))
		}
	}
	return math.Min(1.0, math.Max(0.0, combined))
}

// DecayFactor halves once per half-life of inactivity.
func DecayFactor(sinceAccess time.Duration, halfLifeDays float64) float64 {
	if halfLifeDays <= 0 || sinceAccess <= 0 {
		return 1
	}
	days := sinceAccess.Hours() / 24
	return math.Exp(-math.Ln2 * days / halfLifeDays)
}

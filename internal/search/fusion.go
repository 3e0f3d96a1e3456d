package search

import (
	"sort"
)

// ranked is one entry of a ranked id list handed to fusion.
type ranked struct {
	ID    string
	Score float64
}

// Fusion algorithm names accepted in configuration.
const (
	FuseRRF    = "rrf"
	FuseLinear = "linear"
	FuseBorda  = "borda"
	FuseMax    = "max"
	FuseMin    = "min"
)

const rrfK = 60.0

// fuse merges the text and vector ranked lists into one. Ties break on id
// so the output ordering is stable across calls.
func fuse(algorithm string, text, vector []ranked, textWeight, vectorWeight float64) []ranked {
	switch algorithm {
	case FuseLinear:
		return fuseLinear(text, vector, textWeight, vectorWeight)
	case FuseBorda:
		return fuseBorda(text, vector)
	case FuseMax:
		return fuseExtreme(text, vector, true)
	case FuseMin:
		return fuseExtreme(text, vector, false)
	default:
		return fuseRRF(text, vector)
	}
}

// fuseRRF is reciprocal rank fusion: each list contributes 1/(k+rank).
func fuseRRF(lists ...[]ranked) []ranked {
	scores := make(map[string]float64)
	for _, list := range lists {
		for rank, r := range list {
			scores[r.ID] += 1.0 / (rrfK + float64(rank+1))
		}
	}
	return sortScores(scores)
}

// fuseLinear is a weighted sum of min-max normalized scores.
func fuseLinear(text, vector []ranked, textWeight, vectorWeight float64) []ranked {
	scores := make(map[string]float64)
	for id, s := range normalizeScores(text) {
		scores[id] += textWeight * s
	}
	for id, s := range normalizeScores(vector) {
		scores[id] += vectorWeight * s
	}
	return sortScores(scores)
}

// fuseBorda scores each id by the positions it would win in an election:
// list length minus rank, summed across lists.
func fuseBorda(lists ...[]ranked) []ranked {
	scores := make(map[string]float64)
	for _, list := range lists {
		n := len(list)
		for rank, r := range list {
			scores[r.ID] += float64(n - rank)
		}
	}
	return sortScores(scores)
}

// fuseExtreme keeps the max (or min) normalized score across lists.
func fuseExtreme(text, vector []ranked, wantMax bool) []ranked {
	scores := make(map[string]float64)
	seen := make(map[string]bool)
	apply := func(m map[string]float64) {
		for id, s := range m {
			if !seen[id] {
				seen[id] = true
				scores[id] = s
				continue
			}
			if wantMax == (s > scores[id]) {
				scores[id] = s
			}
		}
	}
	apply(normalizeScores(text))
	apply(normalizeScores(vector))
	return sortScores(scores)
}

// normalizeScores min-max scales a list's scores into [0,1].
func normalizeScores(list []ranked) map[string]float64 {
	out := make(map[string]float64, len(list))
	if len(list) == 0 {
		return out
	}
	lo, hi := list[0].Score, list[0].Score
	for _, r := range list {
		if r.Score < lo {
			lo = r.Score
		}
		if r.Score > hi {
			hi = r.Score
		}
	}
	span := hi - lo
	for _, r := range list {
		if span == 0 {
			out[r.ID] = 1.0
		} else {
			out[r.ID] = (r.Score - lo) / span
		}
	}
	return out
}

func sortScores(scores map[string]float64) []ranked {
	out := make([]ranked, 0, len(scores))
	for id, s := range scores {
		out = append(out, ranked{ID: id, Score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return out
}

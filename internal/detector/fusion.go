package detector

import (
	"sort"

	"github.com/hyperjump/lcdetect/internal/bayes"
	"github.com/hyperjump/lcdetect/internal/models"
)

// FusedCandidate holds an image with its raw index score, its normalized
// temporal belief and the fused score used to build islands.
type FusedCandidate struct {
	ImageID    uint32
	Score      float64
	RawScore   float64
	BayesScore float64
}

// NormalizeBayesScores maps smoothed scores to [0,1] by max.
func NormalizeBayesScores(results []bayes.Result) map[uint32]float64 {
	normalized := make(map[uint32]float64, len(results))
	if len(results) == 0 {
		return normalized
	}
	maxScore := results[0].Score
	for _, r := range results {
		if r.Score > maxScore {
			maxScore = r.Score
		}
	}
	for _, r := range results {
		if maxScore > 0 {
			normalized[r.ImageID] = r.Score / maxScore
		} else {
			normalized[r.ImageID] = 0
		}
	}
	return normalized
}

// Fuse attenuates every raw candidate by its temporal belief:
// score = raw * (1 - w + w*belief). With no belief available the raw
// score is kept. Results are sorted by descending fused score, ties to
// the lower image id.
func Fuse(raw []models.ImageMatch, bayesScores map[uint32]float64, bayesWeight float64) []*FusedCandidate {
	if bayesWeight < 0 {
		bayesWeight = 0
	}
	if bayesWeight > 1 {
		bayesWeight = 1
	}
	results := make([]*FusedCandidate, 0, len(raw))
	for _, m := range raw {
		c := &FusedCandidate{ImageID: m.ImageID, RawScore: m.Score, Score: m.Score}
		if len(bayesScores) > 0 {
			c.BayesScore = bayesScores[m.ImageID]
			c.Score = m.Score * (1 - bayesWeight + bayesWeight*c.BayesScore)
		}
		results = append(results, c)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ImageID < results[j].ImageID
	})
	return results
}

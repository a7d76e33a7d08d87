// Package matching filters and computes binary descriptor correspondences.
package matching

import (
	"math"

	"github.com/hyperjump/lcdetect/internal/models"
)

// FilterRatio keeps the best neighbour of every query descriptor when it is
// at most nndr times as far as the second best. Lists with a single
// neighbour are kept; empty lists are dropped.
func FilterRatio(knn [][]models.DescriptorMatch, nndr float64) []models.DescriptorMatch {
	out := make([]models.DescriptorMatch, 0, len(knn))
	for _, m := range knn {
		switch {
		case len(m) == 0:
		case len(m) == 1:
			out = append(out, m[0])
		case float64(m[0].Distance) <= float64(m[1].Distance)*nndr:
			out = append(out, m[0])
		}
	}
	return out
}

// KNNBruteForce returns, for every query descriptor, its k nearest train
// descriptors by Hamming distance in ascending order. TrainIdx is the offset
// into train.
func KNNBruteForce(query, train []models.Descriptor, k int) [][]models.DescriptorMatch {
	out := make([][]models.DescriptorMatch, len(query))
	if k <= 0 {
		return out
	}
	for qi, q := range query {
		best := make([]models.DescriptorMatch, 0, k)
		for ti, t := range train {
			d := q.Hamming(t)
			if len(best) == k && d >= best[k-1].Distance {
				continue
			}
			m := models.DescriptorMatch{QueryIdx: qi, TrainIdx: ti, Distance: d}
			pos := len(best)
			for pos > 0 && best[pos-1].Distance > d {
				pos--
			}
			if len(best) < k {
				best = append(best, models.DescriptorMatch{})
			}
			copy(best[pos+1:], best[pos:len(best)-1])
			best[pos] = m
		}
		out[qi] = best
	}
	return out
}

// RatioMatchBF matches query against train exhaustively and applies the ratio test.
func RatioMatchBF(query, train []models.Descriptor, nndr float64) []models.DescriptorMatch {
	return FilterRatio(KNNBruteForce(query, train, 2), nndr)
}

// ConvertPoints returns the paired keypoint locations of matches.
// Matches referencing keypoints out of range are skipped.
func ConvertPoints(queryKps, trainKps []models.Keypoint, matches []models.DescriptorMatch) (query, train []models.Point2D) {
	query = make([]models.Point2D, 0, len(matches))
	train = make([]models.Point2D, 0, len(matches))
	for _, m := range matches {
		if m.QueryIdx < 0 || m.QueryIdx >= len(queryKps) || m.TrainIdx < 0 || m.TrainIdx >= len(trainKps) {
			continue
		}
		query = append(query, queryKps[m.QueryIdx].Point())
		train = append(train, trainKps[m.TrainIdx].Point())
	}
	return query, train
}

// MeanDistance returns the mean Hamming distance of matches, or +Inf when there are none.
func MeanDistance(matches []models.DescriptorMatch) float64 {
	if len(matches) == 0 {
		return math.Inf(1)
	}
	var sum int
	for _, m := range matches {
		sum += m.Distance
	}
	return float64(sum) / float64(len(matches))
}

// Package geometry verifies loop closure candidates with two-view epipolar geometry.
package geometry

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/hyperjump/lcdetect/internal/models"
)

// MinPoints is the number of correspondences needed by the 8-point algorithm.
const MinPoints = 8

var (
	// ErrNotEnoughPoints is returned when fewer than MinPoints correspondences are given.
	ErrNotEnoughPoints = errors.New("not enough correspondences")
	// ErrDegenerate is returned when a sample does not determine a fundamental matrix.
	ErrDegenerate = errors.New("degenerate point configuration")
)

// Verifier counts the correspondences consistent with a two-view geometric model.
type Verifier interface {
	Verify(query, train []models.Point2D) (int, error)
}

// Options configures a RANSACVerifier.
type Options struct {
	// Threshold is the maximum point to epipolar line distance in pixels.
	Threshold float64
	// Confidence is the target probability of drawing one outlier-free sample.
	Confidence    float64
	MaxIterations int
	Seed          uint64
}

// RANSACVerifier estimates a fundamental matrix with RANSAC over the
// normalized 8-point algorithm and reports its inlier count.
type RANSACVerifier struct {
	opts Options
	rng  *rand.Rand
}

// NewRANSACVerifier returns a verifier. Zero options get defaults of 2px,
// 0.985 confidence and 2000 iterations.
func NewRANSACVerifier(opts Options) *RANSACVerifier {
	if opts.Threshold <= 0 {
		opts.Threshold = 2.0
	}
	if opts.Confidence <= 0 || opts.Confidence >= 1 {
		opts.Confidence = 0.985
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 2000
	}
	return &RANSACVerifier{
		opts: opts,
		rng:  rand.New(rand.NewPCG(opts.Seed, opts.Seed+1)),
	}
}

// Verify returns the number of inliers of the best fundamental matrix found.
// Fewer than MinPoints correspondences return ErrNotEnoughPoints without
// attempting an estimate.
func (v *RANSACVerifier) Verify(query, train []models.Point2D) (int, error) {
	if len(query) != len(train) {
		return 0, fmt.Errorf("correspondence lists differ in length: %d vs %d", len(query), len(train))
	}
	n := len(query)
	if n < MinPoints {
		return 0, ErrNotEnoughPoints
	}

	thr2 := v.opts.Threshold * v.opts.Threshold
	var best *mat.Dense
	bestCount := 0
	sample := make([]int, MinPoints)
	q := make([]models.Point2D, MinPoints)
	t := make([]models.Point2D, MinPoints)

	maxIter := v.opts.MaxIterations
	for iter := 0; iter < maxIter; iter++ {
		v.drawSample(sample, n)
		for i, idx := range sample {
			q[i], t[i] = query[idx], train[idx]
		}
		f, err := EstimateFundamental(q, t)
		if err != nil {
			continue
		}
		count := countInliers(f, query, train, thr2, nil)
		if count > bestCount {
			best, bestCount = f, count
			if k := adaptiveIterations(float64(count)/float64(n), v.opts.Confidence); k < maxIter {
				maxIter = k
			}
		}
	}
	if best == nil {
		return 0, ErrDegenerate
	}

	// Refit on the consensus set and keep whichever model explains more points.
	mask := make([]bool, n)
	countInliers(best, query, train, thr2, mask)
	var qi, ti []models.Point2D
	for i, ok := range mask {
		if ok {
			qi = append(qi, query[i])
			ti = append(ti, train[i])
		}
	}
	if refit, err := EstimateFundamental(qi, ti); err == nil {
		if c := countInliers(refit, query, train, thr2, nil); c > bestCount {
			bestCount = c
		}
	}
	return bestCount, nil
}

func (v *RANSACVerifier) drawSample(dst []int, n int) {
	for i := 0; i < len(dst); {
		idx := v.rng.IntN(n)
		dup := false
		for _, prev := range dst[:i] {
			if prev == idx {
				dup = true
				break
			}
		}
		if !dup {
			dst[i] = idx
			i++
		}
	}
}

func adaptiveIterations(inlierRatio, confidence float64) int {
	w := math.Pow(inlierRatio, MinPoints)
	if w <= 0 {
		return math.MaxInt32
	}
	if w >= 1 {
		return 1
	}
	k := math.Log(1-confidence) / math.Log(1-w)
	if k > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(math.Ceil(k))
}

// countInliers counts pairs whose squared distance to both epipolar lines is
// within thr2, marking them in mask when it is non-nil.
func countInliers(f *mat.Dense, query, train []models.Point2D, thr2 float64, mask []bool) int {
	count := 0
	for i := range query {
		ok := EpipolarError(f, query[i], train[i]) <= thr2
		if ok {
			count++
		}
		if mask != nil {
			mask[i] = ok
		}
	}
	return count
}

// EpipolarError returns the larger squared distance of the pair to its
// epipolar lines under F, where train^T F query = 0.
func EpipolarError(f *mat.Dense, query, train models.Point2D) float64 {
	// l2 = F * x1 is the line in the train image.
	a2 := f.At(0, 0)*query.X + f.At(0, 1)*query.Y + f.At(0, 2)
	b2 := f.At(1, 0)*query.X + f.At(1, 1)*query.Y + f.At(1, 2)
	c2 := f.At(2, 0)*query.X + f.At(2, 1)*query.Y + f.At(2, 2)
	// l1 = F^T * x2 is the line in the query image.
	a1 := f.At(0, 0)*train.X + f.At(1, 0)*train.Y + f.At(2, 0)
	b1 := f.At(0, 1)*train.X + f.At(1, 1)*train.Y + f.At(2, 1)

	s := train.X*a2 + train.Y*b2 + c2
	s2 := s * s
	d2 := s2 / (a2*a2 + b2*b2)
	d1 := s2 / (a1*a1 + b1*b1)
	if math.IsNaN(d1) || math.IsNaN(d2) {
		return math.Inf(1)
	}
	return math.Max(d1, d2)
}

// Package bayes implements the discrete temporal filter that smooths image
// similarity scores across the sequence of indexed images.
package bayes

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/hyperjump/lcdetect/internal/models"
)

// ErrNotEnoughCandidates is returned by Update when fewer than two scores are given.
var ErrNotEnoughCandidates = errors.New("at least two candidate scores are required")

// Result is the smoothed score of one registered image.
type Result struct {
	ImageID uint32  `json:"image_id"`
	Index   int     `json:"index"`
	Score   float64 `json:"score"`
}

// Filter keeps a probability distribution over registered images.
// It is not safe for concurrent use.
type Filter struct {
	imageToIndex map[uint32]int
	indexToImage []uint32
	prior        []float64
	posterior    []float64
}

// New returns an empty filter.
func New() *Filter {
	return &Filter{imageToIndex: make(map[uint32]int)}
}

// Len returns the number of registered images.
func (f *Filter) Len() int {
	return len(f.indexToImage)
}

// IndexOf returns the dense index of an image id.
func (f *Filter) IndexOf(id uint32) (int, bool) {
	idx, ok := f.imageToIndex[id]
	return idx, ok
}

// ImageAt returns the image id registered at a dense index.
func (f *Filter) ImageAt(idx int) (uint32, bool) {
	if idx < 0 || idx >= len(f.indexToImage) {
		return 0, false
	}
	return f.indexToImage[idx], true
}

// AddImage registers a new image. The first image starts with all the mass.
func (f *Filter) AddImage(id uint32) error {
	if _, ok := f.imageToIndex[id]; ok {
		return fmt.Errorf("image %d already registered", id)
	}
	f.imageToIndex[id] = len(f.indexToImage)
	f.indexToImage = append(f.indexToImage, id)
	if len(f.posterior) == 0 {
		f.posterior = append(f.posterior, 1.0)
	} else {
		f.posterior = append(f.posterior, 0.0)
	}
	return nil
}

// Predict diffuses the posterior into the prior for the next update.
func (f *Filter) Predict() {
	n := len(f.posterior)
	f.prior = make([]float64, n)
	if n == 0 {
		return
	}
	if n < 5 {
		for i := range f.prior {
			f.prior[i] = 1.0 / float64(n)
		}
		return
	}

	post := f.posterior
	prior := f.prior
	for i := 0; i < 3; i++ {
		prior[i] += post[0] * 0.33
	}
	for i := 0; i < 4; i++ {
		prior[i] += post[1] * 0.25
	}

	for idx := 2; idx < n-2; idx++ {
		p := post[idx]
		if n > 5 {
			prior[idx-2] += p * 0.09
			prior[idx-1] += p * 0.18
			prior[idx] += p * 0.36
			prior[idx+1] += p * 0.18
			prior[idx+2] += p * 0.09

			residual := p * 0.1 / float64(n-5)
			for i := 0; i < idx-1; i++ {
				prior[i] += residual
			}
			for i := idx + 2; i < n; i++ {
				prior[i] += residual
			}
		} else {
			prior[idx-2] += p * 0.11
			prior[idx-1] += p * 0.2
			prior[idx] += p * 0.38
			prior[idx+1] += p * 0.2
			prior[idx+2] += p * 0.11
		}
	}

	for i := n - 4; i < n; i++ {
		prior[i] += post[n-2] * 0.25
	}
	for i := n - 3; i < n; i++ {
		prior[i] += post[n-1] * 0.33
	}

	// The hand kernels do not sum to exactly one.
	normalize(prior)
}

// Update folds candidate scores into the posterior. Only candidates scoring
// above mean+stdev move the distribution. With fewer than two candidates the
// posterior is reset to the prior and ErrNotEnoughCandidates is returned.
func (f *Filter) Update(matches []models.ImageMatch) error {
	n := len(f.posterior)
	if len(f.prior) != n {
		f.Predict()
	}
	if len(matches) < 2 {
		copy(f.posterior, f.prior)
		return ErrNotEnoughCandidates
	}

	scores := make([]float64, len(matches))
	for i, m := range matches {
		scores[i] = m.Score
	}
	mean, stdev := stat.MeanStdDev(scores, nil)
	limit := mean + stdev

	likelihood := make([]float64, n)
	for i := range likelihood {
		likelihood[i] = 1.0
	}
	for _, m := range matches {
		if m.Score <= limit || mean <= 0 {
			continue
		}
		if idx, ok := f.imageToIndex[m.ImageID]; ok {
			likelihood[idx] = (m.Score - stdev) / mean
		}
	}

	floats.MulTo(f.posterior, likelihood, f.prior)
	normalize(f.posterior)
	return nil
}

// Results returns the smoothed score of every image sorted by descending
// score, ties to the lower index. Fewer than six images yield no results.
func (f *Filter) Results() []Result {
	n := len(f.posterior)
	if n <= 5 {
		return nil
	}
	post := f.posterior
	results := make([]Result, 0, n)
	window := func(idx, lo, hi int) Result {
		return Result{ImageID: f.indexToImage[idx], Index: idx, Score: floats.Sum(post[lo : hi+1])}
	}
	results = append(results, window(0, 0, 2), window(1, 0, 3))
	for idx := 2; idx < n-2; idx++ {
		results = append(results, window(idx, idx-2, idx+2))
	}
	results = append(results, window(n-2, n-4, n-1), window(n-1, n-3, n-1))

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Index < results[j].Index
	})
	return results
}

// Prior returns a copy of the current prior.
func (f *Filter) Prior() []float64 {
	return append([]float64(nil), f.prior...)
}

// Posterior returns a copy of the current posterior.
func (f *Filter) Posterior() []float64 {
	return append([]float64(nil), f.posterior...)
}

// normalize scales p to sum to one, falling back to uniform when p has no mass.
func normalize(p []float64) {
	if len(p) == 0 {
		return
	}
	sum := floats.Sum(p)
	if sum <= 0 || sum != sum {
		for i := range p {
			p[i] = 1.0 / float64(len(p))
		}
		return
	}
	floats.Scale(1/sum, p)
}

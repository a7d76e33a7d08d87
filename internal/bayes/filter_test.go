package bayes

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/hyperjump/lcdetect/internal/models"
)

func register(t *testing.T, f *Filter, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, f.AddImage(uint32(100+i)))
	}
}

func TestFilter_AddImage(t *testing.T) {
	f := New()
	register(t, f, 3)
	assert.Equal(t, 3, f.Len())
	assert.Equal(t, []float64{1, 0, 0}, f.Posterior())

	idx, ok := f.IndexOf(101)
	require.True(t, ok)
	assert.Equal(t, 1, idx)
	id, ok := f.ImageAt(2)
	require.True(t, ok)
	assert.Equal(t, uint32(102), id)
	_, ok = f.ImageAt(3)
	assert.False(t, ok)

	assert.Error(t, f.AddImage(101))
}

func TestFilter_PredictIsDistribution(t *testing.T) {
	for n := 1; n <= 12; n++ {
		f := New()
		register(t, f, n)
		f.Predict()
		prior := f.Prior()
		require.Len(t, prior, n)
		for _, p := range prior {
			require.GreaterOrEqual(t, p, 0.0)
		}
		assert.InDelta(t, 1.0, floats.Sum(prior), 1e-9, "n=%d", n)
	}
}

func TestFilter_PredictUniformBelowFive(t *testing.T) {
	f := New()
	register(t, f, 4)
	f.Predict()
	for _, p := range f.Prior() {
		assert.InDelta(t, 0.25, p, 1e-12)
	}
}

func TestFilter_PredictDiffusesInterior(t *testing.T) {
	f := New()
	register(t, f, 10)
	f.posterior = make([]float64, 10)
	f.posterior[5] = 1
	f.Predict()
	prior := f.Prior()
	assert.Greater(t, prior[5], prior[4])
	assert.InDelta(t, prior[4], prior[6], 1e-12)
	assert.Greater(t, prior[4], prior[3])
	assert.Greater(t, prior[0], 0.0, "residual mass should reach distant images")
}

func TestFilter_UpdateBoostsOnlyConfidentCandidates(t *testing.T) {
	f := New()
	register(t, f, 5)
	f.prior = []float64{0.2, 0.2, 0.2, 0.2, 0.2}
	scores := []float64{0.9, 0.85, 0.1, 0.1, 0.1}
	matches := make([]models.ImageMatch, len(scores))
	for i, s := range scores {
		matches[i] = models.ImageMatch{ImageID: uint32(100 + i), Score: s}
	}
	require.NoError(t, f.Update(matches))

	mean := 0.41
	stdev := math.Sqrt(0.722 / 4)
	post := f.Posterior()
	assert.InDelta(t, 1.0, floats.Sum(post), 1e-9)
	assert.InDelta(t, post[2], post[3], 1e-12)
	assert.InDelta(t, post[3], post[4], 1e-12)
	assert.InDelta(t, (0.9-stdev)/mean, post[0]/post[2], 1e-9)
	assert.InDelta(t, (0.85-stdev)/mean, post[1]/post[2], 1e-9)
}

func TestFilter_UpdateNotEnoughCandidates(t *testing.T) {
	f := New()
	register(t, f, 6)
	f.Predict()
	err := f.Update([]models.ImageMatch{{ImageID: 100, Score: 1}})
	assert.ErrorIs(t, err, ErrNotEnoughCandidates)
	assert.Equal(t, f.Prior(), f.Posterior())
}

func TestFilter_UpdateZeroScoresKeepPrior(t *testing.T) {
	f := New()
	register(t, f, 6)
	f.Predict()
	require.NoError(t, f.Update([]models.ImageMatch{{ImageID: 100}, {ImageID: 101}}))
	assert.InDeltaSlice(t, f.Prior(), f.Posterior(), 1e-12)
}

func TestFilter_PosteriorSumsToOneAlways(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	f := New()
	for i := 0; i < 80; i++ {
		require.NoError(t, f.AddImage(uint32(i)))
		f.Predict()
		matches := make([]models.ImageMatch, 2+rng.IntN(6))
		for j := range matches {
			matches[j] = models.ImageMatch{ImageID: uint32(rng.IntN(i + 1)), Score: rng.Float64()}
		}
		require.NoError(t, f.Update(matches))
		assert.InDelta(t, 1.0, floats.Sum(f.Posterior()), 1e-9, "step %d", i)
	}
}

func TestFilter_Results(t *testing.T) {
	f := New()
	register(t, f, 5)
	assert.Empty(t, f.Results())

	require.NoError(t, f.AddImage(105))
	f.posterior = []float64{0, 0, 0, 0.5, 0.5, 0}
	results := f.Results()
	require.Len(t, results, 6)

	byIndex := map[int]float64{}
	for _, r := range results {
		byIndex[r.Index] = r.Score
	}
	assert.InDelta(t, 0.0, byIndex[0], 1e-12)
	assert.InDelta(t, 0.5, byIndex[1], 1e-12)
	assert.InDelta(t, 1.0, byIndex[2], 1e-12)
	assert.InDelta(t, 1.0, byIndex[5], 1e-12)

	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}
	assert.Equal(t, 2, results[0].Index)
	assert.Equal(t, uint32(102), results[0].ImageID)
}

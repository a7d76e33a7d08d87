package particle

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/lcdetect/internal/island"
)

func sumNorm(parts []Particle) float64 {
	var s float64
	for _, p := range parts {
		s += p.WeightNorm
	}
	return s
}

func TestParticle_Randomize(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	var p Particle
	for i := 0; i < 500; i++ {
		p.Weight = 3
		p.Randomize(rng, 20, 4)
		is := p.Island
		require.LessOrEqual(t, 0, is.MinImgID)
		require.LessOrEqual(t, is.MinImgID, is.ImgID)
		require.LessOrEqual(t, is.ImgID, is.MaxImgID)
		require.Less(t, is.MaxImgID, 20)
		require.LessOrEqual(t, is.Size(), 9)
		require.Zero(t, p.Weight)
	}
}

func TestParticle_Evaluate(t *testing.T) {
	p := Particle{Island: island.New(5, 0, 3, 7)}
	assert.Equal(t, 0.4, p.Evaluate(island.New(8, 0.4, 7, 9)))
	assert.Equal(t, 0.0, p.Evaluate(island.New(12, 0.9, 10, 14)))
	assert.Equal(t, 0.4, p.Weight)
}

func TestParticle_MoveStaysInRange(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	p := Particle{Island: island.New(1, 0, 0, 2)}
	zero := 0
	for i := 0; i < 2000; i++ {
		before := p.Island
		p.Move(rng, 6)
		is := p.Island
		require.LessOrEqual(t, 0, is.MinImgID)
		require.LessOrEqual(t, is.MinImgID, is.ImgID)
		require.LessOrEqual(t, is.ImgID, is.MaxImgID)
		require.Less(t, is.MaxImgID, 6)
		if before == is {
			zero++
		}
	}
	assert.Greater(t, zero, 1000, "zero displacement should dominate")
}

func TestFilter_ResampleSingleWinner(t *testing.T) {
	f := New(Options{NumParticles: 50, IslandOffset: 2, Seed: 42})
	f.Process(nil, 100)
	parts := f.parts()
	for i := range parts {
		parts[i].Weight = 0
	}
	parts[17].Weight = 1
	winner := parts[17].Island
	f.totalWeight = 1
	f.NormalizeWeights()

	f.Resample()
	after := f.Particles()
	require.Len(t, after, 50)
	for _, p := range after {
		assert.Equal(t, winner, p.Island)
		assert.InDelta(t, 1.0/50, p.Weight, 1e-12)
	}
}

func TestFilter_ProcessKeepsPopulationAndNormalizes(t *testing.T) {
	f := New(Options{NumParticles: 80, IslandOffset: 3, Alpha: 0.1, MaxIslands: 20, Seed: 9})
	islands := []island.Island{island.New(40, 0.6, 37, 43), island.New(10, 0.2, 8, 12)}
	for step := 0; step < 30; step++ {
		f.Process(islands, 60)
		require.Equal(t, 80, f.Len())
		assert.InDelta(t, 1.0, sumNorm(f.Particles()), 1e-9)
		assert.Greater(t, f.Neff(), 0.0)
		assert.LessOrEqual(t, f.Neff(), 80.0+1e-9)
	}
	best, ok := f.Best()
	require.True(t, ok)
	assert.True(t, best.Island.Overlaps(islands[0]), "best particle should track the strongest island, got %v", best.Island)
}

func TestFilter_FirstFrameNormalizesAndResamplesDiverse(t *testing.T) {
	f := New(Options{NumParticles: 150, IslandOffset: 3, Seed: 11})
	target := island.New(70, 0.05, 40, 99)
	f.Process([]island.Island{target}, 200)

	assert.InDelta(t, 1.0, sumNorm(f.Particles()), 1e-9)
	assert.InDelta(t, 1.0, f.wheel[len(f.wheel)-1], 1e-9)
	for _, p := range f.Particles() {
		if p.Island.Overlaps(target) {
			assert.Equal(t, 0.05, p.Weight)
		} else {
			assert.Zero(t, p.Weight)
		}
	}

	f.Resample()
	distinct := make(map[island.Island]bool)
	overlapping := 0
	for _, p := range f.Particles() {
		distinct[p.Island] = true
		if p.Island.Overlaps(target) {
			overlapping++
		}
	}
	assert.Equal(t, 150, f.Len())
	assert.Greater(t, len(distinct), 10, "resampling should keep many hypotheses")
	assert.GreaterOrEqual(t, overlapping, 149)
}

func TestFilter_ZeroWeightFallsBackToUniform(t *testing.T) {
	f := New(Options{NumParticles: 10, IslandOffset: 1, Seed: 1})
	f.Process(nil, 30)
	f.Process(nil, 30)
	_, ok := f.Best()
	assert.False(t, ok)
	for _, p := range f.Particles() {
		assert.InDelta(t, 0.1, p.WeightNorm, 1e-12)
	}
	assert.InDelta(t, 10.0, f.Neff(), 1e-9)
}

func TestFilter_Deterministic(t *testing.T) {
	run := func() []Particle {
		f := New(Options{NumParticles: 30, IslandOffset: 2, Alpha: 0.2, Seed: 77})
		islands := []island.Island{island.New(20, 0.5, 18, 22)}
		for i := 0; i < 10; i++ {
			f.Process(islands, 50)
		}
		return f.Particles()
	}
	assert.Equal(t, run(), run())
}

func TestFilter_BestBeforeInit(t *testing.T) {
	f := New(Options{})
	_, ok := f.Best()
	assert.False(t, ok)
	assert.Equal(t, 150, f.Len())
}

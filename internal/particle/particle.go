// Package particle tracks loop closure island hypotheses across frames with a
// fixed-size particle population.
package particle

import (
	"fmt"
	"math/rand/v2"

	"github.com/hyperjump/lcdetect/internal/island"
)

// displacement is the cumulative distribution of a move, for shifts -3..3.
var displacement = [...]struct {
	shift int
	cum   float64
}{
	{0, 0.60},
	{-1, 0.72},
	{1, 0.84},
	{-2, 0.89},
	{2, 0.94},
	{-3, 0.97},
	{3, 1.00},
}

// Particle is one island hypothesis with its accumulated and normalized weight.
type Particle struct {
	Island     island.Island `json:"island"`
	Weight     float64       `json:"weight"`
	WeightNorm float64       `json:"weight_norm"`
}

// Randomize anchors the particle to a uniformly drawn index with a window of
// offset on each side, clipped to [0, nimages-1], and resets its weight.
func (p *Particle) Randomize(rng *rand.Rand, nimages, offset int) {
	if nimages <= 0 {
		p.Island = island.New(0, 0, 0, 0)
		p.Weight = 0
		return
	}
	idx := rng.IntN(nimages)
	p.Island = island.New(idx, 0, clamp(idx-offset, nimages), clamp(idx+offset, nimages))
	p.Weight = 0
}

// Evaluate adds the target score to the weight when the particle overlaps
// target and returns the added contribution.
func (p *Particle) Evaluate(target island.Island) float64 {
	if !p.Island.Overlaps(target) {
		return 0
	}
	p.Weight += target.Score
	return target.Score
}

// Move shifts the whole window by one random displacement favouring zero,
// clipped to [0, nimages-1].
func (p *Particle) Move(rng *rand.Rand, nimages int) {
	if nimages <= 0 {
		return
	}
	d := drawShift(rng)
	p.Island.ImgID = clamp(p.Island.ImgID+d, nimages)
	p.Island.MinImgID = clamp(p.Island.MinImgID+d, nimages)
	p.Island.MaxImgID = clamp(p.Island.MaxImgID+d, nimages)
}

func (p Particle) String() string {
	return fmt.Sprintf("%v w=%.4f wn=%.4f", p.Island, p.Weight, p.WeightNorm)
}

func drawShift(rng *rand.Rand) int {
	u := rng.Float64()
	for _, d := range displacement {
		if u < d.cum {
			return d.shift
		}
	}
	return 0
}

func clamp(v, n int) int {
	if v < 0 {
		return 0
	}
	if v > n-1 {
		return n - 1
	}
	return v
}

package particle

import (
	"math/rand/v2"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"

	"github.com/hyperjump/lcdetect/internal/island"
)

// Options configures a Filter.
type Options struct {
	// NumParticles is the fixed population size.
	NumParticles int
	// IslandOffset is the half-width of randomized particle windows.
	IslandOffset int
	// Alpha is the fraction of the population re-randomized every frame.
	Alpha float64
	// MaxIslands caps how many of the observed islands are evaluated; zero means all.
	MaxIslands int
	// Seed seeds the generator when Rand is nil.
	Seed uint64
	// Rand overrides the generator.
	Rand *rand.Rand
}

// Filter is a particle filter over island hypotheses. It is not safe for concurrent use.
type Filter struct {
	opts Options
	rng  *rand.Rand

	// gens holds the current and the next generation; cur selects the current one.
	gens [2][]Particle
	cur  int

	wheel       []float64
	totalWeight float64
	best        int
	hasBest     bool
	neff        float64
	init        bool
	frames      int
}

// New returns an uninitialized filter. Population size defaults to 150.
func New(opts Options) *Filter {
	if opts.NumParticles <= 0 {
		opts.NumParticles = 150
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	}
	f := &Filter{opts: opts, rng: rng, wheel: make([]float64, opts.NumParticles)}
	f.gens[0] = make([]Particle, opts.NumParticles)
	f.gens[1] = make([]Particle, opts.NumParticles)
	return f
}

func (f *Filter) parts() []Particle {
	return f.gens[f.cur]
}

// Process runs one filter step against the islands observed over nimages
// indices. The first call initializes the population at random.
func (f *Filter) Process(islands []island.Island, nimages int) {
	f.frames++
	if !f.init {
		f.initialize(nimages)
		f.init = true
	} else {
		f.Resample()
		f.randomize(nimages)
		f.move(nimages)
	}
	f.clearWeights()
	f.evaluate(islands)
	f.NormalizeWeights()
}

func (f *Filter) initialize(nimages int) {
	parts := f.parts()
	for i := range parts {
		parts[i].Randomize(f.rng, nimages, f.opts.IslandOffset)
	}
}

func (f *Filter) randomize(nimages int) {
	parts := f.parts()
	n := int(float64(len(parts)) * f.opts.Alpha)
	for i := 0; i < n; i++ {
		parts[f.rng.IntN(len(parts))].Randomize(f.rng, nimages, f.opts.IslandOffset)
	}
}

func (f *Filter) move(nimages int) {
	parts := f.parts()
	for i := range parts {
		parts[i].Move(f.rng, nimages)
	}
}

func (f *Filter) clearWeights() {
	parts := f.parts()
	for i := range parts {
		parts[i].Weight = 0
	}
}

func (f *Filter) evaluate(islands []island.Island) {
	if f.opts.MaxIslands > 0 && len(islands) > f.opts.MaxIslands {
		islands = islands[:f.opts.MaxIslands]
	}
	parts := f.parts()
	f.totalWeight = 0
	for _, target := range islands {
		for j := range parts {
			f.totalWeight += parts[j].Evaluate(target)
		}
	}
	f.best, f.hasBest = 0, false
	bestWeight := 0.0
	for j := range parts {
		if parts[j].Weight > bestWeight {
			bestWeight = parts[j].Weight
			f.best, f.hasBest = j, true
		}
	}
}

// NormalizeWeights sets every normalized weight to weight/total, or to a
// uniform weight when there is no total weight, and rebuilds the resampling wheel.
func (f *Filter) NormalizeWeights() {
	parts := f.parts()
	n := float64(len(parts))
	var sq float64
	for i := range parts {
		if f.totalWeight > 0 {
			parts[i].WeightNorm = parts[i].Weight / f.totalWeight
		} else {
			parts[i].WeightNorm = 1 / n
		}
		sq += parts[i].WeightNorm * parts[i].WeightNorm
		f.wheel[i] = parts[i].WeightNorm
	}
	floats.CumSum(f.wheel, f.wheel)
	if sq > 0 {
		f.neff = 1 / sq
	} else {
		f.neff = 0
	}
}

// Resample replaces the population by systematic resampling over the
// wheel: one random offset, then a fixed stride of 1/N wrapping at 1.
func (f *Filter) Resample() {
	src := f.parts()
	dst := f.gens[1-f.cur]
	step := 1 / float64(len(src))
	val := f.rng.Float64()
	for i := range dst {
		p := src[f.byWeight(val)]
		p.Weight = step
		dst[i] = p
		val += step
		if val >= 1 {
			val -= 1
		}
	}
	f.cur = 1 - f.cur
}

// byWeight returns the first particle whose wheel entry exceeds val.
func (f *Filter) byWeight(val float64) int {
	i := sort.Search(len(f.wheel), func(i int) bool { return f.wheel[i] > val })
	if i == len(f.wheel) {
		return len(f.wheel) - 1
	}
	return i
}

// Best returns the highest-weight particle of the last evaluation. The
// boolean is false when no particle gained weight.
func (f *Filter) Best() (Particle, bool) {
	if !f.init {
		return Particle{}, false
	}
	return f.parts()[f.best], f.hasBest
}

// Particles returns a copy of the current population.
func (f *Filter) Particles() []Particle {
	return append([]Particle(nil), f.parts()...)
}

// Neff returns the effective number of particles after the last normalization.
func (f *Filter) Neff() float64 {
	return f.neff
}

// Len returns the population size.
func (f *Filter) Len() int {
	return len(f.parts())
}

func (f *Filter) String() string {
	var sb strings.Builder
	for i, p := range f.parts() {
		if f.hasBest && i == f.best {
			sb.WriteString("* ")
		}
		sb.WriteString(p.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}

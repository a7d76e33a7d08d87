// Package e2e provides end-to-end tests over a synthetic camera trajectory with known revisits.
package e2e

import (
	"math"
	"math/rand/v2"

	"github.com/hyperjump/lcdetect/internal/models"
)

const (
	focal   = 500.0
	centerX = 320.0
	centerY = 240.0

	// Each route position sees landmarksPerView landmarks starting at
	// position*landmarkStride, so views more than
	// landmarksPerView/landmarkStride positions apart share nothing.
	landmarksPerView = 40
	landmarkStride   = 10
	landmarkSpacing  = 0.075
	descriptorBytes  = 32
)

// Landmark is a scene point with its appearance.
type Landmark struct {
	X, Y, Z    float64
	Descriptor models.Descriptor
}

// Pose is a camera pose: position plus a yaw rotation about the vertical axis.
type Pose struct {
	X, Y, Yaw float64
}

// Frame is one image of the trajectory. Position is the route position
// whose landmarks it sees; Revisit is the id of the first image taken at
// that position, or 0 on a first visit.
type Frame struct {
	ImageID  uint32
	Position int
	Revisit  uint32
	Features *models.ImageFeatures
}

// Trajectory is a corridor traversed once and then partially revisited.
type Trajectory struct {
	Landmarks []Landmark
	Frames    []Frame
}

// Scenario describes the route.
type Scenario struct {
	Positions  int // positions on the first pass
	Revisits   int // positions 0..Revisits-1 visited again
	BitFlips   int // appearance noise per observation
	PixelNoise float64
	Seed       uint64
}

// DefaultScenario is thirty positions with the first ten revisited.
func DefaultScenario() Scenario {
	return Scenario{Positions: 30, Revisits: 10, BitFlips: 2, PixelNoise: 0.3, Seed: 42}
}

// Generate builds the trajectory for s. Image ids start at 1 and follow the
// order of the frames.
func Generate(s Scenario) *Trajectory {
	rng := rand.New(rand.NewPCG(s.Seed, s.Seed^0x9e3779b97f4a7c15))
	n := (s.Positions-1)*landmarkStride + landmarksPerView
	tr := &Trajectory{Landmarks: make([]Landmark, n)}
	for i := range tr.Landmarks {
		d := make(models.Descriptor, descriptorBytes)
		for j := range d {
			d[j] = byte(rng.UintN(256))
		}
		tr.Landmarks[i] = Landmark{
			X:          float64(i)*landmarkSpacing + rng.Float64()*0.05,
			Y:          rng.Float64()*3 - 1.5,
			Z:          rng.Float64()*6 + 4,
			Descriptor: d,
		}
	}

	id := uint32(0)
	firstVisit := make(map[int]uint32)
	for p := 0; p < s.Positions; p++ {
		id++
		firstVisit[p] = id
		tr.Frames = append(tr.Frames, Frame{ImageID: id, Position: p, Features: tr.view(rng, s, id, p, Pose{X: cameraX(p)})})
	}
	for p := 0; p < s.Revisits && p < s.Positions; p++ {
		id++
		pose := Pose{X: cameraX(p) + 0.2, Y: 0.05, Yaw: 0.04}
		tr.Frames = append(tr.Frames, Frame{ImageID: id, Position: p, Revisit: firstVisit[p], Features: tr.view(rng, s, id, p, pose)})
	}
	return tr
}

func cameraX(position int) float64 {
	return float64(position*landmarkStride)*landmarkSpacing + float64(landmarksPerView)*landmarkSpacing/2
}

func (tr *Trajectory) view(rng *rand.Rand, s Scenario, id uint32, position int, pose Pose) *models.ImageFeatures {
	c, sn := math.Cos(pose.Yaw), math.Sin(pose.Yaw)
	f := &models.ImageFeatures{ImageID: id}
	start := position * landmarkStride
	for _, lm := range tr.Landmarks[start : start+landmarksPerView] {
		x, y, z := lm.X-pose.X, lm.Y-pose.Y, lm.Z
		xc := c*x + sn*z
		zc := -sn*x + c*z
		d := lm.Descriptor.Clone()
		for k := 0; k < s.BitFlips; k++ {
			d[rng.IntN(len(d))] ^= 1 << rng.UintN(8)
		}
		f.Keypoints = append(f.Keypoints, models.Keypoint{
			X:    focal*xc/zc + centerX + rng.NormFloat64()*s.PixelNoise,
			Y:    focal*y/zc + centerY + rng.NormFloat64()*s.PixelNoise,
			Size: 31,
		})
		f.Descriptors = append(f.Descriptors, d)
	}
	return f
}

// Truth maps each revisiting image id to the image first taken at the same place.
func (tr *Trajectory) Truth() map[uint32]uint32 {
	out := make(map[uint32]uint32)
	for _, f := range tr.Frames {
		if f.Revisit != 0 {
			out[f.ImageID] = f.Revisit
		}
	}
	return out
}

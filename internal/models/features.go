// Package models defines core data structures for image features, matches, and detection results.
package models

import (
	"encoding/hex"
	"fmt"
	"math/bits"
)

// Keypoint is a detected image feature location.
type Keypoint struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Size     float64 `json:"size,omitempty"`
	Angle    float64 `json:"angle,omitempty"`
	Response float64 `json:"response,omitempty"`
	Octave   int     `json:"octave,omitempty"`
}

// Point returns the keypoint location.
func (k Keypoint) Point() Point2D {
	return Point2D{X: k.X, Y: k.Y}
}

// Point2D is a pixel coordinate.
type Point2D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Descriptor is a binary feature descriptor (e.g. 32 bytes for ORB).
type Descriptor []byte

// Hamming returns the number of differing bits between d and o.
// Descriptors of different width are compared over the shorter prefix,
// with every extra byte counted as fully different.
func (d Descriptor) Hamming(o Descriptor) int {
	n := len(d)
	extra := len(o) - n
	if len(o) < n {
		n = len(o)
		extra = len(d) - n
	}
	dist := 0
	i := 0
	for ; i+8 <= n; i += 8 {
		a := uint64(d[i]) | uint64(d[i+1])<<8 | uint64(d[i+2])<<16 | uint64(d[i+3])<<24 |
			uint64(d[i+4])<<32 | uint64(d[i+5])<<40 | uint64(d[i+6])<<48 | uint64(d[i+7])<<56
		b := uint64(o[i]) | uint64(o[i+1])<<8 | uint64(o[i+2])<<16 | uint64(o[i+3])<<24 |
			uint64(o[i+4])<<32 | uint64(o[i+5])<<40 | uint64(o[i+6])<<48 | uint64(o[i+7])<<56
		dist += bits.OnesCount64(a ^ b)
	}
	for ; i < n; i++ {
		dist += bits.OnesCount8(d[i] ^ o[i])
	}
	return dist + extra*8
}

// Clone returns a copy of the descriptor.
func (d Descriptor) Clone() Descriptor {
	c := make(Descriptor, len(d))
	copy(c, d)
	return c
}

// MarshalText encodes the descriptor as lowercase hex.
func (d Descriptor) MarshalText() ([]byte, error) {
	out := make([]byte, hex.EncodedLen(len(d)))
	hex.Encode(out, d)
	return out, nil
}

// UnmarshalText decodes a hex descriptor.
func (d *Descriptor) UnmarshalText(text []byte) error {
	b := make([]byte, hex.DecodedLen(len(text)))
	if _, err := hex.Decode(b, text); err != nil {
		return fmt.Errorf("invalid descriptor: %w", err)
	}
	*d = b
	return nil
}

// ImageFeatures holds the keypoints and descriptors of one image.
// Keypoints[i] corresponds to Descriptors[i].
type ImageFeatures struct {
	ImageID     uint32       `json:"image_id"`
	Keypoints   []Keypoint   `json:"keypoints"`
	Descriptors []Descriptor `json:"descriptors"`
}

// Validate checks that keypoints and descriptors line up and that all
// descriptors share one width.
func (f *ImageFeatures) Validate() error {
	return ValidateFeatures(f.Keypoints, f.Descriptors)
}

// ValidateFeatures checks that kps and descs line up and that all descriptors share one width.
func ValidateFeatures(kps []Keypoint, descs []Descriptor) error {
	if len(kps) != len(descs) {
		return fmt.Errorf("keypoint count %d does not match descriptor count %d", len(kps), len(descs))
	}
	for i := 1; i < len(descs); i++ {
		if len(descs[i]) != len(descs[0]) {
			return fmt.Errorf("descriptor %d has width %d, expected %d", i, len(descs[i]), len(descs[0]))
		}
	}
	if len(descs) > 0 && len(descs[0]) == 0 {
		return fmt.Errorf("descriptors cannot be empty")
	}
	return nil
}

// DescriptorMatch pairs a query descriptor with a train entry.
// For index searches TrainIdx is a visual word id; for brute-force
// matching it is an offset into the train descriptor list.
type DescriptorMatch struct {
	QueryIdx int `json:"query_idx"`
	TrainIdx int `json:"train_idx"`
	Distance int `json:"distance"`
}

// ImageMatch is a candidate image returned by an image search.
type ImageMatch struct {
	ImageID uint32  `json:"image_id"`
	Score   float64 `json:"score"`
}

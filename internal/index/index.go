// Package index provides an incremental binary descriptor index that groups
// descriptors into visual words and ranks images by shared words.
package index

import (
	"context"
	"fmt"

	"github.com/hyperjump/lcdetect/internal/models"
)

// ImageIndex is the image search contract consumed by the detector.
type ImageIndex interface {
	NumImages() int
	NumDescriptors() int
	// AddImage registers an image. matches pair query descriptors (QueryIdx)
	// with existing visual words (TrainIdx); unmatched descriptors become new words.
	AddImage(ctx context.Context, imageID uint32, kps []models.Keypoint, descs []models.Descriptor, matches []models.DescriptorMatch) error
	// SearchDescriptors returns up to k nearest visual words per descriptor, ascending by distance.
	SearchDescriptors(ctx context.Context, descs []models.Descriptor, k, checks int) ([][]models.DescriptorMatch, error)
	// SearchImages scores every image sharing a visual word with matches.
	SearchImages(ctx context.Context, descs []models.Descriptor, matches []models.DescriptorMatch, sorted bool) ([]models.ImageMatch, error)
	Type() string
	Close() error
}

// MergePolicy controls how a matched descriptor updates its visual word.
type MergePolicy string

const (
	// MergeNone keeps the word descriptor unchanged.
	MergeNone MergePolicy = "none"
	// MergeAnd keeps only bits set in both descriptors.
	MergeAnd MergePolicy = "and"
	// MergeOr keeps bits set in either descriptor.
	MergeOr MergePolicy = "or"
)

// ParseMergePolicy maps a configured name to a MergePolicy.
func ParseMergePolicy(s string) (MergePolicy, error) {
	switch MergePolicy(s) {
	case MergeNone, "":
		return MergeNone, nil
	case MergeAnd:
		return MergeAnd, nil
	case MergeOr:
		return MergeOr, nil
	default:
		return "", fmt.Errorf("unknown merge policy: %s (supported: none, and, or)", s)
	}
}

func (p MergePolicy) merge(dst, src models.Descriptor) {
	switch p {
	case MergeAnd:
		for i := range dst {
			dst[i] &= src[i]
		}
	case MergeOr:
		for i := range dst {
			dst[i] |= src[i]
		}
	}
}

// Package storage defines the persistence interface for image features and detection results.
package storage

import (
	"context"
	"errors"

	"github.com/hyperjump/lcdetect/internal/models"
)

// ErrImageNotFound is returned when an image id has no stored features.
var ErrImageNotFound = errors.New("image not found")

// LoopFilter selects stored detection results.
type LoopFilter struct {
	// RunID restricts results to one run; empty means every run.
	RunID string
	// Status restricts results to one status when non-nil.
	Status *models.Status
	Offset int
	Limit  int
}

// ImageStore defines image feature and detection result persistence operations.
type ImageStore interface {
	// Image operations
	PutImage(ctx context.Context, f *models.ImageFeatures) error
	GetImage(ctx context.Context, id uint32) (*models.ImageFeatures, error)
	CountImages(ctx context.Context) (int64, error)

	// Result operations
	SaveResult(ctx context.Context, rec *models.LoopRecord) error
	ListLoops(ctx context.Context, filter LoopFilter) ([]*models.LoopRecord, error)
	CountLoops(ctx context.Context, filter LoopFilter) (int64, error)

	Close() error
}

// New creates a store of the given type ("sqlite" or "memory").
func New(storeType, path string, codec Codec, cacheSize int) (ImageStore, error) {
	switch storeType {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "":
		return NewSQLiteStore(path, codec, cacheSize)
	default:
		return nil, errors.New("unknown storage type: " + storeType + " (supported: sqlite, memory)")
	}
}

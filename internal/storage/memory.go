package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hyperjump/lcdetect/internal/models"
)

// MemoryStore keeps images and results in memory. Used for tests and
// one-shot runs that need no persistence.
type MemoryStore struct {
	mu      sync.RWMutex
	images  map[uint32]*models.ImageFeatures
	results []*models.LoopRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{images: make(map[uint32]*models.ImageFeatures)}
}

// PutImage stores the features of an image, replacing any previous entry.
func (m *MemoryStore) PutImage(_ context.Context, f *models.ImageFeatures) error {
	if err := f.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.images[f.ImageID] = f
	return nil
}

// GetImage returns the stored features of an image.
func (m *MemoryStore) GetImage(_ context.Context, id uint32) (*models.ImageFeatures, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.images[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrImageNotFound, id)
	}
	return f, nil
}

// CountImages returns the number of stored images.
func (m *MemoryStore) CountImages(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.images)), nil
}

// SaveResult appends a detection result.
func (m *MemoryStore) SaveResult(_ context.Context, rec *models.LoopRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	cp := *rec
	m.results = append(m.results, &cp)
	return nil
}

func (f LoopFilter) match(rec *models.LoopRecord) bool {
	if f.RunID != "" && rec.RunID != f.RunID {
		return false
	}
	if f.Status != nil && rec.Result.Status != *f.Status {
		return false
	}
	return true
}

// ListLoops returns matching results in insertion order.
func (m *MemoryStore) ListLoops(_ context.Context, filter LoopFilter) ([]*models.LoopRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.LoopRecord
	skipped := 0
	for _, rec := range m.results {
		if !filter.match(rec) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

// CountLoops returns the number of matching results.
func (m *MemoryStore) CountLoops(_ context.Context, filter LoopFilter) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, rec := range m.results {
		if filter.match(rec) {
			n++
		}
	}
	return n, nil
}

// Close is a no-op for MemoryStore.
func (m *MemoryStore) Close() error {
	return nil
}

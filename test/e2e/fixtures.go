package e2e

import (
	"fmt"
	"path/filepath"

	"github.com/hyperjump/lcdetect/internal/features"
)

// WriteFeatureFiles writes every frame of tr into dir, one file per image
// named after its zero-padded id. Every other file is zstd compressed.
// Returns the written paths in frame order.
func WriteFeatureFiles(dir string, tr *Trajectory) ([]string, error) {
	paths := make([]string, 0, len(tr.Frames))
	for i, f := range tr.Frames {
		name := fmt.Sprintf("%06d.json", f.ImageID)
		if i%2 == 1 {
			name += features.CompressedExt
		}
		path := filepath.Join(dir, name)
		if err := features.Save(path, f.Features); err != nil {
			return nil, fmt.Errorf("write %s: %w", name, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

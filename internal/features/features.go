// Package features reads and writes per-image feature files: JSON documents
// holding keypoints and hex encoded binary descriptors, optionally zstd
// compressed (".json.zst").
package features

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/hyperjump/lcdetect/internal/fileid"
	"github.com/hyperjump/lcdetect/internal/models"
)

// CompressedExt marks zstd compressed feature files.
const CompressedExt = ".zst"

// DefaultExtensions are the feature file extensions recognized by default.
var DefaultExtensions = []string{".json", ".json" + CompressedExt}

type document struct {
	ImageID     *uint32             `json:"image_id,omitempty"`
	Keypoints   []models.Keypoint   `json:"keypoints"`
	Descriptors []models.Descriptor `json:"descriptors"`
}

// Parse decodes a feature document. When the document has no image_id,
// fallbackID is used.
func Parse(data []byte, fallbackID uint32) (*models.ImageFeatures, error) {
	var doc document
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse features: %w", err)
	}
	f := &models.ImageFeatures{ImageID: fallbackID, Keypoints: doc.Keypoints, Descriptors: doc.Descriptors}
	if doc.ImageID != nil {
		f.ImageID = *doc.ImageID
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Load reads a feature file. The image id defaults to the number in the
// file name when the document does not carry one.
func Load(path string) (*models.ImageFeatures, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var r io.Reader = file
	if strings.HasSuffix(path, CompressedExt) {
		zr, err := zstd.NewReader(file)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var doc struct {
		ImageID *uint32 `json:"image_id"`
	}
	_ = json.Unmarshal(data, &doc)
	var fallback uint32
	if doc.ImageID == nil {
		fallback, err = fileid.ImageID(strings.TrimSuffix(path, CompressedExt))
		if err != nil {
			return nil, err
		}
	}
	f, err := Parse(data, fallback)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Save writes f as a feature file, compressing it when path ends in ".zst".
func Save(path string, f *models.ImageFeatures) error {
	if err := f.Validate(); err != nil {
		return err
	}
	id := f.ImageID
	data, err := json.Marshal(document{ImageID: &id, Keypoints: f.Keypoints, Descriptors: f.Descriptors})
	if err != nil {
		return err
	}
	if strings.HasSuffix(path, CompressedExt) {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return err
		}
		data = enc.EncodeAll(data, nil)
		_ = enc.Close()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// HasExtension reports whether path ends in one of exts (case-insensitive).
func HasExtension(path string, exts []string) bool {
	lower := strings.ToLower(path)
	for _, ext := range exts {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

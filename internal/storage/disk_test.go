package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/hyperjump/lcdetect/internal/models"
)

func TestDiskUsageBytes(t *testing.T) {
	dir := t.TempDir()

	f1 := filepath.Join(dir, "images.db")
	if err := os.WriteFile(f1, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	got, err := DiskUsageBytes(f1)
	if err != nil {
		t.Fatal(err)
	}
	if got != 5 {
		t.Errorf("single file: got %d bytes, want 5", got)
	}

	sub := filepath.Join(dir, "sub")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "a"), []byte("ab"), 0644); err != nil {
		t.Fatal(err)
	}
	got, err = DiskUsageBytes(sub)
	if err != nil {
		t.Fatal(err)
	}
	if got != 2 {
		t.Errorf("directory: got %d bytes, want 2", got)
	}

	got, err = DiskUsageBytes(DatabaseFiles(f1)...)
	if err != nil {
		t.Fatal(err)
	}
	if got != 5 {
		t.Errorf("missing wal files should be skipped: got %d bytes, want 5", got)
	}
}

func TestDatabaseFiles(t *testing.T) {
	if files := DatabaseFiles(":memory:"); files != nil {
		t.Errorf("memory database has no files, got %v", files)
	}
	files := DatabaseFiles("/tmp/x.db")
	if len(files) != 3 || files[1] != "/tmp/x.db-wal" {
		t.Errorf("unexpected files: %v", files)
	}
}

func TestDiskUsageBytes_GrowsWithStoredImages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "images.db")
	store, err := NewSQLiteStore(path, CodecNone, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	before, err := DiskUsageBytes(DatabaseFiles(path)...)
	if err != nil {
		t.Fatal(err)
	}

	f := &models.ImageFeatures{ImageID: 1}
	for i := 0; i < 200; i++ {
		d := make(models.Descriptor, 32)
		for j := range d {
			d[j] = byte(i*31 + j)
		}
		f.Descriptors = append(f.Descriptors, d)
		f.Keypoints = append(f.Keypoints, models.Keypoint{X: float64(i), Y: float64(i)})
	}
	if err := store.PutImage(context.Background(), f); err != nil {
		t.Fatal(err)
	}
	after, err := DiskUsageBytes(DatabaseFiles(path)...)
	if err != nil {
		t.Fatal(err)
	}
	if after <= before {
		t.Errorf("disk usage did not grow: before %d, after %d", before, after)
	}
}

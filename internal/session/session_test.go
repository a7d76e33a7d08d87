package session

import (
	"context"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"testing"

	"github.com/hyperjump/lcdetect/internal/config"
	"github.com/hyperjump/lcdetect/internal/detector"
	"github.com/hyperjump/lcdetect/internal/features"
	"github.com/hyperjump/lcdetect/internal/index"
	"github.com/hyperjump/lcdetect/internal/models"
	"github.com/hyperjump/lcdetect/internal/storage"
)

type fixedVerifier int

func (v fixedVerifier) Verify(query, train []models.Point2D) (int, error) {
	return int(v), nil
}

func randomFeatures(rng *rand.Rand, id uint32, n int) *models.ImageFeatures {
	f := &models.ImageFeatures{ImageID: id}
	for i := 0; i < n; i++ {
		d := make(models.Descriptor, 32)
		for j := range d {
			d[j] = byte(rng.UintN(256))
		}
		f.Descriptors = append(f.Descriptors, d)
		f.Keypoints = append(f.Keypoints, models.Keypoint{X: float64(i), Y: float64(2 * i)})
	}
	return f
}

func testConfig() *config.Config {
	cfg := config.Default()
	purge := false
	cfg.Storage.Type = "memory"
	cfg.Index.Type = "flat"
	cfg.Index.Purge = &purge
	cfg.Detector.Delay = 2
	return cfg
}

func newTestSession(t *testing.T) *Session {
	t.Helper()
	cfg := testConfig()
	idx, err := index.NewFromConfig(cfg.Index)
	if err != nil {
		t.Fatal(err)
	}
	store := storage.NewMemoryStore()
	det, err := detector.New(cfg.Detector, idx, store, detector.WithVerifier(fixedVerifier(100)))
	if err != nil {
		t.Fatal(err)
	}
	s := New(det, store, WithRunID("run-1"))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustProcess(t *testing.T, s *Session, f *models.ImageFeatures) *models.Result {
	t.Helper()
	res, err := s.ProcessFeatures(context.Background(), f)
	if err != nil {
		t.Fatalf("process image %d: %v", f.ImageID, err)
	}
	return res
}

func TestSession_ProcessFeaturesRecordsResults(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	s := newTestSession(t)
	ctx := context.Background()

	first := randomFeatures(rng, 1, 30)
	if res := mustProcess(t, s, first); res.Status != models.StatusNotEnoughImages {
		t.Errorf("first image: status = %s, want not_enough_images", res.Status)
	}
	mustProcess(t, s, randomFeatures(rng, 2, 30))

	revisit := &models.ImageFeatures{ImageID: 3, Keypoints: first.Keypoints, Descriptors: first.Descriptors}
	res := mustProcess(t, s, revisit)
	if res.Status != models.StatusDetected || res.TrainID != 1 {
		t.Fatalf("revisit: got %s, want a loop with image 1", res)
	}

	st, err := s.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.RunID != "run-1" {
		t.Errorf("run id = %q", st.RunID)
	}
	if st.Processed != 3 || st.Loops != 1 {
		t.Errorf("processed = %d, loops = %d; want 3 and 1", st.Processed, st.Loops)
	}
	if st.ByStatus["not_enough_images"] != 1 {
		t.Errorf("by status = %v", st.ByStatus)
	}
	if st.StoredResults != 3 || st.StoredImages != 2 {
		t.Errorf("stored results = %d, images = %d; want 3 and 2", st.StoredResults, st.StoredImages)
	}
	if st.Detector.Indexed != 2 {
		t.Errorf("indexed = %d, want 2", st.Detector.Indexed)
	}

	detected := models.StatusDetected
	loops, total, err := s.Loops(ctx, storage.LoopFilter{RunID: "run-1", Status: &detected})
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || len(loops) != 1 {
		t.Fatalf("loops: total = %d, len = %d; want 1", total, len(loops))
	}
	if loops[0].Result != *res {
		t.Errorf("stored loop = %s, want %s", &loops[0].Result, res)
	}

	if got := s.LastFrame().QueryID; got != 3 {
		t.Errorf("last frame query = %d, want 3", got)
	}
}

func TestSession_ProcessFile(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	s := newTestSession(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "000010.json.zst")
	if err := features.Save(path, randomFeatures(rng, 10, 5)); err != nil {
		t.Fatal(err)
	}

	res, err := s.ProcessFile(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if res.QueryID != 10 {
		t.Errorf("query id = %d, want 10", res.QueryID)
	}

	if _, err := s.ProcessFile(context.Background(), filepath.Join(dir, "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestSession_ConcurrentCallersAreSerialized(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	s := newTestSession(t)
	inputs := make([]*models.ImageFeatures, 20)
	for i := range inputs {
		inputs[i] = randomFeatures(rng, uint32(i+1), 10)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(inputs))
	for _, f := range inputs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ProcessFeatures(context.Background(), f); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	st, err := s.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.Processed != 20 || st.Detector.Indexed != 19 {
		t.Errorf("processed = %d, indexed = %d; want 20 and 19", st.Processed, st.Detector.Indexed)
	}
}

func TestSession_ErrorsAreNotRecorded(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 8))
	s := newTestSession(t)
	bad := randomFeatures(rng, 1, 3)
	bad.Keypoints = bad.Keypoints[:1]
	if _, err := s.ProcessFeatures(context.Background(), bad); err == nil {
		t.Error("expected error for mismatched features")
	}
	if _, err := s.ProcessFeatures(context.Background(), nil); err == nil {
		t.Error("expected error for nil features")
	}

	st, err := s.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.Processed != 0 || st.StoredResults != 0 {
		t.Errorf("processed = %d, stored results = %d; want none", st.Processed, st.StoredResults)
	}
}

func TestNewFromConfig(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 10))
	cfg := testConfig()
	cfg.Storage.Type = "sqlite"
	cfg.Storage.DatabasePath = filepath.Join(t.TempDir(), "images.db")
	cfg.Index.Type = "tree"

	s, err := NewFromConfig(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if s.RunID() == "" {
		t.Error("run id should be generated")
	}

	ctx := context.Background()
	for id := uint32(1); id <= 3; id++ {
		if _, err := s.ProcessFeatures(ctx, randomFeatures(rng, id, 20)); err != nil {
			t.Fatal(err)
		}
	}
	st, err := s.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.StoredImages != 2 || st.StoredResults != 3 {
		t.Errorf("stored images = %d, results = %d; want 2 and 3", st.StoredImages, st.StoredResults)
	}

	cfg.Storage.Codec = "brotli"
	if _, err := NewFromConfig(cfg, nil); err == nil {
		t.Error("expected error for unknown codec")
	}
}

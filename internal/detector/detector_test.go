package detector

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/lcdetect/internal/config"
	"github.com/hyperjump/lcdetect/internal/index"
	"github.com/hyperjump/lcdetect/internal/models"
	"github.com/hyperjump/lcdetect/internal/particle"
	"github.com/hyperjump/lcdetect/internal/storage"
)

type spyVerifier struct {
	inliers int
	calls   int
}

func (s *spyVerifier) Verify(query, train []models.Point2D) (int, error) {
	s.calls++
	return s.inliers, nil
}

type view struct {
	kps   []models.Keypoint
	descs []models.Descriptor
}

func randomView(rng *rand.Rand, n int) view {
	v := view{}
	for i := 0; i < n; i++ {
		d := make(models.Descriptor, 32)
		for j := range d {
			d[j] = byte(rng.UintN(256))
		}
		v.descs = append(v.descs, d)
		v.kps = append(v.kps, models.Keypoint{X: rng.Float64() * 640, Y: rng.Float64() * 480, Size: 31})
	}
	return v
}

func testConfig(delay int) config.DetectorConfig {
	return config.DetectorConfig{
		Delay:          delay,
		NNDR:           0.8,
		MinScore:       0.05,
		IslandSize:     3,
		MaxIslands:     20,
		MinInliers:     22,
		NFramesAfterLC: 3,
	}
}

func newTestDetector(t *testing.T, cfg config.DetectorConfig, v *spyVerifier) *Detector {
	t.Helper()
	idx, err := index.New(index.Options{Type: index.SearcherFlat, MinFeatApps: 2})
	require.NoError(t, err)
	pf := particle.New(particle.Options{NumParticles: 50, IslandOffset: cfg.IslandSize, Seed: 7})
	d, err := New(cfg, idx, storage.NewMemoryStore(), WithVerifier(v), WithParticleFilter(pf))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func process(t *testing.T, d *Detector, id uint32, v view) *models.Result {
	t.Helper()
	res, err := d.Process(context.Background(), id, v.kps, v.descs)
	require.NoError(t, err)
	require.Equal(t, id, res.QueryID)
	return res
}

func TestDetector_NotEnoughImages(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	d := newTestDetector(t, testConfig(5), &spyVerifier{})
	for id := uint32(1); id <= 4; id++ {
		res := process(t, d, id, randomView(rng, 20))
		assert.Equal(t, models.StatusNotEnoughImages, res.Status)
	}
	stats := d.Stats()
	assert.Equal(t, 4, stats.Queued)
	assert.Equal(t, 0, stats.Indexed)

	res := process(t, d, 5, randomView(rng, 20))
	assert.NotEqual(t, models.StatusNotEnoughImages, res.Status)
	assert.Equal(t, 1, d.Stats().Indexed)
}

func TestDetector_RevisitMatchesDelayedImage(t *testing.T) {
	rng := rand.New(rand.NewPCG(2, 2))
	spy := &spyVerifier{inliers: 50}
	d := newTestDetector(t, testConfig(3), spy)

	first := randomView(rng, 40)
	process(t, d, 1, first)
	process(t, d, 2, randomView(rng, 40))
	res := process(t, d, 3, first)

	frame := d.LastFrame()
	require.NotEmpty(t, frame.Candidates)
	assert.Equal(t, uint32(1), frame.Candidates[0].ImageID)
	assert.InDelta(t, 1.0, frame.Candidates[0].Score, 1e-9)
	assert.Equal(t, 40, frame.Matches)

	assert.Equal(t, models.StatusDetected, res.Status)
	assert.Equal(t, uint32(1), res.TrainID)
	assert.Equal(t, 50, res.Inliers)
	assert.Equal(t, 1, spy.calls)
}

func TestDetector_NotDetectedWithoutMatches(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 3))
	spy := &spyVerifier{inliers: 50}
	d := newTestDetector(t, testConfig(2), spy)
	process(t, d, 1, randomView(rng, 40))
	res := process(t, d, 2, randomView(rng, 40))
	assert.Equal(t, models.StatusNotDetected, res.Status)
	assert.False(t, res.HasCandidate())
	assert.Zero(t, spy.calls)
}

func TestDetector_NotEnoughInliers(t *testing.T) {
	rng := rand.New(rand.NewPCG(4, 4))
	spy := &spyVerifier{inliers: 5}
	d := newTestDetector(t, testConfig(2), spy)
	first := randomView(rng, 40)
	process(t, d, 1, first)
	res := process(t, d, 2, first)
	assert.Equal(t, models.StatusNotEnoughInliers, res.Status)
	assert.Equal(t, uint32(1), res.TrainID)
	assert.Equal(t, 5, res.Inliers)
	assert.Equal(t, 0, d.Stats().ConsecutiveLoops)
}

func TestDetector_NotEnoughIslands(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 5))
	cfg := testConfig(2)
	cfg.MinScore = 0.3
	spy := &spyVerifier{inliers: 50}
	d := newTestDetector(t, cfg, spy)

	views := make([]view, 8)
	for i := range views {
		views[i] = randomView(rng, 40)
		process(t, d, uint32(i+1), views[i])
	}

	// A single strong match spread over a seven image window.
	res := process(t, d, 9, views[3])
	assert.Equal(t, models.StatusNotEnoughIslands, res.Status)
	assert.False(t, res.HasCandidate())
	assert.Zero(t, spy.calls)

	frame := d.LastFrame()
	require.NotEmpty(t, frame.Fused)
	assert.Equal(t, uint32(4), frame.Fused[0].ImageID)
	assert.GreaterOrEqual(t, frame.Fused[0].Score, cfg.MinScore)
	require.NotNil(t, frame.Hypothesis)
	assert.Equal(t, 7, frame.Hypothesis.Size())
	assert.Less(t, frame.Hypothesis.Score, cfg.MinScore)
}

func TestDetector_MinCandidateScoreDropsWeakImages(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 9))
	cfg := testConfig(2)
	cfg.MinCandidateScore = 1.5
	spy := &spyVerifier{inliers: 50}
	d := newTestDetector(t, cfg, spy)
	first := randomView(rng, 40)
	process(t, d, 1, first)
	res := process(t, d, 2, first)
	assert.Equal(t, models.StatusNotEnoughIslands, res.Status)
	assert.Empty(t, d.LastFrame().Islands)
	assert.Zero(t, spy.calls)
}

func TestDetector_ConsecutiveLoopsSkipVerification(t *testing.T) {
	rng := rand.New(rand.NewPCG(6, 6))
	cfg := testConfig(2)
	cfg.MinConsecutiveLoops = 2
	spy := &spyVerifier{inliers: 40}
	d := newTestDetector(t, cfg, spy)

	views := make([]view, 6)
	for i := range views {
		views[i] = randomView(rng, 40)
		process(t, d, uint32(i+1), views[i])
	}

	// Images 7..10 revisit images 1..4.
	var statuses []models.Status
	for i := 0; i < 4; i++ {
		res := process(t, d, uint32(7+i), views[i])
		statuses = append(statuses, res.Status)
		assert.Equal(t, uint32(i+1), res.TrainID)
		assert.Equal(t, 40, res.Inliers)
	}
	assert.Equal(t, []models.Status{
		models.StatusDetected, models.StatusDetected, models.StatusDetected, models.StatusDetected,
	}, statuses)
	assert.Equal(t, 2, spy.calls)
	assert.Equal(t, 4, d.Stats().ConsecutiveLoops)
}

func TestDetector_TransitionAfterLoop(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 7))
	spy := &spyVerifier{inliers: 40}
	d := newTestDetector(t, testConfig(2), spy)

	views := make([]view, 12)
	for i := range views {
		views[i] = randomView(rng, 40)
		process(t, d, uint32(i+1), views[i])
	}

	res := process(t, d, 13, views[0])
	require.Equal(t, models.StatusDetected, res.Status)
	assert.Equal(t, uint32(1), res.TrainID)

	// A distant place right after the loop is held back.
	res = process(t, d, 14, views[9])
	assert.Equal(t, models.StatusTransition, res.Status)
	assert.Equal(t, uint32(10), res.TrainID)
	assert.False(t, res.HasInliers())
	assert.Equal(t, 1, spy.calls)

	process(t, d, 15, randomView(rng, 40))
	process(t, d, 16, randomView(rng, 40))

	// The hold has expired.
	res = process(t, d, 17, views[9])
	assert.Equal(t, models.StatusDetected, res.Status)
	assert.Contains(t, []uint32{10, 14}, res.TrainID)
	assert.Equal(t, 2, spy.calls)
	assert.Equal(t, res, d.Stats().LastLoop)
}

func TestDetector_InvalidInput(t *testing.T) {
	rng := rand.New(rand.NewPCG(8, 8))
	d := newTestDetector(t, testConfig(2), &spyVerifier{})
	v := randomView(rng, 10)

	_, err := d.Process(context.Background(), 1, v.kps[:5], v.descs)
	assert.Error(t, err)

	process(t, d, 1, v)
	_, err = d.Process(context.Background(), 1, v.kps, v.descs)
	assert.ErrorIs(t, err, index.ErrDuplicateImage)

	// Still usable.
	res := process(t, d, 2, randomView(rng, 10))
	assert.NotEqual(t, models.StatusNotEnoughImages, res.Status)
}

type flakyStore struct {
	*storage.MemoryStore
	fail bool
}

func (s *flakyStore) PutImage(ctx context.Context, f *models.ImageFeatures) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.MemoryStore.PutImage(ctx, f)
}

func TestDetector_StoreFailureKeepsQueue(t *testing.T) {
	rng := rand.New(rand.NewPCG(10, 10))
	cfg := testConfig(2)
	idx, err := index.New(index.Options{Type: index.SearcherFlat})
	require.NoError(t, err)
	store := &flakyStore{MemoryStore: storage.NewMemoryStore()}
	d, err := New(cfg, idx, store, WithVerifier(&spyVerifier{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	process(t, d, 1, randomView(rng, 20))
	second := randomView(rng, 20)

	store.fail = true
	_, err = d.Process(context.Background(), 2, second.kps, second.descs)
	require.Error(t, err)
	assert.Equal(t, 1, d.Stats().Queued)
	assert.Zero(t, d.Stats().Indexed)

	store.fail = false
	res := process(t, d, 2, second)
	assert.NotEqual(t, models.StatusNotEnoughImages, res.Status)
	assert.Equal(t, 1, d.Stats().Queued)
	assert.Equal(t, 1, d.Stats().Indexed)
	stored, err := store.GetImage(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), stored.ImageID)
}

func TestNew_Validation(t *testing.T) {
	idx, err := index.New(index.Options{Type: index.SearcherFlat})
	require.NoError(t, err)
	_, err = New(testConfig(0), idx, storage.NewMemoryStore())
	assert.Error(t, err)
	_, err = New(testConfig(1), nil, storage.NewMemoryStore())
	assert.Error(t, err)
	_, err = New(testConfig(1), idx, nil)
	assert.Error(t, err)
}

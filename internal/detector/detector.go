// Package detector decides, image by image, whether the current view closes
// a loop with a previously seen place.
package detector

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/lcdetect/internal/bayes"
	"github.com/hyperjump/lcdetect/internal/config"
	"github.com/hyperjump/lcdetect/internal/geometry"
	"github.com/hyperjump/lcdetect/internal/index"
	"github.com/hyperjump/lcdetect/internal/island"
	"github.com/hyperjump/lcdetect/internal/matching"
	"github.com/hyperjump/lcdetect/internal/models"
	"github.com/hyperjump/lcdetect/internal/particle"
	"github.com/hyperjump/lcdetect/internal/storage"
)

// DefaultChecks is the number of leaves visited per descriptor search.
const DefaultChecks = 64

// Option configures optional Detector dependencies.
type Option func(*Detector)

// WithLogger sets the logger. Per-frame decisions are logged at debug level.
func WithLogger(l *zap.Logger) Option {
	return func(d *Detector) { d.logger = l }
}

// WithVerifier replaces the default RANSAC verifier.
func WithVerifier(v geometry.Verifier) Option {
	return func(d *Detector) { d.verifier = v }
}

// WithParticleFilter replaces the default island tracker.
func WithParticleFilter(f *particle.Filter) Option {
	return func(d *Detector) { d.particles = f }
}

// WithSearchChecks sets the leaves visited per descriptor search.
func WithSearchChecks(n int) Option {
	return func(d *Detector) {
		if n > 0 {
			d.checks = n
		}
	}
}

// Frame describes the intermediate state of the last processed call.
type Frame struct {
	QueryID    uint32              `json:"query_id"`
	Matches    int                 `json:"matches"`
	Candidates []models.ImageMatch `json:"candidates"`
	Fused      []*FusedCandidate   `json:"fused"`
	Islands    []island.Island     `json:"islands"`
	Hypothesis *island.Island      `json:"hypothesis,omitempty"`
	Best       *particle.Particle  `json:"best_particle,omitempty"`
}

// Stats is a snapshot of the detector state.
type Stats struct {
	Frames           int            `json:"frames"`
	Queued           int            `json:"queued"`
	Indexed          int            `json:"indexed"`
	Words            int            `json:"words"`
	ConsecutiveLoops int            `json:"consecutive_loops"`
	Neff             float64        `json:"neff"`
	LastLoop         *models.Result `json:"last_loop,omitempty"`
}

// Detector is the loop closure state machine. It is not safe for concurrent use.
type Detector struct {
	cfg       config.DetectorConfig
	checks    int
	index     index.ImageIndex
	store     storage.ImageStore
	bayes     *bayes.Filter
	particles *particle.Filter
	verifier  geometry.Verifier
	logger    *zap.Logger

	// queue delays images by cfg.Delay calls before they become searchable.
	queue []*models.ImageFeatures
	seen  map[uint32]struct{}

	frames      int
	consecutive int
	sinceLoop   int
	lastLoop    *models.Result
	lastIsland  island.Island
	hasLoop     bool
	last        Frame
}

// New creates a detector over an empty index. Stored features of indexed
// images are written to store and read back for geometric verification.
func New(cfg config.DetectorConfig, idx index.ImageIndex, store storage.ImageStore, opts ...Option) (*Detector, error) {
	if idx == nil {
		return nil, errors.New("image index is required")
	}
	if store == nil {
		return nil, errors.New("image store is required")
	}
	if cfg.Delay < 1 {
		return nil, fmt.Errorf("delay must be at least 1, got %d", cfg.Delay)
	}
	d := &Detector{
		cfg:    cfg,
		checks: DefaultChecks,
		index:  idx,
		store:  store,
		bayes:  bayes.New(),
		logger: zap.NewNop(),
		seen:   make(map[uint32]struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	if d.verifier == nil {
		d.verifier = geometry.NewRANSACVerifier(geometry.Options{})
	}
	if d.particles == nil {
		d.particles = particle.New(particle.Options{IslandOffset: cfg.IslandSize, MaxIslands: cfg.MaxIslands})
	}
	return d, nil
}

// Process runs one detection step for an image. Keypoints and descriptors
// are retained until the image leaves the delay queue and must not be
// modified by the caller. Errors are returned only for invalid input and
// index or storage failures; the detector remains usable afterwards.
func (d *Detector) Process(ctx context.Context, imageID uint32, kps []models.Keypoint, descs []models.Descriptor) (*models.Result, error) {
	if err := models.ValidateFeatures(kps, descs); err != nil {
		return nil, fmt.Errorf("image %d: %w", imageID, err)
	}
	if _, dup := d.seen[imageID]; dup {
		return nil, fmt.Errorf("image %d: %w", imageID, index.ErrDuplicateImage)
	}
	d.seen[imageID] = struct{}{}
	d.queue = append(d.queue, &models.ImageFeatures{ImageID: imageID, Keypoints: kps, Descriptors: descs})
	d.last = Frame{QueryID: imageID}

	if len(d.queue) < d.cfg.Delay {
		return models.NewResult(models.StatusNotEnoughImages, imageID), nil
	}

	if err := d.addImage(ctx, d.queue[0]); err != nil {
		d.queue = d.queue[:len(d.queue)-1]
		delete(d.seen, imageID)
		return nil, err
	}
	d.queue[0] = nil
	d.queue = d.queue[1:]
	d.frames++
	d.sinceLoop++
	d.bayes.Predict()

	knn, err := d.index.SearchDescriptors(ctx, descs, 2, d.checks)
	if err != nil {
		return nil, fmt.Errorf("failed to search descriptors: %w", err)
	}
	matches := matching.FilterRatio(knn, d.cfg.NNDR)
	d.last.Matches = len(matches)

	candidates, err := d.index.SearchImages(ctx, descs, matches, true)
	if err != nil {
		return nil, fmt.Errorf("failed to search images: %w", err)
	}
	candidates = excludeImage(candidates, imageID)
	d.last.Candidates = candidates
	if len(candidates) == 0 {
		return d.finish(models.NewResult(models.StatusNotDetected, imageID)), nil
	}
	if len(candidates) >= 2 {
		// Two or more candidates always satisfy Update.
		_ = d.bayes.Update(candidates)
	}

	fused := Fuse(candidates, NormalizeBayesScores(d.bayes.Results()), d.cfg.BayesWeightOrDefault())
	d.last.Fused = fused
	islands := island.Build(d.denseCandidates(fused), d.bayes.Len(), island.BuildOptions{
		HalfWidth:  d.cfg.IslandSize,
		MaxIslands: d.cfg.MaxIslands,
		MinScore:   d.cfg.MinCandidateScore,
	})
	d.last.Islands = islands

	d.particles.Process(islands, d.bayes.Len())
	if len(islands) == 0 {
		return d.finish(models.NewResult(models.StatusNotEnoughIslands, imageID)), nil
	}

	hyp := d.hypothesis(islands)
	if d.holding() && !hyp.Overlaps(d.lastIsland) {
		prior := island.PriorIslands(d.lastIsland, islands)
		if len(prior) == 0 {
			trainID, _ := d.bayes.ImageAt(hyp.ImgID)
			return d.finish(models.NewCandidateResult(models.StatusTransition, imageID, trainID, 0)), nil
		}
		hyp = prior[0]
	}
	d.last.Hypothesis = &hyp
	if hyp.Score < d.cfg.MinScore {
		return d.finish(models.NewResult(models.StatusNotEnoughIslands, imageID)), nil
	}
	trainID, _ := d.bayes.ImageAt(hyp.ImgID)

	if d.trusted(hyp) {
		d.logger.Debug("loop trusted without verification",
			zap.Uint32("query", imageID), zap.Uint32("train", trainID), zap.Int("consecutive", d.consecutive))
		res := models.NewCandidateResult(models.StatusDetected, imageID, trainID, d.lastLoop.Inliers)
		return d.detected(res, hyp), nil
	}

	inliers, err := d.verify(ctx, kps, descs, trainID)
	if err != nil {
		return nil, err
	}
	if inliers < d.cfg.MinInliers {
		return d.finish(models.NewCandidateResult(models.StatusNotEnoughInliers, imageID, trainID, inliers)), nil
	}
	return d.detected(models.NewCandidateResult(models.StatusDetected, imageID, trainID, inliers), hyp), nil
}

// addImage writes an image to the store, the index and the Bayes filter.
// The store write is an upsert, so a failed call can be retried.
func (d *Detector) addImage(ctx context.Context, f *models.ImageFeatures) error {
	if err := d.store.PutImage(ctx, f); err != nil {
		return fmt.Errorf("failed to store image %d: %w", f.ImageID, err)
	}
	var matches []models.DescriptorMatch
	if d.index.NumImages() > 0 {
		knn, err := d.index.SearchDescriptors(ctx, f.Descriptors, 2, d.checks)
		if err != nil {
			return fmt.Errorf("failed to search descriptors of image %d: %w", f.ImageID, err)
		}
		matches = matching.FilterRatio(knn, d.cfg.NNDR)
	}
	if err := d.index.AddImage(ctx, f.ImageID, f.Keypoints, f.Descriptors, matches); err != nil {
		return fmt.Errorf("failed to index image %d: %w", f.ImageID, err)
	}
	return d.bayes.AddImage(f.ImageID)
}

func excludeImage(matches []models.ImageMatch, id uint32) []models.ImageMatch {
	out := matches[:0]
	for _, m := range matches {
		if m.ImageID != id {
			out = append(out, m)
		}
	}
	return out
}

func (d *Detector) denseCandidates(fused []*FusedCandidate) []island.Candidate {
	out := make([]island.Candidate, 0, len(fused))
	for _, c := range fused {
		if idx, ok := d.bayes.IndexOf(c.ImageID); ok {
			out = append(out, island.Candidate{Index: idx, Score: c.Score})
		}
	}
	return out
}

// hypothesis returns the best island overlapping the best particle, or the
// top island when the tracker has no hypothesis.
func (d *Detector) hypothesis(islands []island.Island) island.Island {
	best, ok := d.particles.Best()
	if !ok {
		return islands[0]
	}
	d.last.Best = &best
	for _, is := range islands {
		if is.Overlaps(best.Island) {
			return is
		}
	}
	return islands[0]
}

// holding reports whether the last loop still constrains new hypotheses.
func (d *Detector) holding() bool {
	return d.hasLoop && d.sinceLoop <= d.cfg.NFramesAfterLC
}

func (d *Detector) trusted(hyp island.Island) bool {
	return d.cfg.MinConsecutiveLoops > 0 &&
		d.consecutive >= d.cfg.MinConsecutiveLoops &&
		d.hasLoop && hyp.Overlaps(d.lastIsland)
}

// verify ratio-matches the query against the stored train image and counts
// the epipolar inliers. Too few correspondences yield zero inliers.
func (d *Detector) verify(ctx context.Context, kps []models.Keypoint, descs []models.Descriptor, trainID uint32) (int, error) {
	train, err := d.store.GetImage(ctx, trainID)
	if err != nil {
		return 0, fmt.Errorf("failed to load image %d: %w", trainID, err)
	}
	matches := matching.RatioMatchBF(descs, train.Descriptors, d.cfg.NNDR)
	query, trainPts := matching.ConvertPoints(kps, train.Keypoints, matches)
	inliers, err := d.verifier.Verify(query, trainPts)
	if err != nil {
		d.logger.Debug("geometric verification failed",
			zap.Uint32("train", trainID), zap.Int("matches", len(matches)),
			zap.Float64("mean_distance", matching.MeanDistance(matches)), zap.Error(err))
		return 0, nil
	}
	return inliers, nil
}

func (d *Detector) detected(res *models.Result, hyp island.Island) *models.Result {
	d.consecutive++
	d.sinceLoop = 0
	d.lastLoop = res
	d.lastIsland = hyp
	d.hasLoop = true
	d.logger.Debug("loop detected",
		zap.Uint32("query", res.QueryID), zap.Uint32("train", res.TrainID),
		zap.Int("inliers", res.Inliers), zap.Stringer("island", hyp))
	return res
}

func (d *Detector) finish(res *models.Result) *models.Result {
	d.consecutive = 0
	d.logger.Debug("frame processed", zap.Stringer("result", res))
	return res
}

// LastFrame returns the intermediate state of the last call.
func (d *Detector) LastFrame() Frame {
	return d.last
}

// Stats returns a snapshot of the detector state.
func (d *Detector) Stats() Stats {
	s := Stats{
		Frames:           d.frames,
		Queued:           len(d.queue),
		Indexed:          d.index.NumImages(),
		Words:            d.index.NumDescriptors(),
		ConsecutiveLoops: d.consecutive,
		Neff:             d.particles.Neff(),
	}
	if d.lastLoop != nil {
		loop := *d.lastLoop
		s.LastLoop = &loop
	}
	return s
}

// Close releases the index. The store is owned by the caller.
func (d *Detector) Close() error {
	return d.index.Close()
}

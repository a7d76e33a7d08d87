package index

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"go.uber.org/zap"

	"github.com/hyperjump/lcdetect/internal/models"
)

// ErrDuplicateImage is returned when an image id is added twice.
var ErrDuplicateImage = errors.New("image already indexed")

// Options configures an Index.
type Options struct {
	Type        SearcherType
	Branching   int
	LeafSize    int
	Trees       int
	MergePolicy MergePolicy
	// Purge removes words seen in fewer than MinFeatApps images once they
	// are MinFeatApps insertions old.
	Purge       bool
	MinFeatApps int
	Seed        uint64
}

// Option configures optional Index dependencies.
type Option func(*Index)

// WithLogger sets a logger for debug output (image added, words purged).
func WithLogger(l *zap.Logger) Option {
	return func(idx *Index) { idx.logger = l }
}

// Index is an incremental visual word index with an inverted file of
// roaring bitmaps. It is safe for concurrent use.
type Index struct {
	mu       sync.RWMutex
	opts     Options
	searcher searcher
	logger   *zap.Logger

	words    map[int]*word
	postings map[int]*roaring.Bitmap
	images   *roaring.Bitmap
	nextWord int
	width    int
	inserted int
	// createdAt lists word ids by the insertion that created them.
	createdAt map[int][]int
}

// New creates an empty index.
func New(opts Options, options ...Option) (*Index, error) {
	s, err := newSearcher(opts)
	if err != nil {
		return nil, err
	}
	if opts.MergePolicy == "" {
		opts.MergePolicy = MergeNone
	}
	if opts.MinFeatApps <= 0 {
		opts.MinFeatApps = 2
	}
	idx := &Index{
		opts:      opts,
		searcher:  s,
		logger:    zap.NewNop(),
		words:     make(map[int]*word),
		postings:  make(map[int]*roaring.Bitmap),
		images:    roaring.New(),
		createdAt: make(map[int][]int),
	}
	for _, o := range options {
		o(idx)
	}
	return idx, nil
}

// Type returns the searcher type identifier.
func (idx *Index) Type() string {
	if idx.opts.Type == "" {
		return string(SearcherTree)
	}
	return string(idx.opts.Type)
}

// NumImages returns the number of indexed images.
func (idx *Index) NumImages() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return int(idx.images.GetCardinality())
}

// NumDescriptors returns the number of visual words.
func (idx *Index) NumDescriptors() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.words)
}

// AddImage registers an image. Matched descriptors are merged into their word
// according to the merge policy; the rest become new words.
func (idx *Index) AddImage(ctx context.Context, imageID uint32, kps []models.Keypoint, descs []models.Descriptor, matches []models.DescriptorMatch) error {
	if err := models.ValidateFeatures(kps, descs); err != nil {
		return fmt.Errorf("invalid features for image %d: %w", imageID, err)
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.images.Contains(imageID) {
		return fmt.Errorf("%w: %d", ErrDuplicateImage, imageID)
	}
	if len(descs) > 0 {
		if idx.width == 0 {
			idx.width = len(descs[0])
		} else if len(descs[0]) != idx.width {
			return fmt.Errorf("descriptor width %d does not match index width %d", len(descs[0]), idx.width)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	idx.inserted++
	idx.images.Add(imageID)

	matched := make([]bool, len(descs))
	for _, m := range matches {
		if m.QueryIdx < 0 || m.QueryIdx >= len(descs) || matched[m.QueryIdx] {
			continue
		}
		w, ok := idx.words[m.TrainIdx]
		if !ok {
			// Word purged since the search.
			continue
		}
		matched[m.QueryIdx] = true
		w.apps++
		idx.opts.MergePolicy.merge(w.desc, descs[m.QueryIdx])
		idx.postings[w.id].Add(imageID)
	}

	added := 0
	for i, d := range descs {
		if matched[i] {
			continue
		}
		w := &word{id: idx.nextWord, desc: d.Clone(), apps: 1, created: idx.inserted}
		idx.nextWord++
		idx.words[w.id] = w
		p := roaring.New()
		p.Add(imageID)
		idx.postings[w.id] = p
		idx.searcher.add(w)
		idx.createdAt[idx.inserted] = append(idx.createdAt[idx.inserted], w.id)
		added++
	}

	purged := 0
	if idx.opts.Purge {
		purged = idx.purge()
	}
	idx.logger.Debug("image indexed",
		zap.Uint32("image_id", imageID),
		zap.Int("matched", len(descs)-added),
		zap.Int("new_words", added),
		zap.Int("purged_words", purged),
		zap.Int("words", len(idx.words)))
	return nil
}

// purge drops the words created MinFeatApps insertions ago that were seen
// fewer than MinFeatApps times.
func (idx *Index) purge() int {
	ordinal := idx.inserted - idx.opts.MinFeatApps
	ids, ok := idx.createdAt[ordinal]
	if !ok {
		return 0
	}
	delete(idx.createdAt, ordinal)
	n := 0
	for _, id := range ids {
		w, ok := idx.words[id]
		if !ok || w.apps >= idx.opts.MinFeatApps {
			continue
		}
		idx.searcher.remove(id)
		delete(idx.words, id)
		delete(idx.postings, id)
		n++
	}
	return n
}

// SearchDescriptors returns up to k nearest words per descriptor.
func (idx *Index) SearchDescriptors(ctx context.Context, descs []models.Descriptor, k, checks int) ([][]models.DescriptorMatch, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if k <= 0 || idx.searcher.len() == 0 {
		return make([][]models.DescriptorMatch, len(descs)), nil
	}
	return idx.searcher.search(ctx, descs, k, checks)
}

// SearchImages scores images by the words they share with matches. Each
// distinct matched word weighs ln(1 + N/df); an image scores the weight of
// the matched words it contains over the weight of all matched words, so
// scores lie in [0, 1]. Images without a shared word are omitted.
func (idx *Index) SearchImages(ctx context.Context, descs []models.Descriptor, matches []models.DescriptorMatch, sorted bool) ([]models.ImageMatch, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	nimages := float64(idx.images.GetCardinality())
	seen := make(map[int]bool, len(matches))
	scores := make(map[uint32]float64)
	var total float64
	for _, m := range matches {
		if seen[m.TrainIdx] {
			continue
		}
		seen[m.TrainIdx] = true
		p, ok := idx.postings[m.TrainIdx]
		if !ok {
			continue
		}
		df := float64(p.GetCardinality())
		if df == 0 {
			continue
		}
		weight := math.Log(1 + nimages/df)
		total += weight
		it := p.Iterator()
		for it.HasNext() {
			scores[it.Next()] += weight
		}
	}
	if total == 0 {
		return nil, nil
	}

	out := make([]models.ImageMatch, 0, len(scores))
	for id, s := range scores {
		out = append(out, models.ImageMatch{ImageID: id, Score: s / total})
	}
	sort.Slice(out, func(i, j int) bool {
		if sorted && out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ImageID < out[j].ImageID
	})
	return out, nil
}

// ImageWords returns the number of words whose posting list contains imageID.
func (idx *Index) ImageWords(imageID uint32) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	n := 0
	for _, p := range idx.postings {
		if p.Contains(imageID) {
			n++
		}
	}
	return n
}

// Close releases the index contents.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.words = map[int]*word{}
	idx.postings = map[int]*roaring.Bitmap{}
	idx.images.Clear()
	return nil
}

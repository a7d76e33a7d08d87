// Package session serializes detector calls from every entry point (HTTP,
// watcher, CLI) and records their results under one run id.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/lcdetect/internal/detector"
	"github.com/hyperjump/lcdetect/internal/features"
	"github.com/hyperjump/lcdetect/internal/models"
	"github.com/hyperjump/lcdetect/internal/storage"
)

// Session owns a detector and the store its results are written to.
// It is safe for concurrent use.
type Session struct {
	mu       sync.Mutex
	runID    string
	detector *detector.Detector
	store    storage.ImageStore
	logger   *zap.Logger
	started  time.Time

	processed int
	byStatus  map[models.Status]int
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets a logger. Detected loops are logged at info level.
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithRunID overrides the generated run id.
func WithRunID(id string) Option {
	return func(s *Session) { s.runID = id }
}

// New creates a session with a fresh run id.
func New(det *detector.Detector, store storage.ImageStore, opts ...Option) *Session {
	s := &Session{
		runID:    uuid.New().String(),
		detector: det,
		store:    store,
		logger:   zap.NewNop(),
		started:  time.Now(),
		byStatus: make(map[models.Status]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunID returns the id results of this session are stored under.
func (s *Session) RunID() string {
	return s.runID
}

// ProcessFeatures runs the detector on one image and stores the result.
func (s *Session) ProcessFeatures(ctx context.Context, f *models.ImageFeatures) (*models.Result, error) {
	if f == nil {
		return nil, fmt.Errorf("features are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.detector.Process(ctx, f.ImageID, f.Keypoints, f.Descriptors)
	if err != nil {
		return nil, err
	}
	s.processed++
	s.byStatus[res.Status]++

	rec := &models.LoopRecord{RunID: s.runID, Result: *res}
	if err := s.store.SaveResult(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to save result: %w", err)
	}
	if res.IsLoop() {
		s.logger.Info("loop closure detected",
			zap.Uint32("query_id", res.QueryID),
			zap.Uint32("train_id", res.TrainID),
			zap.Int("inliers", res.Inliers))
	} else {
		s.logger.Debug("image processed", zap.Uint32("query_id", res.QueryID), zap.Stringer("status", res.Status))
	}
	return res, nil
}

// ProcessFile loads a feature file and processes it.
func (s *Session) ProcessFile(ctx context.Context, path string) (*models.Result, error) {
	f, err := features.Load(path)
	if err != nil {
		return nil, err
	}
	return s.ProcessFeatures(ctx, f)
}

// Status summarizes the session.
type Status struct {
	RunID         string         `json:"run_id"`
	StartedAt     time.Time      `json:"started_at"`
	Processed     int            `json:"processed"`
	Loops         int            `json:"loops"`
	ByStatus      map[string]int `json:"by_status"`
	Detector      detector.Stats `json:"detector"`
	StoredImages  int64          `json:"stored_images"`
	StoredResults int64          `json:"stored_results"`
}

// Status returns the current session summary.
func (s *Session) Status(ctx context.Context) (*Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &Status{
		RunID:     s.runID,
		StartedAt: s.started,
		Processed: s.processed,
		Loops:     s.byStatus[models.StatusDetected],
		ByStatus:  make(map[string]int, len(s.byStatus)),
		Detector:  s.detector.Stats(),
	}
	for status, n := range s.byStatus {
		st.ByStatus[status.String()] = n
	}
	var err error
	if st.StoredImages, err = s.store.CountImages(ctx); err != nil {
		return nil, fmt.Errorf("failed to count images: %w", err)
	}
	if st.StoredResults, err = s.store.CountLoops(ctx, storage.LoopFilter{}); err != nil {
		return nil, fmt.Errorf("failed to count results: %w", err)
	}
	return st, nil
}

// LastFrame returns the detector state of the last processed image.
func (s *Session) LastFrame() detector.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detector.LastFrame()
}

// Loops lists stored results.
func (s *Session) Loops(ctx context.Context, filter storage.LoopFilter) ([]*models.LoopRecord, int64, error) {
	loops, err := s.store.ListLoops(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	filter.Offset, filter.Limit = 0, 0
	total, err := s.store.CountLoops(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	return loops, total, nil
}

// Close releases the detector and the store.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	derr := s.detector.Close()
	serr := s.store.Close()
	if derr != nil {
		return derr
	}
	return serr
}

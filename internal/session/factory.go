package session

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/lcdetect/internal/config"
	"github.com/hyperjump/lcdetect/internal/detector"
	"github.com/hyperjump/lcdetect/internal/geometry"
	"github.com/hyperjump/lcdetect/internal/index"
	"github.com/hyperjump/lcdetect/internal/particle"
	"github.com/hyperjump/lcdetect/internal/storage"
)

// NewFromConfig wires the store, index, verifier, particle filter and
// detector described by cfg into a session.
func NewFromConfig(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	codec, err := storage.ParseCodec(cfg.Storage.Codec)
	if err != nil {
		return nil, err
	}
	store, err := storage.New(cfg.Storage.Type, cfg.Storage.DatabasePath, codec, cfg.Storage.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	idx, err := index.NewFromConfig(cfg.Index, index.WithLogger(logger))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize index: %w", err)
	}

	verifier := geometry.NewRANSACVerifier(geometry.Options{
		Threshold:     cfg.Verifier.Threshold,
		Confidence:    cfg.Verifier.Confidence,
		MaxIterations: cfg.Verifier.MaxIterations,
		Seed:          cfg.Verifier.Seed,
	})
	particles := particle.New(particle.Options{
		NumParticles: cfg.Particles.Count,
		IslandOffset: cfg.Particles.IslandOffset,
		Alpha:        cfg.Particles.Alpha,
		MaxIslands:   cfg.Particles.MaxIslands,
		Seed:         cfg.Particles.Seed,
	})

	det, err := detector.New(cfg.Detector, idx, store,
		detector.WithLogger(logger),
		detector.WithVerifier(verifier),
		detector.WithParticleFilter(particles),
		detector.WithSearchChecks(cfg.Index.Checks),
	)
	if err != nil {
		_ = idx.Close()
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize detector: %w", err)
	}
	logger.Info("detector initialized",
		zap.String("index_type", idx.Type()),
		zap.String("storage_type", cfg.Storage.Type),
		zap.String("codec", codec.String()),
		zap.Int("delay", cfg.Detector.Delay))

	return New(det, store, append([]Option{WithLogger(logger)}, opts...)...), nil
}

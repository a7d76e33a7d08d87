// Package config provides configuration loading and structs for the lcdetect server and CLI.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Index     IndexConfig     `yaml:"index"`
	Detector  DetectorConfig  `yaml:"detector"`
	Verifier  VerifierConfig  `yaml:"verifier"`
	Particles ParticlesConfig `yaml:"particles"`
	Watch     WatchConfig     `yaml:"watch"`
}

// WatchConfig holds feature directory watch settings.
type WatchConfig struct {
	Directories []string `yaml:"directories"`
	Extensions  []string `yaml:"extensions"`
	Recursive   *bool    `yaml:"recursive"`
}

// RecursiveOrDefault returns whether to watch recursively; defaults to false when unset.
func (w *WatchConfig) RecursiveOrDefault() bool {
	if w.Recursive != nil {
		return *w.Recursive
	}
	return false
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig holds the image store settings.
type StorageConfig struct {
	// Type is "sqlite" or "memory".
	Type         string `yaml:"type"`
	DatabasePath string `yaml:"database_path"`
	// Codec compresses stored keypoint and descriptor blobs: "zstd", "lz4" or "none".
	Codec     string `yaml:"codec"`
	CacheSize int    `yaml:"cache_size"`
}

// IndexConfig holds the incremental binary descriptor index settings.
type IndexConfig struct {
	// Type is "tree" (randomized hierarchical trees) or "flat" (exhaustive).
	Type        string `yaml:"type"`
	Branching   int    `yaml:"branching"`
	LeafSize    int    `yaml:"leaf_size"`
	Trees       int    `yaml:"trees"`
	Checks      int    `yaml:"checks"`
	MergePolicy string `yaml:"merge_policy"`
	Purge       *bool  `yaml:"purge_descriptors"`
	MinFeatApps int    `yaml:"min_feat_apps"`
	Seed        uint64 `yaml:"seed"`
}

// PurgeOrDefault returns whether rarely seen words are purged; defaults to true when unset.
func (c *IndexConfig) PurgeOrDefault() bool {
	if c.Purge != nil {
		return *c.Purge
	}
	return true
}

// DetectorConfig holds the loop closure decision parameters.
type DetectorConfig struct {
	// Delay is the minimum temporal gap p between a query and any indexed image.
	Delay               int     `yaml:"delay"`
	NNDR                float64 `yaml:"nndr"`
	// MinScore is the lowest size-normalized island score worth verifying.
	MinScore            float64 `yaml:"min_score"`
	// MinCandidateScore drops single candidates before islands are built.
	MinCandidateScore   float64 `yaml:"min_candidate_score"`
	IslandSize          int     `yaml:"island_size"`
	MaxIslands          int     `yaml:"max_islands"`
	MinInliers          int     `yaml:"min_inliers"`
	NFramesAfterLC      int     `yaml:"nframes_after_lc"`
	MinConsecutiveLoops int     `yaml:"min_consecutive_loops"`
	// BayesWeight in [0,1] scales how much the smoothed temporal belief
	// can attenuate a raw candidate score. Zero disables it.
	BayesWeight *float64 `yaml:"bayes_weight"`
}

// BayesWeightOrDefault returns the configured Bayes weight; defaults to 0.5 when unset.
func (c *DetectorConfig) BayesWeightOrDefault() float64 {
	if c.BayesWeight != nil {
		return *c.BayesWeight
	}
	return 0.5
}

// VerifierConfig holds the RANSAC fundamental matrix estimator settings.
type VerifierConfig struct {
	Threshold     float64 `yaml:"epipolar_threshold"`
	Confidence    float64 `yaml:"confidence"`
	MaxIterations int     `yaml:"max_iterations"`
	Seed          uint64  `yaml:"seed"`
}

// ParticlesConfig holds the island tracking particle filter settings.
type ParticlesConfig struct {
	Count        int     `yaml:"count"`
	IslandOffset int     `yaml:"island_offset"`
	Alpha        float64 `yaml:"alpha"`
	MaxIslands   int     `yaml:"max_islands"`
	Seed         uint64  `yaml:"seed"`
}

// Load reads and parses the config file at path, expands paths, applies defaults and validates.
// Returns an error if the file cannot be read or parsed, or holds invalid values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configDir := filepath.Dir(path)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	for i := range cfg.Watch.Directories {
		cfg.Watch.Directories[i] = expandPath(cfg.Watch.Directories[i], configDir)
	}

	return &cfg, nil
}

// Default returns a config with every field set to its default.
func Default() *Config {
	var cfg Config
	ApplyDefaults(&cfg)
	return &cfg
}

// Validate reports values that cannot be used to build a detector.
func (c *Config) Validate() error {
	switch c.Index.Type {
	case "tree", "flat":
	default:
		return fmt.Errorf("invalid index type %q", c.Index.Type)
	}
	switch c.Index.MergePolicy {
	case "none", "and", "or":
	default:
		return fmt.Errorf("invalid merge policy %q", c.Index.MergePolicy)
	}
	switch c.Storage.Type {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("invalid storage type %q", c.Storage.Type)
	}
	switch c.Storage.Codec {
	case "zstd", "lz4", "none":
	default:
		return fmt.Errorf("invalid storage codec %q", c.Storage.Codec)
	}
	if c.Index.Branching < 2 {
		return fmt.Errorf("index branching must be at least 2, got %d", c.Index.Branching)
	}
	if c.Detector.NNDR <= 0 || c.Detector.NNDR > 1 {
		return fmt.Errorf("nndr must be in (0, 1], got %v", c.Detector.NNDR)
	}
	if c.Detector.MinCandidateScore < 0 {
		return fmt.Errorf("min_candidate_score must not be negative, got %v", c.Detector.MinCandidateScore)
	}
	if w := c.Detector.BayesWeightOrDefault(); w < 0 || w > 1 {
		return fmt.Errorf("bayes_weight must be in [0, 1], got %v", w)
	}
	if c.Particles.Alpha < 0 || c.Particles.Alpha > 1 {
		return fmt.Errorf("particle alpha must be in [0, 1], got %v", c.Particles.Alpha)
	}
	if c.Verifier.Confidence <= 0 || c.Verifier.Confidence >= 1 {
		return fmt.Errorf("verifier confidence must be in (0, 1), got %v", c.Verifier.Confidence)
	}
	return nil
}

// Save writes the config to path. Used for persisting watch directory add/remove.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if path == "" || path == ":memory:" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}

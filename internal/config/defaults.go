package config

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "sqlite"
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/lcdetect/data/db/images.db"
	}
	if cfg.Storage.Codec == "" {
		cfg.Storage.Codec = "zstd"
	}
	if cfg.Storage.CacheSize == 0 {
		cfg.Storage.CacheSize = 512
	}
	if cfg.Index.Type == "" {
		cfg.Index.Type = "tree"
	}
	if cfg.Index.Branching == 0 {
		cfg.Index.Branching = 16
	}
	if cfg.Index.LeafSize == 0 {
		cfg.Index.LeafSize = 150
	}
	if cfg.Index.Trees == 0 {
		cfg.Index.Trees = 4
	}
	if cfg.Index.Checks == 0 {
		cfg.Index.Checks = 64
	}
	if cfg.Index.MergePolicy == "" {
		cfg.Index.MergePolicy = "none"
	}
	if cfg.Index.MinFeatApps == 0 {
		cfg.Index.MinFeatApps = 2
	}
	if cfg.Detector.Delay == 0 {
		cfg.Detector.Delay = 250
	}
	if cfg.Detector.NNDR == 0 {
		cfg.Detector.NNDR = 0.8
	}
	if cfg.Detector.MinScore == 0 {
		cfg.Detector.MinScore = 0.3
	}
	if cfg.Detector.IslandSize == 0 {
		cfg.Detector.IslandSize = 3
	}
	if cfg.Detector.MaxIslands == 0 {
		cfg.Detector.MaxIslands = 20
	}
	if cfg.Detector.MinInliers == 0 {
		cfg.Detector.MinInliers = 22
	}
	if cfg.Detector.NFramesAfterLC == 0 {
		cfg.Detector.NFramesAfterLC = 3
	}
	if cfg.Verifier.Threshold == 0 {
		cfg.Verifier.Threshold = 2.0
	}
	if cfg.Verifier.Confidence == 0 {
		cfg.Verifier.Confidence = 0.985
	}
	if cfg.Verifier.MaxIterations == 0 {
		cfg.Verifier.MaxIterations = 2000
	}
	if cfg.Particles.Count == 0 {
		cfg.Particles.Count = 150
	}
	if cfg.Particles.IslandOffset == 0 {
		cfg.Particles.IslandOffset = cfg.Detector.IslandSize
	}
	if cfg.Particles.Alpha == 0 {
		cfg.Particles.Alpha = 0.1
	}
	if cfg.Particles.MaxIslands == 0 {
		cfg.Particles.MaxIslands = 20
	}
	if cfg.Watch.Extensions == nil {
		cfg.Watch.Extensions = []string{".json", ".json.zst"}
	}
}

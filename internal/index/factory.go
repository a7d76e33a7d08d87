package index

import (
	"fmt"

	"github.com/hyperjump/lcdetect/internal/config"
)

// SearcherType selects the nearest word search structure.
type SearcherType string

const (
	// SearcherTree uses randomized hierarchical trees searched best-bin-first.
	SearcherTree SearcherType = "tree"
	// SearcherFlat uses exhaustive search. Exact, suitable for small vocabularies and tests.
	SearcherFlat SearcherType = "flat"
)

// newSearcher creates a word searcher of the given type.
func newSearcher(opts Options) (searcher, error) {
	switch opts.Type {
	case SearcherTree, "":
		return newForest(opts.Trees, opts.Branching, opts.LeafSize, opts.Seed), nil
	case SearcherFlat:
		return newFlat(), nil
	default:
		return nil, fmt.Errorf("unknown index type: %s (supported: tree, flat)", opts.Type)
	}
}

// OptionsFromConfig maps the index section of the config to Options.
func OptionsFromConfig(cfg config.IndexConfig) (Options, error) {
	policy, err := ParseMergePolicy(cfg.MergePolicy)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Type:        SearcherType(cfg.Type),
		Branching:   cfg.Branching,
		LeafSize:    cfg.LeafSize,
		Trees:       cfg.Trees,
		MergePolicy: policy,
		Purge:       cfg.PurgeOrDefault(),
		MinFeatApps: cfg.MinFeatApps,
		Seed:        cfg.Seed,
	}, nil
}

// NewFromConfig creates an index from the index section of the config.
func NewFromConfig(cfg config.IndexConfig, opts ...Option) (*Index, error) {
	o, err := OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return New(o, opts...)
}

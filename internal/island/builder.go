package island

import "sort"

// Candidate is a scored dense image index.
type Candidate struct {
	Index int
	Score float64
}

// BuildOptions controls island construction.
type BuildOptions struct {
	// HalfWidth is the number of indices added on each side of a seed.
	HalfWidth int
	// MaxIslands caps the number of islands; zero means no cap.
	MaxIslands int
	// MinScore drops candidates scoring below it.
	MinScore float64
}

// Build groups candidates over nimages dense indices into disjoint islands,
// normalized by size and sorted with Less.
//
// Candidates are visited by descending score. A candidate inside an existing
// island adds its score there; any other candidate seeds a new island of
// HalfWidth around it, clipped to the valid range and shrunk away from every
// existing island.
func Build(candidates []Candidate, nimages int, opts BuildOptions) []Island {
	if nimages <= 0 {
		return nil
	}
	cands := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Index < 0 || c.Index >= nimages || c.Score < opts.MinScore {
			continue
		}
		cands = append(cands, c)
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score > cands[j].Score
		}
		return cands[i].Index < cands[j].Index
	})

	var islands []Island
	for _, c := range cands {
		found := false
		for i := range islands {
			if islands[i].Fits(c.Index) {
				islands[i].IncrementScore(c.Score)
				found = true
				break
			}
		}
		if found {
			continue
		}
		if opts.MaxIslands > 0 && len(islands) >= opts.MaxIslands {
			continue
		}
		min := c.Index - opts.HalfWidth
		if min < 0 {
			min = 0
		}
		max := c.Index + opts.HalfWidth
		if max > nimages-1 {
			max = nimages - 1
		}
		for _, is := range islands {
			is.AdjustLimits(c.Index, &min, &max)
		}
		islands = append(islands, New(c.Index, c.Score, min, max))
	}

	for i := range islands {
		islands[i].NormalizeScore()
	}
	Sort(islands)
	return islands
}

// Package island groups candidate image matches into disjoint index ranges.
package island

import (
	"fmt"
	"sort"
)

// Island is a closed interval of dense image indices treated as one loop
// closure hypothesis. ImgID is the representative index.
type Island struct {
	MinImgID int     `json:"min_img_id"`
	MaxImgID int     `json:"max_img_id"`
	ImgID    int     `json:"img_id"`
	Score    float64 `json:"score"`
}

// New returns an island with the given representative index, score and bounds.
func New(imgID int, score float64, min, max int) Island {
	return Island{MinImgID: min, MaxImgID: max, ImgID: imgID, Score: score}
}

// Size returns the number of indices covered.
func (is Island) Size() int {
	return is.MaxImgID - is.MinImgID + 1
}

// Fits reports whether id lies inside the interval.
func (is Island) Fits(id int) bool {
	return is.MinImgID <= id && id <= is.MaxImgID
}

// Overlaps reports whether the two closed intervals intersect.
func (is Island) Overlaps(other Island) bool {
	a1, a2 := is.MinImgID, is.MaxImgID
	b1, b2 := other.MinImgID, other.MaxImgID
	return (b1 <= a1 && a1 <= b2) || (a1 <= b1 && b1 <= a2)
}

// AdjustLimits shrinks the candidate bounds min and max so they no longer
// cover this island, keeping the side where id lies.
func (is Island) AdjustLimits(id int, min, max *int) {
	if id > is.MaxImgID {
		if *min <= is.MaxImgID {
			*min = is.MaxImgID + 1
		}
	} else if *max >= is.MinImgID {
		*max = is.MinImgID - 1
	}
}

// IncrementScore adds s to the accumulated score.
func (is *Island) IncrementScore(s float64) {
	is.Score += s
}

// NormalizeScore divides the accumulated score by the island size.
func (is *Island) NormalizeScore() {
	is.Score /= float64(is.Size())
}

func (is Island) String() string {
	return fmt.Sprintf("[%d - %d] (%d) %.4f", is.MinImgID, is.MaxImgID, is.ImgID, is.Score)
}

// Less orders islands by descending score; ties go to the smaller MinImgID.
func Less(a, b Island) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.MinImgID < b.MinImgID
}

// Sort orders islands in place with Less.
func Sort(islands []Island) {
	sort.SliceStable(islands, func(i, j int) bool {
		return Less(islands[i], islands[j])
	})
}

// PriorIslands returns the islands that overlap island, in input order.
func PriorIslands(island Island, islands []Island) []Island {
	var out []Island
	for _, is := range islands {
		if island.Overlaps(is) {
			out = append(out, is)
		}
	}
	return out
}

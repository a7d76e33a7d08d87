package index

import (
	"context"

	"github.com/hyperjump/lcdetect/internal/models"
)

// flat is an exhaustive word searcher.
type flat struct {
	words []*word
	pos   map[int]int
}

func newFlat() *flat {
	return &flat{pos: make(map[int]int)}
}

func (f *flat) add(w *word) {
	f.pos[w.id] = len(f.words)
	f.words = append(f.words, w)
}

func (f *flat) remove(id int) {
	i, ok := f.pos[id]
	if !ok {
		return
	}
	last := len(f.words) - 1
	f.words[i] = f.words[last]
	f.pos[f.words[i].id] = i
	f.words = f.words[:last]
	delete(f.pos, id)
}

func (f *flat) search(ctx context.Context, queries []models.Descriptor, k, _ int) ([][]models.DescriptorMatch, error) {
	out := make([][]models.DescriptorMatch, len(queries))
	for qi, q := range queries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		best := newKNNList(k)
		for _, w := range f.words {
			best.insert(models.DescriptorMatch{QueryIdx: qi, TrainIdx: w.id, Distance: q.Hamming(w.desc)})
		}
		out[qi] = best.items
	}
	return out, nil
}

func (f *flat) len() int {
	return len(f.words)
}

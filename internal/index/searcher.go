package index

import (
	"context"

	"github.com/hyperjump/lcdetect/internal/models"
)

// word is a visual word: a representative descriptor and the images it was seen in.
type word struct {
	id      int
	desc    models.Descriptor
	apps    int
	created int
}

// searcher finds the nearest visual words of query descriptors.
// Calls to add and remove are serialized by the owning Index; search may
// run concurrently with other searches.
type searcher interface {
	add(w *word)
	remove(id int)
	search(ctx context.Context, queries []models.Descriptor, k, checks int) ([][]models.DescriptorMatch, error)
	len() int
}

// knnList keeps the k smallest distances in ascending order.
type knnList struct {
	k     int
	items []models.DescriptorMatch
}

func newKNNList(k int) *knnList {
	return &knnList{k: k, items: make([]models.DescriptorMatch, 0, k)}
}

func (l *knnList) full() bool {
	return len(l.items) >= l.k
}

func (l *knnList) worst() int {
	return l.items[len(l.items)-1].Distance
}

// insert adds m unless the list is full with closer entries. Entries with the
// same TrainIdx are kept once at their smallest distance.
func (l *knnList) insert(m models.DescriptorMatch) {
	for i, it := range l.items {
		if it.TrainIdx == m.TrainIdx {
			if m.Distance >= it.Distance {
				return
			}
			l.items = append(l.items[:i], l.items[i+1:]...)
			break
		}
	}
	if l.k <= 0 || (l.full() && m.Distance >= l.worst()) {
		return
	}
	pos := len(l.items)
	for pos > 0 && (l.items[pos-1].Distance > m.Distance ||
		(l.items[pos-1].Distance == m.Distance && l.items[pos-1].TrainIdx > m.TrainIdx)) {
		pos--
	}
	if !l.full() {
		l.items = append(l.items, models.DescriptorMatch{})
	}
	copy(l.items[pos+1:], l.items[pos:len(l.items)-1])
	l.items[pos] = m
}

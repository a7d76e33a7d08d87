package index

import (
	"container/heap"
	"context"
	"math/rand/v2"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/lcdetect/internal/models"
)

type node struct {
	centers  []models.Descriptor
	children []*node
	words    []*word
}

func (n *node) leaf() bool {
	return n.children == nil
}

// tree is a hierarchical clustering of words. Leaves holding more than
// leafSize words are split around branching randomly chosen centres.
type tree struct {
	branching int
	leafSize  int
	rng       *rand.Rand
	root      *node
	leafOf    map[int]*node
}

func newTree(branching, leafSize int, seed uint64) *tree {
	return &tree{
		branching: branching,
		leafSize:  leafSize,
		rng:       rand.New(rand.NewPCG(seed, seed^0x5851f42d4c957f2d)),
		root:      &node{},
		leafOf:    make(map[int]*node),
	}
}

func nearest(centers []models.Descriptor, d models.Descriptor) int {
	best, bestDist := 0, -1
	for i, c := range centers {
		if dist := d.Hamming(c); bestDist < 0 || dist < bestDist {
			best, bestDist = i, dist
		}
	}
	return best
}

func (t *tree) add(w *word) {
	n := t.root
	for !n.leaf() {
		n = n.children[nearest(n.centers, w.desc)]
	}
	n.words = append(n.words, w)
	t.leafOf[w.id] = n
	if len(n.words) > t.leafSize {
		t.split(n)
	}
}

func (t *tree) split(n *node) {
	k := t.branching
	if k > len(n.words) {
		k = len(n.words)
	}
	centers := make([]models.Descriptor, k)
	for i, p := range t.rng.Perm(len(n.words))[:k] {
		centers[i] = n.words[p].desc.Clone()
	}
	children := make([]*node, k)
	for i := range children {
		children[i] = &node{}
	}
	for _, w := range n.words {
		c := children[nearest(centers, w.desc)]
		c.words = append(c.words, w)
	}
	// Identical descriptors cannot be separated; keep the leaf as is.
	for _, c := range children {
		if len(c.words) == len(n.words) {
			return
		}
	}
	for _, c := range children {
		for _, w := range c.words {
			t.leafOf[w.id] = c
		}
	}
	n.centers, n.children, n.words = centers, children, nil
}

func (t *tree) remove(id int) {
	n, ok := t.leafOf[id]
	if !ok {
		return
	}
	for i, w := range n.words {
		if w.id == id {
			last := len(n.words) - 1
			n.words[i] = n.words[last]
			n.words[last] = nil
			n.words = n.words[:last]
			break
		}
	}
	delete(t.leafOf, id)
}

type branch struct {
	node *node
	dist int
}

type branchQueue []branch

func (q branchQueue) Len() int            { return len(q) }
func (q branchQueue) Less(i, j int) bool  { return q[i].dist < q[j].dist }
func (q branchQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *branchQueue) Push(x interface{}) { *q = append(*q, x.(branch)) }
func (q *branchQueue) Pop() interface{} {
	old := *q
	b := old[len(old)-1]
	*q = old[:len(old)-1]
	return b
}

// searchOne runs a best-bin-first search that stops after visiting checks words.
func (t *tree) searchOne(qi int, q models.Descriptor, best *knnList, checks int) {
	pq := branchQueue{{node: t.root}}
	visited := 0
	for pq.Len() > 0 && visited < checks {
		b := heap.Pop(&pq).(branch)
		if best.full() && b.dist > best.worst() {
			continue
		}
		n := b.node
		for !n.leaf() {
			ci := 0
			dists := make([]int, len(n.centers))
			for i, c := range n.centers {
				dists[i] = q.Hamming(c)
				if dists[i] < dists[ci] {
					ci = i
				}
			}
			for i, child := range n.children {
				if i != ci {
					heap.Push(&pq, branch{node: child, dist: dists[i]})
				}
			}
			n = n.children[ci]
		}
		for _, w := range n.words {
			best.insert(models.DescriptorMatch{QueryIdx: qi, TrainIdx: w.id, Distance: q.Hamming(w.desc)})
		}
		visited += len(n.words)
	}
}

// forest searches several independently randomized trees in parallel and
// merges their candidates.
type forest struct {
	trees []*tree
	n     int
}

func newForest(trees, branching, leafSize int, seed uint64) *forest {
	if trees <= 0 {
		trees = 4
	}
	if branching < 2 {
		branching = 16
	}
	if leafSize <= 0 {
		leafSize = 150
	}
	f := &forest{trees: make([]*tree, trees)}
	for i := range f.trees {
		f.trees[i] = newTree(branching, leafSize, seed+uint64(i))
	}
	return f
}

func (f *forest) add(w *word) {
	for _, t := range f.trees {
		t.add(w)
	}
	f.n++
}

func (f *forest) remove(id int) {
	if _, ok := f.trees[0].leafOf[id]; !ok {
		return
	}
	for _, t := range f.trees {
		t.remove(id)
	}
	f.n--
}

func (f *forest) len() int {
	return f.n
}

func (f *forest) search(ctx context.Context, queries []models.Descriptor, k, checks int) ([][]models.DescriptorMatch, error) {
	if checks <= 0 {
		checks = 64
	}
	perTree := make([][]*knnList, len(f.trees))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for ti, t := range f.trees {
		g.Go(func() error {
			lists := make([]*knnList, len(queries))
			for qi, q := range queries {
				if qi%64 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}
				lists[qi] = newKNNList(k)
				t.searchOne(qi, q, lists[qi], checks)
			}
			perTree[ti] = lists
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([][]models.DescriptorMatch, len(queries))
	for qi := range queries {
		merged := newKNNList(k)
		for ti := range f.trees {
			for _, m := range perTree[ti][qi].items {
				merged.insert(m)
			}
		}
		out[qi] = merged.items
	}
	return out, nil
}

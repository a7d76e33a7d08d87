package benchmark

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/hyperjump/lcdetect/internal/bayes"
	"github.com/hyperjump/lcdetect/internal/config"
	"github.com/hyperjump/lcdetect/internal/detector"
	"github.com/hyperjump/lcdetect/internal/geometry"
	"github.com/hyperjump/lcdetect/internal/index"
	"github.com/hyperjump/lcdetect/internal/matching"
	"github.com/hyperjump/lcdetect/internal/models"
	"github.com/hyperjump/lcdetect/internal/session"
	"github.com/hyperjump/lcdetect/test/e2e"
)

func randomDescs(rng *rand.Rand, n int) []models.Descriptor {
	out := make([]models.Descriptor, n)
	for i := range out {
		d := make(models.Descriptor, 32)
		for j := range d {
			d[j] = byte(rng.UintN(256))
		}
		out[i] = d
	}
	return out
}

func BenchmarkFuse(b *testing.B) {
	raw := make([]models.ImageMatch, 200)
	var res []bayes.Result
	for i := range raw {
		raw[i] = models.ImageMatch{ImageID: uint32(i), Score: float64(i%17) / 17}
		res = append(res, bayes.Result{ImageID: uint32(i), Score: float64(200-i) / 200})
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = detector.Fuse(raw, detector.NormalizeBayesScores(res), 0.5)
	}
}

func BenchmarkHamming(b *testing.B) {
	rng := rand.New(rand.NewPCG(1, 1))
	d := randomDescs(rng, 2)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = d[0].Hamming(d[1])
	}
}

func benchmarkIndexSearch(b *testing.B, typ index.SearcherType) {
	rng := rand.New(rand.NewPCG(2, 2))
	idx, err := index.New(index.Options{Type: typ, Branching: 16, LeafSize: 150, Trees: 4})
	if err != nil {
		b.Fatal(err)
	}
	ctx := context.Background()
	kps := make([]models.Keypoint, 500)
	for id := uint32(1); id <= 20; id++ {
		if err := idx.AddImage(ctx, id, kps, randomDescs(rng, 500), nil); err != nil {
			b.Fatal(err)
		}
	}
	query := randomDescs(rng, 500)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = idx.SearchDescriptors(ctx, query, 2, 64)
	}
}

func BenchmarkIndexSearch_Flat(b *testing.B) { benchmarkIndexSearch(b, index.SearcherFlat) }
func BenchmarkIndexSearch_Tree(b *testing.B) { benchmarkIndexSearch(b, index.SearcherTree) }

func BenchmarkRatioMatchBF(b *testing.B) {
	rng := rand.New(rand.NewPCG(3, 3))
	q, t := randomDescs(rng, 500), randomDescs(rng, 500)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = matching.RatioMatchBF(q, t, 0.8)
	}
}

func BenchmarkRANSACVerify(b *testing.B) {
	tr := e2e.Generate(e2e.DefaultScenario())
	first := tr.Frames[0].Features
	revisit := tr.Frames[len(tr.Frames)-10].Features
	q := make([]models.Point2D, len(first.Keypoints))
	t := make([]models.Point2D, len(first.Keypoints))
	for i := range first.Keypoints {
		q[i] = revisit.Keypoints[i].Point()
		t[i] = first.Keypoints[i].Point()
	}
	v := geometry.NewRANSACVerifier(geometry.Options{Seed: 1})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = v.Verify(q, t)
	}
}

func BenchmarkSessionTrajectory(b *testing.B) {
	tr := e2e.Generate(e2e.DefaultScenario())
	cfg := config.Default()
	cfg.Storage.Type = "memory"
	cfg.Detector.Delay = 6
	cfg.Detector.MinScore = 0.2
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		sess, err := session.NewFromConfig(cfg, nil)
		if err != nil {
			b.Fatal(err)
		}
		for _, f := range tr.Frames {
			if _, err := sess.ProcessFeatures(ctx, f.Features); err != nil {
				b.Fatal(err)
			}
		}
		_ = sess.Close()
	}
}

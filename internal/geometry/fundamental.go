package geometry

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/hyperjump/lcdetect/internal/models"
)

// EstimateFundamental fits a rank-2 fundamental matrix F with
// train^T F query = 0 to at least MinPoints correspondences using the
// Hartley-normalized 8-point algorithm.
func EstimateFundamental(query, train []models.Point2D) (*mat.Dense, error) {
	n := len(query)
	if n < MinPoints || len(train) != n {
		return nil, ErrNotEnoughPoints
	}
	t1, ok := normalization(query)
	if !ok {
		return nil, ErrDegenerate
	}
	t2, ok := normalization(train)
	if !ok {
		return nil, ErrDegenerate
	}

	a := mat.NewDense(n, 9, nil)
	for i := range query {
		x1, y1 := apply(t1, query[i])
		x2, y2 := apply(t2, train[i])
		a.SetRow(i, []float64{x2 * x1, x2 * y1, x2, y2 * x1, y2 * y1, y2, x1, y1, 1})
	}

	var ata mat.Dense
	ata.Mul(a.T(), a)
	var svd mat.SVD
	if !svd.Factorize(&ata, mat.SVDFull) {
		return nil, ErrDegenerate
	}
	var v mat.Dense
	svd.VTo(&v)
	fn := mat.NewDense(3, 3, nil)
	for i := 0; i < 9; i++ {
		fn.Set(i/3, i%3, v.At(i, 8))
	}

	// Enforce rank 2.
	var fsvd mat.SVD
	if !fsvd.Factorize(fn, mat.SVDFull) {
		return nil, ErrDegenerate
	}
	var u, vt mat.Dense
	fsvd.UTo(&u)
	fsvd.VTo(&vt)
	s := fsvd.Values(nil)
	d := mat.NewDiagDense(3, []float64{s[0], s[1], 0})
	var rank2 mat.Dense
	rank2.Product(&u, d, vt.T())

	// Denormalize: F = T2^T * Fn * T1.
	var f mat.Dense
	f.Product(t2.T(), &rank2, t1)
	norm := mat.Norm(&f, 2)
	if norm == 0 || math.IsNaN(norm) {
		return nil, ErrDegenerate
	}
	f.Scale(1/norm, &f)
	return &f, nil
}

// normalization returns the similarity moving the centroid of pts to the
// origin with mean distance sqrt(2).
func normalization(pts []models.Point2D) (*mat.Dense, bool) {
	var cx, cy float64
	for _, p := range pts {
		cx += p.X
		cy += p.Y
	}
	cx /= float64(len(pts))
	cy /= float64(len(pts))
	var dist float64
	for _, p := range pts {
		dist += math.Hypot(p.X-cx, p.Y-cy)
	}
	dist /= float64(len(pts))
	if dist < 1e-12 {
		return nil, false
	}
	s := math.Sqrt2 / dist
	return mat.NewDense(3, 3, []float64{
		s, 0, -s * cx,
		0, s, -s * cy,
		0, 0, 1,
	}), true
}

func apply(t *mat.Dense, p models.Point2D) (float64, float64) {
	return t.At(0, 0)*p.X + t.At(0, 2), t.At(1, 1)*p.Y + t.At(1, 2)
}

package ncut

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"brainparcel/internal/models"
	"brainparcel/pkg/graph"
)

// deflationShift moves the trivial eigenpair of the normalized Laplacian
// above the rest of its spectrum, which lies in [0, 2].
const deflationShift = 3.0

// laplacian is the normalized Laplacian A = D^-1/2 (D-W) D^-1/2 of a graph,
// applied without forming it.
type laplacian struct {
	g       *graph.Graph
	isqrt   []float64 // D^-1/2 diagonal
	trivial []float64 // unit vector along D^1/2·1, the null vector of A
	scratch []float64
}

func newLaplacian(g *graph.Graph, deg []float64) (*laplacian, error) {
	n := g.Len()
	l := &laplacian{
		g:       g,
		isqrt:   make([]float64, n),
		trivial: make([]float64, n),
		scratch: make([]float64, n),
	}
	for i, d := range deg {
		if !(d > 0) || math.IsInf(d, 0) {
			return nil, fmt.Errorf("%w: node %d has degree %v", models.ErrNumericalFailure, i, d)
		}
		l.isqrt[i] = 1 / math.Sqrt(d)
		l.trivial[i] = math.Sqrt(d)
	}
	floats.Scale(1/floats.Norm(l.trivial, 2), l.trivial)
	return l, nil
}

// apply computes dst = A·x.
func (l *laplacian) apply(dst, x []float64) {
	floats.MulTo(l.scratch, l.isqrt, x)
	l.g.MulVec(dst, l.scratch)
	floats.Mul(dst, l.isqrt)
	floats.SubTo(dst, x, dst)
}

// deflate removes the trivial component from x.
func (l *laplacian) deflate(x []float64) {
	floats.AddScaled(x, -floats.Dot(x, l.trivial), l.trivial)
}

// dense forms A with the trivial pair shifted out of the way.
func (l *laplacian) dense() *mat.SymDense {
	n := l.g.Len()
	a := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		a.SetSym(i, i, 1)
		for _, e := range l.g.Neighbors(i) {
			if e.To < i {
				continue
			}
			v := -e.Weight * l.isqrt[i] * l.isqrt[e.To]
			if e.To == i {
				v += 1
			}
			a.SetSym(i, e.To, v)
		}
	}
	a.SymRankOne(a, deflationShift, mat.NewVecDense(n, l.trivial))
	return a
}

// denseFiedler solves the full eigenproblem and returns the eigenvector of
// the second-smallest eigenvalue of A.
func (l *laplacian) denseFiedler() ([]float64, float64, error) {
	var es mat.EigenSym
	if ok := es.Factorize(l.dense(), true); !ok {
		return nil, 0, fmt.Errorf("%w: symmetric eigendecomposition did not converge", models.ErrNumericalFailure)
	}
	vals := es.Values(nil)
	var vecs mat.Dense
	es.VectorsTo(&vecs)
	return mat.Col(nil, 0, &vecs), vals[0], nil
}

// lanczosFiedler approximates the same pair with a restarted Lanczos
// iteration, using full reorthogonalization against the Krylov basis and the
// trivial vector. Each restart begins from the best Ritz vector so far.
func (l *laplacian) lanczosFiedler(ctx context.Context, steps, restarts int, tol float64) ([]float64, float64, error) {
	n := l.g.Len()
	m := steps
	if m > n-1 {
		m = n - 1
	}

	rnd := rand.New(rand.NewSource(1))
	start := make([]float64, n)
	for i := range start {
		start[i] = rnd.Float64() - 0.5
	}
	l.deflate(start)

	w := make([]float64, n)
	ritz := make([]float64, n)
	resid := math.Inf(1)
	var theta float64

	for r := 0; r < restarts; r++ {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		norm := floats.Norm(start, 2)
		if norm == 0 {
			return nil, 0, fmt.Errorf("%w: Lanczos start vector vanished", models.ErrNumericalFailure)
		}
		q := append([]float64(nil), start...)
		floats.Scale(1/norm, q)

		basis := make([][]float64, 0, m)
		var alpha, beta []float64
		for j := 0; j < m; j++ {
			basis = append(basis, q)
			l.apply(w, q)
			a := floats.Dot(w, q)
			alpha = append(alpha, a)
			floats.AddScaled(w, -a, q)
			if j > 0 {
				floats.AddScaled(w, -beta[j-1], basis[j-1])
			}
			for _, v := range basis {
				floats.AddScaled(w, -floats.Dot(w, v), v)
			}
			l.deflate(w)

			b := floats.Norm(w, 2)
			if b < 1e-12 || j == m-1 {
				break
			}
			beta = append(beta, b)
			q = make([]float64, n)
			floats.ScaleTo(q, 1/b, w)
		}

		k := len(basis)
		t := mat.NewSymDense(k, nil)
		for i := 0; i < k; i++ {
			t.SetSym(i, i, alpha[i])
			if i+1 < k {
				t.SetSym(i, i+1, beta[i])
			}
		}
		var es mat.EigenSym
		if ok := es.Factorize(t, true); !ok {
			return nil, 0, fmt.Errorf("%w: tridiagonal eigendecomposition did not converge", models.ErrNumericalFailure)
		}
		theta = es.Values(nil)[0]
		var s mat.Dense
		es.VectorsTo(&s)

		for i := range ritz {
			ritz[i] = 0
		}
		for i, v := range basis {
			floats.AddScaled(ritz, s.At(i, 0), v)
		}
		l.deflate(ritz)
		floats.Scale(1/floats.Norm(ritz, 2), ritz)

		l.apply(w, ritz)
		floats.AddScaled(w, -theta, ritz)
		resid = floats.Norm(w, 2)
		if resid <= tol {
			return append([]float64(nil), ritz...), theta, nil
		}
		copy(start, ritz)
	}
	return nil, 0, fmt.Errorf("%w: Lanczos residual %.3g above tolerance %.3g after %d restarts",
		models.ErrNumericalFailure, resid, tol, restarts)
}

// fiedler returns the generalized eigenvector y = D^-1/2 z, where z is the
// eigenvector of the second-smallest eigenvalue of A.
func (p *Partitioner) fiedler(ctx context.Context, g *graph.Graph, deg []float64) ([]float64, error) {
	l, err := newLaplacian(g, deg)
	if err != nil {
		return nil, err
	}
	var z []float64
	if g.Len() <= p.opts.DenseLimit {
		z, _, err = l.denseFiedler()
	} else {
		z, _, err = l.lanczosFiedler(ctx, p.opts.LanczosSteps, p.opts.LanczosRestarts, p.opts.Tolerance)
	}
	if err != nil {
		return nil, err
	}
	for _, v := range z {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: eigenvector has non-finite entries", models.ErrNumericalFailure)
		}
	}
	floats.Mul(z, l.isqrt)
	return z, nil
}

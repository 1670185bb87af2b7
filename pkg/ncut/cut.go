package ncut

import (
	"context"
	"errors"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"

	"brainparcel/pkg/graph"
	"brainparcel/pkg/metrics"
)

// maxEigenPairs caps the number of eigenpairs requested from an iterative
// solver; the count recorded in failure logs is min(maxEigenPairs, N-2).
const maxEigenPairs = 100

// Cut is the outcome of one two-way normalized cut attempt.
type Cut struct {
	// OK is false when the subgraph is terminal: too small, numerically
	// unsolvable, or without any finite-cost split.
	OK bool

	// Cost is the normalized-cut value of the chosen split, +Inf when none.
	Cost float64

	// A and B are the induced halves. A holds the node with the smallest
	// root id.
	A, B *graph.Graph

	// Reason explains a terminal result, one of the metrics.Reason* values.
	Reason string
}

// TwoCut bisects g along its Fiedler vector. g is expected to carry its self
// loops already; the partition drivers add them once to the root graph.
//
// Numerical failures are logged and reported as a terminal Cut. The only
// error returned is the context's.
func (p *Partitioner) TwoCut(ctx context.Context, g *graph.Graph) (Cut, error) {
	if err := ctx.Err(); err != nil {
		return Cut{}, err
	}
	n := g.Len()
	if n <= 2 {
		return Cut{Cost: math.Inf(1), Reason: metrics.ReasonTooSmall}, nil
	}

	deg := g.Degrees()
	y, err := p.fiedler(ctx, g, deg)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return Cut{}, err
		}
		p.metrics.NumericalFailure()
		p.logger.Warn("eigen solve failed, keeping subgraph whole",
			zap.Int("nodes", n),
			zap.Int("requested_eigenpairs", requestedPairs(n)),
			zap.Bool("dense", n <= p.opts.DenseLimit),
			zap.Error(err))
		return Cut{Cost: math.Inf(1), Reason: metrics.ReasonNumerical}, nil
	}

	mask, cost := minNcut(y, g, deg, p.opts.NumCuts)
	if math.IsInf(cost, 1) {
		return Cut{Cost: cost, Reason: metrics.ReasonNoCut}, nil
	}

	var in, out []int
	for i, m := range mask {
		if m {
			in = append(in, i)
		} else {
			out = append(out, i)
		}
	}
	a, b := g.Induced(in), g.Induced(out)
	if minID(b) < minID(a) {
		a, b = b, a
	}
	return Cut{OK: true, Cost: cost, A: a, B: b}, nil
}

func requestedPairs(n int) int {
	k := n - 2
	if k > maxEigenPairs {
		k = maxEigenPairs
	}
	return k
}

func minID(g *graph.Graph) int {
	m := math.MaxInt
	for _, id := range g.IDs() {
		if id < m {
			m = id
		}
	}
	return m
}

// minNcut tries numCuts evenly spaced thresholds over [min(y), max(y)) and
// returns the split y > t with the lowest normalized-cut cost. A constant
// vector yields no split and an infinite cost.
func minNcut(y []float64, g *graph.Graph, deg []float64, numCuts int) ([]bool, float64) {
	best := math.Inf(1)
	bestMask := make([]bool, len(y))
	lo, hi := floats.Min(y), floats.Max(y)
	if allClose(lo, hi) {
		return bestMask, best
	}

	step := (hi - lo) / float64(numCuts)
	mask := make([]bool, len(y))
	for k := 0; k < numCuts; k++ {
		t := lo + float64(k)*step
		for i, v := range y {
			mask[i] = v > t
		}
		if c := ncutCost(mask, g, deg); c < best {
			best = c
			copy(bestMask, mask)
		}
	}
	return bestMask, best
}

// ncutCost is cut(A,B)/assoc(A,V) + cut(A,B)/assoc(B,V), each undirected
// edge counted once.
func ncutCost(mask []bool, g *graph.Graph, deg []float64) float64 {
	var cut, assocA, assocB float64
	for i := range mask {
		if mask[i] {
			assocA += deg[i]
		} else {
			assocB += deg[i]
		}
		for _, e := range g.Neighbors(i) {
			if e.To > i && mask[i] != mask[e.To] {
				cut += e.Weight
			}
		}
	}
	if assocA == 0 || assocB == 0 {
		return math.Inf(1)
	}
	return cut/assocA + cut/assocB
}

// allClose matches numpy.allclose for scalars.
func allClose(a, b float64) bool {
	return math.Abs(a-b) <= 1e-8+1e-5*math.Abs(b)
}

// Package graph provides the sparse weighted undirected graph that the
// normalized-cut partitioner operates on.
//
// A Graph keeps, for every node, a list of edges sorted by target. Self loops
// are stored as an edge from a node to itself. Every graph also remembers the
// root node id of each of its nodes, so subgraphs produced by a cut can be
// mapped back onto the voxel set the root graph was built from.
package graph

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"brainparcel/internal/models"
)

// SymmetryTolerance is the largest allowed |w_ij - w_ji|.
const SymmetryTolerance = 1e-9

// Edge is one weighted adjacency entry.
type Edge struct {
	To     int
	Weight float64
}

// Graph is a symmetric sparse weight matrix W over nodes 0..Len()-1.
type Graph struct {
	adj [][]Edge
	ids []int
}

// New creates an edgeless graph of n nodes whose root ids are 0..n-1.
func New(n int) *Graph {
	g := &Graph{
		adj: make([][]Edge, n),
		ids: make([]int, n),
	}
	for i := range g.ids {
		g.ids[i] = i
	}
	return g
}

// FromTriplets builds an n×n graph from COO triplets. Duplicate (row, col)
// pairs are summed. Weights must be positive and finite, and the resulting
// matrix must be symmetric.
func FromTriplets(n int, rows, cols []int, weights []float64) (*Graph, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative node count %d", models.ErrInvalidGraph, n)
	}
	if len(rows) != len(cols) || len(rows) != len(weights) {
		return nil, fmt.Errorf("%w: triplet lengths differ (rows=%d cols=%d weights=%d)",
			models.ErrInvalidGraph, len(rows), len(cols), len(weights))
	}

	g := New(n)
	for k := range rows {
		r, c, w := rows[k], cols[k], weights[k]
		if r < 0 || r >= n || c < 0 || c >= n {
			return nil, fmt.Errorf("%w: entry (%d,%d) outside %dx%d matrix", models.ErrInvalidGraph, r, c, n, n)
		}
		if w <= 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, fmt.Errorf("%w: entry (%d,%d) has weight %v", models.ErrInvalidGraph, r, c, w)
		}
		g.addDirected(r, c, w)
	}

	if err := g.checkSymmetric(); err != nil {
		return nil, err
	}
	return g, nil
}

// FromDense builds a graph from the non-zero entries of a symmetric matrix.
func FromDense(w mat.Symmetric) (*Graph, error) {
	n := w.SymmetricDim()
	g := New(n)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := w.At(i, j)
			if v == 0 {
				continue
			}
			if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: entry (%d,%d) has weight %v", models.ErrInvalidGraph, i, j, v)
			}
			g.AddEdge(i, j, v)
		}
	}
	return g, nil
}

func (g *Graph) checkSymmetric() error {
	for i, edges := range g.adj {
		for _, e := range edges {
			back, ok := g.find(e.To, i)
			if !ok {
				return fmt.Errorf("%w: entry (%d,%d) has no transpose", models.ErrInvalidGraph, i, e.To)
			}
			if math.Abs(back-e.Weight) > SymmetryTolerance {
				return fmt.Errorf("%w: w[%d,%d]=%v but w[%d,%d]=%v",
					models.ErrInvalidGraph, i, e.To, e.Weight, e.To, i, back)
			}
		}
	}
	return nil
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.adj) }

// IDs returns the root id of every node. The slice must not be modified.
func (g *Graph) IDs() []int { return g.ids }

// ID returns the root id of node i.
func (g *Graph) ID(i int) int { return g.ids[i] }

// Neighbors returns node i's edges sorted by target, including any self loop.
// The slice must not be modified.
func (g *Graph) Neighbors(i int) []Edge { return g.adj[i] }

// NumEdges counts undirected edges, self loops included.
func (g *Graph) NumEdges() int {
	n := 0
	for i, edges := range g.adj {
		for _, e := range edges {
			if e.To >= i {
				n++
			}
		}
	}
	return n
}

// Weight returns w_ij, zero when there is no edge.
func (g *Graph) Weight(i, j int) float64 {
	w, _ := g.find(i, j)
	return w
}

// SelfLoop returns w_ii.
func (g *Graph) SelfLoop(i int) float64 { return g.Weight(i, i) }

func (g *Graph) find(i, j int) (float64, bool) {
	edges := g.adj[i]
	k := sort.Search(len(edges), func(k int) bool { return edges[k].To >= j })
	if k < len(edges) && edges[k].To == j {
		return edges[k].Weight, true
	}
	return 0, false
}

func (g *Graph) addDirected(i, j int, w float64) {
	edges := g.adj[i]
	k := sort.Search(len(edges), func(k int) bool { return edges[k].To >= j })
	if k < len(edges) && edges[k].To == j {
		edges[k].Weight += w
		return
	}
	edges = append(edges, Edge{})
	copy(edges[k+1:], edges[k:])
	edges[k] = Edge{To: j, Weight: w}
	g.adj[i] = edges
}

func (g *Graph) setDirected(i, j int, w float64) {
	edges := g.adj[i]
	k := sort.Search(len(edges), func(k int) bool { return edges[k].To >= j })
	if k < len(edges) && edges[k].To == j {
		edges[k].Weight = w
		return
	}
	g.addDirected(i, j, w)
}

// AddEdge adds w to the undirected edge {i, j}, creating it if needed.
func (g *Graph) AddEdge(i, j int, w float64) {
	g.addDirected(i, j, w)
	if i != j {
		g.addDirected(j, i, w)
	}
}

// SetEdge replaces the weight of the undirected edge {i, j}.
func (g *Graph) SetEdge(i, j int, w float64) {
	g.setDirected(i, j, w)
	if i != j {
		g.setDirected(j, i, w)
	}
}

// Degrees returns the row sums of W.
func (g *Graph) Degrees() []float64 {
	d := make([]float64, len(g.adj))
	for i, edges := range g.adj {
		for _, e := range edges {
			d[i] += e.Weight
		}
	}
	return d
}

// DegreeAndWeight returns the diagonal degree matrix D and a dense copy of W.
func (g *Graph) DegreeAndWeight() (*mat.DiagDense, *mat.SymDense) {
	n := len(g.adj)
	if n == 0 {
		return &mat.DiagDense{}, &mat.SymDense{}
	}
	w := mat.NewSymDense(n, nil)
	for i, edges := range g.adj {
		for _, e := range edges {
			if e.To >= i {
				w.SetSym(i, e.To, e.Weight)
			}
		}
	}
	return mat.NewDiagDense(n, g.Degrees()), w
}

// MulVec computes dst = W·x.
func (g *Graph) MulVec(dst, x []float64) {
	for i, edges := range g.adj {
		var s float64
		for _, e := range edges {
			s += e.Weight * x[e.To]
		}
		dst[i] = s
	}
}

// Clone returns a deep copy.
func (g *Graph) Clone() *Graph {
	c := &Graph{
		adj: make([][]Edge, len(g.adj)),
		ids: append([]int(nil), g.ids...),
	}
	for i, edges := range g.adj {
		c.adj[i] = append([]Edge(nil), edges...)
	}
	return c
}

// WithSelfLoops returns a copy of g in which value has been added to every
// node's self edge. Applying it twice adds the value twice.
func (g *Graph) WithSelfLoops(value float64) *Graph {
	c := g.Clone()
	for i := range c.adj {
		c.addDirected(i, i, value)
	}
	return c
}

// Induced returns the subgraph on the given local nodes, in the given order.
// Edges leaving the node set are dropped and root ids are preserved.
func (g *Graph) Induced(nodes []int) *Graph {
	local := make(map[int]int, len(nodes))
	for k, n := range nodes {
		local[n] = k
	}
	sub := &Graph{
		adj: make([][]Edge, len(nodes)),
		ids: make([]int, len(nodes)),
	}
	for k, n := range nodes {
		sub.ids[k] = g.ids[n]
		for _, e := range g.adj[n] {
			if to, ok := local[e.To]; ok {
				sub.adj[k] = append(sub.adj[k], Edge{To: to, Weight: e.Weight})
			}
		}
		sort.Slice(sub.adj[k], func(a, b int) bool { return sub.adj[k][a].To < sub.adj[k][b].To })
	}
	return sub
}

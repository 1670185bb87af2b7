package neighbor

import (
	"fmt"
	"math"

	"brainparcel/internal/models"
	"brainparcel/pkg/graph"
)

// minWeight keeps very dissimilar neighbours connected; affinities are strictly positive.
const minWeight = 1e-300

// Builder turns a VoxelSet into an Adjacency.
type Builder struct {
	Connectivity Connectivity

	// Spacing scales offsets into physical units. Zero means index units.
	Spacing [3]float64

	// Intensity, when set, holds one value per flattened image index. The
	// absolute intensity difference divided by IntensityScale is added to the
	// distance before weighting.
	Intensity      []float64
	IntensityScale float64
}

// Adjacency lists, per node, its in-set neighbours with offset distances and
// affinity weights.
type Adjacency struct {
	Neighbors [][]int
	Distances [][]float64
	Weights   [][]float64
}

// Build computes the adjacency of every voxel in set.
func (b Builder) Build(set *VoxelSet) (*Adjacency, error) {
	offsets, err := b.Connectivity.Offsets()
	if err != nil {
		return nil, err
	}
	dims := set.Dims()
	if b.Connectivity.Dim == 2 && dims[2] != 1 {
		return nil, fmt.Errorf("%w: 2D connectivity on an image of depth %d", models.ErrInvalidConfiguration, dims[2])
	}
	if b.Intensity != nil {
		if len(b.Intensity) != dims[0]*dims[1]*dims[2] {
			return nil, fmt.Errorf("%w: %d intensities for a %v image", models.ErrInvalidConfiguration, len(b.Intensity), dims)
		}
		if b.IntensityScale <= 0 {
			return nil, fmt.Errorf("%w: intensity scale must be positive, got %v", models.ErrInvalidConfiguration, b.IntensityScale)
		}
	}

	dist := make([]float64, len(offsets))
	for k, o := range offsets {
		dist[k] = b.offsetLength(o)
	}

	n := set.Len()
	adj := &Adjacency{
		Neighbors: make([][]int, n),
		Distances: make([][]float64, n),
		Weights:   make([][]float64, n),
	}
	for i := 0; i < n; i++ {
		c := set.Coord(i)
		for k, o := range offsets {
			x, y, z := c.X+o[0], c.Y+o[1], c.Z+o[2]
			if x < 0 || y < 0 || z < 0 || x >= dims[0] || y >= dims[1] || z >= dims[2] {
				continue
			}
			j, ok := set.Index(z*dims[0]*dims[1] + y*dims[0] + x)
			if !ok {
				continue
			}
			cost := dist[k]
			if b.Intensity != nil {
				cost += math.Abs(b.Intensity[set.Flat(i)]-b.Intensity[set.Flat(j)]) / b.IntensityScale
			}
			adj.Neighbors[i] = append(adj.Neighbors[i], j)
			adj.Distances[i] = append(adj.Distances[i], dist[k])
			adj.Weights[i] = append(adj.Weights[i], math.Max(math.Exp(-cost), minWeight))
		}
	}
	return adj, nil
}

func (b Builder) offsetLength(o Offset) float64 {
	if b.Spacing == ([3]float64{}) {
		return o.Norm()
	}
	var sq float64
	for a := 0; a < 3; a++ {
		d := float64(o[a]) * b.Spacing[a]
		sq += d * d
	}
	return math.Sqrt(sq)
}

// Len returns the number of nodes.
func (a *Adjacency) Len() int { return len(a.Neighbors) }

// Triplets flattens the adjacency into COO (row, col, weight) form.
func (a *Adjacency) Triplets() (rows, cols []int, weights []float64) {
	for i, nbrs := range a.Neighbors {
		for k, j := range nbrs {
			rows = append(rows, i)
			cols = append(cols, j)
			weights = append(weights, a.Weights[i][k])
		}
	}
	return rows, cols, weights
}

// Graph builds the N×N affinity graph.
func (a *Adjacency) Graph() (*graph.Graph, error) {
	rows, cols, weights := a.Triplets()
	return graph.FromTriplets(a.Len(), rows, cols, weights)
}

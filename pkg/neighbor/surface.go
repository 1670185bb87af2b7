package neighbor

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/kdtree"

	"brainparcel/internal/models"
)

// Point3D is a vertex position in physical space. ID is the vertex index and
// does not take part in comparisons.
type Point3D struct {
	X, Y, Z float64
	ID      int
}

// Compare implements the kdtree.Comparable interface
func (p Point3D) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(Point3D)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	case 2:
		return p.Z - q.Z
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the KD-tree
func (p Point3D) Dims() int { return 3 }

// Distance returns the squared Euclidean distance between two points
func (p Point3D) Distance(c kdtree.Comparable) float64 {
	q := c.(Point3D)
	dx := p.X - q.X
	dy := p.Y - q.Y
	dz := p.Z - q.Z
	return dx*dx + dy*dy + dz*dz
}

// Points3D is a collection of Point3D that satisfies kdtree.Interface
type Points3D []Point3D

func (p Points3D) Index(i int) kdtree.Comparable         { return p[i] }
func (p Points3D) Len() int                              { return len(p) }
func (p Points3D) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p Points3D) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(pointPlane{Points3D: p, Dim: d}, kdtree.MedianOfRandoms(pointPlane{Points3D: p, Dim: d}, 100))
}

// pointPlane implements sort.Interface and kdtree.SortSlicer for Points3D
type pointPlane struct {
	Points3D
	kdtree.Dim
}

func (p pointPlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.Points3D[i].X < p.Points3D[j].X
	case 1:
		return p.Points3D[i].Y < p.Points3D[j].Y
	case 2:
		return p.Points3D[i].Z < p.Points3D[j].Z
	default:
		panic("illegal dimension")
	}
}

func (p pointPlane) Slice(start, end int) kdtree.SortSlicer {
	return pointPlane{Points3D: p.Points3D[start:end], Dim: p.Dim}
}

func (p pointPlane) Swap(i, j int) {
	p.Points3D[i], p.Points3D[j] = p.Points3D[j], p.Points3D[i]
}

// RadiusGraph links every vertex to all other vertices within radius, for
// unstructured vertex sets such as surface meshes. Node i is vertices[i];
// the ID fields are overwritten with positions.
func RadiusGraph(vertices []Point3D, radius float64) (*Adjacency, error) {
	if radius <= 0 || math.IsNaN(radius) || math.IsInf(radius, 0) {
		return nil, fmt.Errorf("%w: search radius must be positive, got %v", models.ErrInvalidConfiguration, radius)
	}
	n := len(vertices)
	adj := &Adjacency{
		Neighbors: make([][]int, n),
		Distances: make([][]float64, n),
		Weights:   make([][]float64, n),
	}
	if n == 0 {
		return adj, nil
	}

	pts := make(Points3D, n)
	for i, v := range vertices {
		v.ID = i
		pts[i] = v
	}
	query := append(Points3D(nil), pts...)
	tree := kdtree.New(pts, false)

	for i, q := range query {
		keeper := kdtree.NewDistKeeper(radius * radius)
		tree.NearestSet(keeper, q)

		var found []Point3D
		for _, item := range keeper.Heap {
			if item.Comparable == nil {
				continue
			}
			p := item.Comparable.(Point3D)
			if p.ID == i {
				continue
			}
			found = append(found, p)
		}
		sort.Slice(found, func(a, b int) bool { return found[a].ID < found[b].ID })

		for _, p := range found {
			d := math.Sqrt(q.Distance(p))
			adj.Neighbors[i] = append(adj.Neighbors[i], p.ID)
			adj.Distances[i] = append(adj.Distances[i], d)
			adj.Weights[i] = append(adj.Weights[i], math.Max(math.Exp(-d), minWeight))
		}
	}
	return adj, nil
}

// VoxelPoints places the voxels of set at their physical centres. Node i of
// the result is voxel i of set.
func VoxelPoints(set *VoxelSet, spacing [3]float64) []Point3D {
	for i := range spacing {
		if spacing[i] <= 0 {
			spacing[i] = 1
		}
	}
	pts := make([]Point3D, set.Len())
	for i, c := range set.Coords() {
		pts[i] = Point3D{
			X:  float64(c.X) * spacing[0],
			Y:  float64(c.Y) * spacing[1],
			Z:  float64(c.Z) * spacing[2],
			ID: i,
		}
	}
	return pts
}

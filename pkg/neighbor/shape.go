// Package neighbor builds spatial-neighbourhood adjacency over voxel sets.
//
// A Connectivity describes which relative positions count as neighbours. Its
// Offsets are turned into an Adjacency by a Builder: every in-mask voxel is
// linked to the in-mask voxels at each offset, with a weight that decays with
// the offset length.
package neighbor

import (
	"fmt"
	"math"
	"strings"

	"brainparcel/internal/models"
)

// Shape selects how neighbour offsets are generated.
type Shape int

const (
	// FastCube uses a precomputed lattice stencil (4/6/8 in 2D, 6/18/26 in 3D).
	FastCube Shape = iota
	// Sphere uses every integer offset within a Euclidean radius.
	Sphere
	// Cube uses every offset within ±Size along each axis.
	Cube
)

func (s Shape) String() string {
	switch s {
	case FastCube:
		return "fast_cube"
	case Sphere:
		return "sphere"
	case Cube:
		return "cube"
	default:
		return fmt.Sprintf("Shape(%d)", int(s))
	}
}

// ParseShape maps a shape name to a Shape.
func ParseShape(name string) (Shape, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "fast_cube", "fastcube":
		return FastCube, nil
	case "sphere":
		return Sphere, nil
	case "cube":
		return Cube, nil
	}
	return 0, fmt.Errorf("%w: unsupported neighbour shape %q", models.ErrInvalidConfiguration, name)
}

// Offset is a coordinate delta (dx, dy, dz).
type Offset [3]int

// Norm returns the Euclidean length of the offset.
func (o Offset) Norm() float64 {
	return math.Sqrt(float64(o[0]*o[0] + o[1]*o[1] + o[2]*o[2]))
}

// Connectivity describes a neighbourhood.
//
// Size is the stencil size for FastCube and the half width for Cube. Radius is
// used by Sphere only.
type Connectivity struct {
	Shape  Shape
	Dim    int
	Size   int
	Radius float64
}

// Default3D is the 26-connected cube.
func Default3D() Connectivity {
	return Connectivity{Shape: FastCube, Dim: 3, Size: 26}
}

// Offsets generates the offset set. The origin is never included.
func (c Connectivity) Offsets() ([]Offset, error) {
	if c.Dim != 2 && c.Dim != 3 {
		return nil, fmt.Errorf("%w: dimensionality must be 2 or 3, got %d", models.ErrInvalidConfiguration, c.Dim)
	}
	switch c.Shape {
	case FastCube:
		return fastCubeOffsets(c.Dim, c.Size)
	case Sphere:
		if c.Radius <= 0 || math.IsNaN(c.Radius) || math.IsInf(c.Radius, 0) {
			return nil, fmt.Errorf("%w: sphere radius must be positive, got %v", models.ErrInvalidConfiguration, c.Radius)
		}
		reach := int(math.Floor(c.Radius))
		return boxOffsets(c.Dim, reach, func(o Offset) bool { return o.Norm() <= c.Radius }), nil
	case Cube:
		if c.Size < 1 {
			return nil, fmt.Errorf("%w: cube half width must be at least 1, got %d", models.ErrInvalidConfiguration, c.Size)
		}
		return boxOffsets(c.Dim, c.Size, func(Offset) bool { return true }), nil
	}
	return nil, fmt.Errorf("%w: unsupported neighbour shape %v", models.ErrInvalidConfiguration, c.Shape)
}

// fastCubeOffsets returns the lattice stencils. Squared offset length picks
// faces (1), edges (2) and corners (3) of the unit cube.
func fastCubeOffsets(dim, size int) ([]Offset, error) {
	var maxSq int
	hex := false
	switch {
	case dim == 2 && size == 4, dim == 3 && size == 6:
		maxSq = 1
	case dim == 2 && size == 6:
		maxSq, hex = 1, true
	case dim == 2 && size == 8, dim == 3 && size == 18:
		maxSq = 2
	case dim == 3 && size == 26:
		maxSq = 3
	default:
		return nil, fmt.Errorf("%w: fast_cube size %d not supported in %dD (want %s)",
			models.ErrInvalidConfiguration, size, dim, supportedSizes(dim))
	}
	return boxOffsets(dim, 1, func(o Offset) bool {
		sq := o[0]*o[0] + o[1]*o[1] + o[2]*o[2]
		if hex && sq == 2 {
			// hexagonal lattice keeps one diagonal pair
			return o[0] == o[1]
		}
		return sq <= maxSq
	}), nil
}

func supportedSizes(dim int) string {
	if dim == 2 {
		return "4, 6 or 8"
	}
	return "6, 18 or 26"
}

// boxOffsets enumerates [-reach, reach]^dim in z, y, x order, skipping the
// origin and anything keep rejects.
func boxOffsets(dim, reach int, keep func(Offset) bool) []Offset {
	zReach := reach
	if dim == 2 {
		zReach = 0
	}
	var out []Offset
	for dz := -zReach; dz <= zReach; dz++ {
		for dy := -reach; dy <= reach; dy++ {
			for dx := -reach; dx <= reach; dx++ {
				o := Offset{dx, dy, dz}
				if o == (Offset{}) || !keep(o) {
					continue
				}
				out = append(out, o)
			}
		}
	}
	return out
}

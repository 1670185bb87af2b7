package neighbor

import (
	"fmt"

	"brainparcel/internal/models"
)

// VoxelSet is an ordered, duplicate-free set of coordinates inside an image of
// the given dimensions. Node id i is the i-th coordinate; Flat(i) is its
// row-major image index.
type VoxelSet struct {
	dims   [3]int
	coords []models.Coord
	flat   []int
	index  map[int]int
}

// NewVoxelSet builds a set from coordinates, keeping the first occurrence of
// each. Coordinates outside dims are rejected.
func NewVoxelSet(dims [3]int, coords []models.Coord) (*VoxelSet, error) {
	if dims[0] <= 0 || dims[1] <= 0 || dims[2] <= 0 {
		return nil, fmt.Errorf("%w: image dimensions %v", models.ErrInvalidConfiguration, dims)
	}
	s := &VoxelSet{
		dims:  dims,
		index: make(map[int]int, len(coords)),
	}
	for _, c := range coords {
		if c.X < 0 || c.Y < 0 || c.Z < 0 || c.X >= dims[0] || c.Y >= dims[1] || c.Z >= dims[2] {
			return nil, fmt.Errorf("%w: coordinate %v outside image %v", models.ErrInvalidConfiguration, c, dims)
		}
		f := s.flatten(c)
		if _, dup := s.index[f]; dup {
			continue
		}
		s.index[f] = len(s.coords)
		s.coords = append(s.coords, c)
		s.flat = append(s.flat, f)
	}
	return s, nil
}

// VoxelSetFromMask collects every voxel of v that passes the intensity
// threshold, in flattened order. A zero threshold uses a strict comparison
// (value > 0); any other threshold includes equality.
func VoxelSetFromMask(v *models.Volume, threshold float64) (*VoxelSet, error) {
	if err := v.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidConfiguration, err)
	}
	var coords []models.Coord
	for idx, val := range v.Data {
		if InMask(val, threshold) {
			coords = append(coords, v.Coord(idx))
		}
	}
	return NewVoxelSet(v.Dims(), coords)
}

// InMask applies the mask threshold rule.
func InMask(value, threshold float64) bool {
	if threshold == 0 {
		return value > threshold
	}
	return value >= threshold
}

func (s *VoxelSet) flatten(c models.Coord) int {
	return c.Z*s.dims[0]*s.dims[1] + c.Y*s.dims[0] + c.X
}

// Len returns the number of voxels.
func (s *VoxelSet) Len() int { return len(s.coords) }

// Dims returns the image dimensions.
func (s *VoxelSet) Dims() [3]int { return s.dims }

// Coord returns the coordinate of node i.
func (s *VoxelSet) Coord(i int) models.Coord { return s.coords[i] }

// Coords returns all coordinates in node order. The slice must not be modified.
func (s *VoxelSet) Coords() []models.Coord { return s.coords }

// Flat returns the flattened image index of node i.
func (s *VoxelSet) Flat(i int) int { return s.flat[i] }

// Index returns the node id for a flattened image index.
func (s *VoxelSet) Index(flat int) (int, bool) {
	i, ok := s.index[flat]
	return i, ok
}

// Lookup returns the node id for a coordinate.
func (s *VoxelSet) Lookup(c models.Coord) (int, bool) {
	if c.X < 0 || c.Y < 0 || c.Z < 0 || c.X >= s.dims[0] || c.Y >= s.dims[1] || c.Z >= s.dims[2] {
		return 0, false
	}
	return s.Index(s.flatten(c))
}

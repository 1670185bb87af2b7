package models

import "fmt"

// Coord is an integer voxel position in image index space.
type Coord struct {
	X, Y, Z int
}

// Volume represents a scalar 3D (or 2D, Depth == 1) image
type Volume struct {
	// Data is the volume data as a 1D array in row-major order (x fastest)
	Data []float64

	// Width is the width of the volume in voxels
	Width int

	// Height is the height of the volume in voxels
	Height int

	// Depth is the depth of the volume in voxels
	Depth int

	// VoxelSize is the physical size of each voxel in mm
	VoxelSize struct {
		X, Y, Z float64
	}
}

// NewVolume allocates a zero-filled volume with unit voxel size
func NewVolume(width, height, depth int) *Volume {
	v := &Volume{
		Data:   make([]float64, width*height*depth),
		Width:  width,
		Height: height,
		Depth:  depth,
	}
	v.VoxelSize.X, v.VoxelSize.Y, v.VoxelSize.Z = 1, 1, 1
	return v
}

// Len returns the number of voxels
func (v *Volume) Len() int { return v.Width * v.Height * v.Depth }

// Index flattens a coordinate
func (v *Volume) Index(x, y, z int) int {
	return z*v.Width*v.Height + y*v.Width + x
}

// Coord unflattens an index
func (v *Volume) Coord(idx int) Coord {
	plane := v.Width * v.Height
	return Coord{X: idx % v.Width, Y: (idx % plane) / v.Width, Z: idx / plane}
}

// Dims returns (width, height, depth)
func (v *Volume) Dims() [3]int { return [3]int{v.Width, v.Height, v.Depth} }

// Spacing returns the voxel size as an array
func (v *Volume) Spacing() [3]float64 {
	return [3]float64{v.VoxelSize.X, v.VoxelSize.Y, v.VoxelSize.Z}
}

// Validate checks that the data length matches the dimensions
func (v *Volume) Validate() error {
	if v.Width <= 0 || v.Height <= 0 || v.Depth <= 0 {
		return fmt.Errorf("invalid volume dimensions %dx%dx%d", v.Width, v.Height, v.Depth)
	}
	if len(v.Data) != v.Len() {
		return fmt.Errorf("volume data length %d does not match dimensions %dx%dx%d",
			len(v.Data), v.Width, v.Height, v.Depth)
	}
	return nil
}

// Segmentation is an integer label array the same shape as its source volume.
// Label 0 is background; regions are numbered 1..K.
type Segmentation struct {
	Labels []int32

	Width, Height, Depth int

	VoxelSize struct {
		X, Y, Z float64
	}
}

// NewSegmentation allocates an all-background segmentation shaped like v
func NewSegmentation(v *Volume) *Segmentation {
	s := &Segmentation{
		Labels: make([]int32, v.Len()),
		Width:  v.Width,
		Height: v.Height,
		Depth:  v.Depth,
	}
	s.VoxelSize = v.VoxelSize
	return s
}

// NumRegions returns the largest label present
func (s *Segmentation) NumRegions() int {
	var max int32
	for _, l := range s.Labels {
		if l > max {
			max = l
		}
	}
	return int(max)
}

// RegionSizes returns voxel counts indexed by label (index 0 is background)
func (s *Segmentation) RegionSizes() []int {
	sizes := make([]int, s.NumRegions()+1)
	for _, l := range s.Labels {
		if l >= 0 {
			sizes[l]++
		}
	}
	return sizes
}

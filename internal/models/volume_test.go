package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexAndCoordAreInverse(t *testing.T) {
	v := NewVolume(4, 3, 2)
	for idx := 0; idx < v.Len(); idx++ {
		c := v.Coord(idx)
		assert.Equal(t, idx, v.Index(c.X, c.Y, c.Z))
	}
	assert.Equal(t, Coord{X: 1, Y: 2, Z: 1}, v.Coord(1*12+2*4+1))
	assert.Equal(t, [3]float64{1, 1, 1}, v.Spacing())
}

func TestValidate(t *testing.T) {
	require.NoError(t, NewVolume(2, 2, 1).Validate())

	v := NewVolume(2, 2, 1)
	v.Data = v.Data[:3]
	require.Error(t, v.Validate())

	require.Error(t, (&Volume{Width: 0, Height: 1, Depth: 1}).Validate())
}

func TestSegmentationRegions(t *testing.T) {
	v := NewVolume(3, 2, 1)
	v.VoxelSize.Z = 2.5
	s := NewSegmentation(v)
	assert.Equal(t, 2.5, s.VoxelSize.Z)
	assert.Equal(t, 0, s.NumRegions())
	assert.Equal(t, []int{6}, s.RegionSizes())

	copy(s.Labels, []int32{0, 1, 1, 3, 3, 3})
	assert.Equal(t, 3, s.NumRegions())
	assert.Equal(t, []int{1, 2, 0, 3}, s.RegionSizes())
}

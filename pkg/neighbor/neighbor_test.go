package neighbor

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brainparcel/internal/models"
)

func TestFastCubeOffsetCounts(t *testing.T) {
	tests := []struct {
		dim, size int
	}{
		{2, 4}, {2, 6}, {2, 8}, {3, 6}, {3, 18}, {3, 26},
	}
	for _, tt := range tests {
		offs, err := Connectivity{Shape: FastCube, Dim: tt.dim, Size: tt.size}.Offsets()
		require.NoError(t, err)
		assert.Len(t, offs, tt.size, "%dD size %d", tt.dim, tt.size)
		assertClosedUnderNegation(t, offs)
	}
}

func TestUnsupportedConnectivity(t *testing.T) {
	tests := []struct {
		name string
		conn Connectivity
	}{
		{"fast cube size 8 in 3D", Connectivity{Shape: FastCube, Dim: 3, Size: 8}},
		{"fast cube size 26 in 2D", Connectivity{Shape: FastCube, Dim: 2, Size: 26}},
		{"dimension 4", Connectivity{Shape: Cube, Dim: 4, Size: 1}},
		{"zero radius", Connectivity{Shape: Sphere, Dim: 3}},
		{"zero cube", Connectivity{Shape: Cube, Dim: 3}},
		{"unknown shape", Connectivity{Shape: Shape(9), Dim: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.conn.Offsets()
			require.ErrorIs(t, err, models.ErrInvalidConfiguration)
		})
	}

	_, err := ParseShape("hexagon")
	require.ErrorIs(t, err, models.ErrInvalidConfiguration)

	s, err := ParseShape("Sphere")
	require.NoError(t, err)
	assert.Equal(t, Sphere, s)
}

func TestSphereAndCubeOffsets(t *testing.T) {
	sphere, err := Connectivity{Shape: Sphere, Dim: 3, Radius: 1.5}.Offsets()
	require.NoError(t, err)
	// faces and edges, no corners (sqrt(3) > 1.5)
	assert.Len(t, sphere, 18)
	for _, o := range sphere {
		assert.LessOrEqual(t, o.Norm(), 1.5)
	}

	sphere2, err := Connectivity{Shape: Sphere, Dim: 3, Radius: 2}.Offsets()
	require.NoError(t, err)
	assert.Len(t, sphere2, 32) // 26 + 6 axis offsets at distance 2
	assertClosedUnderNegation(t, sphere2)

	cube, err := Connectivity{Shape: Cube, Dim: 3, Size: 2}.Offsets()
	require.NoError(t, err)
	assert.Len(t, cube, 124)

	flat, err := Connectivity{Shape: Cube, Dim: 2, Size: 1}.Offsets()
	require.NoError(t, err)
	assert.Len(t, flat, 8)
	for _, o := range flat {
		assert.Zero(t, o[2])
	}
}

func assertClosedUnderNegation(t *testing.T, offs []Offset) {
	t.Helper()
	seen := make(map[Offset]bool, len(offs))
	for _, o := range offs {
		assert.False(t, seen[o], "duplicate offset %v", o)
		seen[o] = true
	}
	for _, o := range offs {
		assert.True(t, seen[Offset{-o[0], -o[1], -o[2]}], "negation of %v missing", o)
	}
}

func randomSet(t *testing.T, dims [3]int, n int, seed int64) *VoxelSet {
	t.Helper()
	rnd := rand.New(rand.NewSource(seed))
	coords := make([]models.Coord, n)
	for i := range coords {
		coords[i] = models.Coord{X: rnd.Intn(dims[0]), Y: rnd.Intn(dims[1]), Z: rnd.Intn(dims[2])}
	}
	set, err := NewVoxelSet(dims, coords)
	require.NoError(t, err)
	return set
}

func TestAdjacencyIsSymmetric(t *testing.T) {
	conns := []Connectivity{
		{Shape: FastCube, Dim: 3, Size: 6},
		{Shape: FastCube, Dim: 3, Size: 26},
		{Shape: Sphere, Dim: 3, Radius: 2.5},
		{Shape: Cube, Dim: 3, Size: 2},
	}
	set := randomSet(t, [3]int{8, 7, 6}, 200, 3)
	for _, conn := range conns {
		adj, err := Builder{Connectivity: conn}.Build(set)
		require.NoError(t, err)

		type pair struct{ i, j int }
		dist := make(map[pair]float64)
		for i, nbrs := range adj.Neighbors {
			for k, j := range nbrs {
				dist[pair{i, j}] = adj.Distances[i][k]
			}
		}
		for p, d := range dist {
			back, ok := dist[pair{p.j, p.i}]
			require.True(t, ok, "%v: %d->%d has no reverse edge", conn.Shape, p.i, p.j)
			assert.Equal(t, d, back)
		}

		_, err = adj.Graph()
		require.NoError(t, err)
	}
}

func TestBuildBoundaryAndMask(t *testing.T) {
	// a 3x1x1 row with only the two ends in the set: no links
	set, err := NewVoxelSet([3]int{3, 1, 1}, []models.Coord{{X: 0}, {X: 2}})
	require.NoError(t, err)
	adj, err := Builder{Connectivity: Connectivity{Shape: FastCube, Dim: 3, Size: 6}}.Build(set)
	require.NoError(t, err)
	assert.Empty(t, adj.Neighbors[0])
	assert.Empty(t, adj.Neighbors[1])

	// corner voxel of a full 2x2x2 block has 7 neighbours under 26-connectivity
	var coords []models.Coord
	for z := 0; z < 2; z++ {
		for y := 0; y < 2; y++ {
			for x := 0; x < 2; x++ {
				coords = append(coords, models.Coord{X: x, Y: y, Z: z})
			}
		}
	}
	block, err := NewVoxelSet([3]int{2, 2, 2}, coords)
	require.NoError(t, err)
	adj, err = Builder{Connectivity: Default3D()}.Build(block)
	require.NoError(t, err)
	assert.Len(t, adj.Neighbors[0], 7)

	for k, j := range adj.Neighbors[0] {
		c := block.Coord(j)
		want := math.Sqrt(float64(c.X + c.Y + c.Z))
		assert.InDelta(t, want, adj.Distances[0][k], 1e-12)
		assert.InDelta(t, math.Exp(-want), adj.Weights[0][k], 1e-12)
	}
}

func TestBuildWithSpacingAndIntensity(t *testing.T) {
	set, err := NewVoxelSet([3]int{2, 1, 1}, []models.Coord{{X: 0}, {X: 1}})
	require.NoError(t, err)
	b := Builder{
		Connectivity:   Connectivity{Shape: FastCube, Dim: 3, Size: 6},
		Spacing:        [3]float64{2, 1, 1},
		Intensity:      []float64{1, 4},
		IntensityScale: 3,
	}
	adj, err := b.Build(set)
	require.NoError(t, err)
	assert.Equal(t, []float64{2}, adj.Distances[0])
	assert.InDelta(t, math.Exp(-3), adj.Weights[0][0], 1e-12)

	b.Intensity = []float64{1}
	_, err = b.Build(set)
	require.ErrorIs(t, err, models.ErrInvalidConfiguration)
}

func TestTwoDimensionalRequiresFlatImage(t *testing.T) {
	set, err := NewVoxelSet([3]int{2, 2, 2}, []models.Coord{{}})
	require.NoError(t, err)
	_, err = Builder{Connectivity: Connectivity{Shape: FastCube, Dim: 2, Size: 4}}.Build(set)
	require.ErrorIs(t, err, models.ErrInvalidConfiguration)
}

func TestVoxelSetRoundTrip(t *testing.T) {
	dims := [3]int{5, 4, 3}
	coords := []models.Coord{{X: 1, Y: 2, Z: 0}, {X: 4, Y: 3, Z: 2}, {X: 0, Y: 0, Z: 0}, {X: 1, Y: 2, Z: 0}, {X: 3, Y: 1, Z: 1}}
	set, err := NewVoxelSet(dims, coords)
	require.NoError(t, err)
	require.Equal(t, 4, set.Len())

	adj, err := Builder{Connectivity: Default3D()}.Build(set)
	require.NoError(t, err)
	require.Equal(t, set.Len(), adj.Len())

	back := make(map[models.Coord]bool)
	for i := 0; i < set.Len(); i++ {
		c := set.Coord(i)
		back[c] = true
		j, ok := set.Lookup(c)
		require.True(t, ok)
		assert.Equal(t, i, j)
		k, ok := set.Index(set.Flat(i))
		require.True(t, ok)
		assert.Equal(t, i, k)
	}
	want := make(map[models.Coord]bool)
	for _, c := range coords {
		want[c] = true
	}
	assert.Equal(t, want, back)

	_, err = NewVoxelSet(dims, []models.Coord{{X: 5, Y: 0, Z: 0}})
	require.ErrorIs(t, err, models.ErrInvalidConfiguration)
}

func TestVoxelSetFromMask(t *testing.T) {
	v := models.NewVolume(3, 1, 1)
	v.Data = []float64{0, 0.5, 1}

	set, err := VoxelSetFromMask(v, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, set.Len())

	set, err = VoxelSetFromMask(v, 1)
	require.NoError(t, err)
	require.Equal(t, 1, set.Len())
	assert.Equal(t, models.Coord{X: 2}, set.Coord(0))
}

func TestRadiusGraph(t *testing.T) {
	rnd := rand.New(rand.NewSource(11))
	verts := make([]Point3D, 60)
	for i := range verts {
		verts[i] = Point3D{X: rnd.Float64() * 10, Y: rnd.Float64() * 10, Z: rnd.Float64() * 10}
	}
	radius := 3.0
	adj, err := RadiusGraph(verts, radius)
	require.NoError(t, err)

	for i := range verts {
		var want []int
		for j := range verts {
			if i == j {
				continue
			}
			dx, dy, dz := verts[i].X-verts[j].X, verts[i].Y-verts[j].Y, verts[i].Z-verts[j].Z
			if math.Sqrt(dx*dx+dy*dy+dz*dz) <= radius {
				want = append(want, j)
			}
		}
		if len(want) == 0 {
			assert.Empty(t, adj.Neighbors[i])
			continue
		}
		assert.Equal(t, want, adj.Neighbors[i], "vertex %d", i)
	}

	_, err = adj.Graph()
	require.NoError(t, err)

	_, err = RadiusGraph(verts, 0)
	require.ErrorIs(t, err, models.ErrInvalidConfiguration)
}

func TestVoxelPointsFollowSpacing(t *testing.T) {
	set, err := NewVoxelSet([3]int{3, 3, 3}, []models.Coord{{X: 2, Y: 1}, {Z: 2}})
	require.NoError(t, err)

	pts := VoxelPoints(set, [3]float64{0.5, 2, 0})
	assert.Equal(t, []Point3D{{X: 1, Y: 2, ID: 0}, {Z: 2, ID: 1}}, pts)

	// anisotropic voxels: x neighbours at 0.5mm, y neighbours at 2mm
	line, err := NewVoxelSet([3]int{2, 2, 1}, []models.Coord{{}, {X: 1}, {Y: 1}})
	require.NoError(t, err)
	adj, err := RadiusGraph(VoxelPoints(line, [3]float64{0.5, 2, 1}), 1)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{1}, {0}, nil}, adj.Neighbors)
}

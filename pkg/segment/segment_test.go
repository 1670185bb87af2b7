package segment

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gopkg.in/yaml.v3"

	"brainparcel/internal/models"
	"brainparcel/pkg/config"
	"brainparcel/pkg/metrics"
	"brainparcel/pkg/neighbor"
	"brainparcel/pkg/nifti"
)

// twoBlobs is a 7x2x1 image with two 3x2 blobs separated by an empty column
// at x=3. Each blob peaks at its middle column.
func twoBlobs() *models.Volume {
	vol := models.NewVolume(7, 2, 1)
	profile := []float64{1, 2, 1, 0, 1, 2, 1}
	for y := 0; y < 2; y++ {
		for x, v := range profile {
			vol.Data[vol.Index(x, y, 0)] = v
		}
	}
	return vol
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Processing.NumWorkers = 2
	cfg.Output.Dir = filepath.Join(t.TempDir(), "out")
	cfg.NCut.Parcels = 2
	cfg.Watershed.Sigma = 0
	return cfg
}

func assertTwoBlobLabels(t *testing.T, seg *models.Segmentation) {
	t.Helper()
	for y := 0; y < 2; y++ {
		for x := 0; x < 7; x++ {
			got := seg.Labels[y*7+x]
			switch {
			case x < 3:
				assert.Equal(t, int32(1), got, "voxel (%d,%d)", x, y)
			case x == 3:
				assert.Equal(t, int32(0), got, "voxel (%d,%d)", x, y)
			default:
				assert.Equal(t, int32(2), got, "voxel (%d,%d)", x, y)
			}
		}
	}
}

func TestSegmentVolumeNCut(t *testing.T) {
	r, err := NewRunner(&Params{Method: MethodNCut, Config: testConfig(t)}, zaptest.NewLogger(t), nil)
	require.NoError(t, err)

	res, err := r.SegmentVolume(context.Background(), twoBlobs())
	require.NoError(t, err)
	assertTwoBlobLabels(t, res.Labels)
	assert.Equal(t, map[int][]int{1: {}, 2: {}}, res.Neighbors)
}

func TestSegmentVolumeNCutPhysicalRadius(t *testing.T) {
	cfg := testConfig(t)
	cfg.Neighbor.PhysicalRadius = 1.5
	r, err := NewRunner(&Params{Method: MethodNCut, Config: cfg}, zaptest.NewLogger(t), nil)
	require.NoError(t, err)

	res, err := r.SegmentVolume(context.Background(), twoBlobs())
	require.NoError(t, err)
	assertTwoBlobLabels(t, res.Labels)
}

func TestSegmentVolumeWatershed(t *testing.T) {
	r, err := NewRunner(&Params{Method: MethodWatershed, Config: testConfig(t)}, zaptest.NewLogger(t), nil)
	require.NoError(t, err)

	res, err := r.SegmentVolume(context.Background(), twoBlobs())
	require.NoError(t, err)
	assertTwoBlobLabels(t, res.Labels)
	assert.Empty(t, res.Neighbors[1])
}

func TestWatershedSeedsFile(t *testing.T) {
	dir := t.TempDir()
	vol := models.NewVolume(6, 1, 1)
	for i := range vol.Data {
		vol.Data[i] = 1
	}
	seeds := models.NewSegmentation(vol)
	seeds.Labels[0] = 5
	seeds.Labels[5] = 9
	seedPath := filepath.Join(dir, "seeds.nii.gz")
	require.NoError(t, nifti.WriteLabels(seedPath, seeds, nil, "seeds"))

	r, err := NewRunner(&Params{Method: MethodWatershed, SeedsFile: seedPath, Config: testConfig(t)}, nil, nil)
	require.NoError(t, err)

	res, err := r.SegmentVolume(context.Background(), vol)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Labels.NumRegions())
	assert.Equal(t, map[int][]int{1: {2}, 2: {1}}, res.Neighbors)
	assert.Equal(t, int32(1), res.Labels.Labels[0])
	assert.Equal(t, int32(2), res.Labels.Labels[5])
}

func TestWatershedSeedsShapeMismatch(t *testing.T) {
	dir := t.TempDir()
	seeds := models.NewSegmentation(models.NewVolume(2, 7, 1))
	seeds.Labels[0] = 1
	seedPath := filepath.Join(dir, "seeds.nii")
	require.NoError(t, nifti.WriteLabels(seedPath, seeds, nil, "seeds"))

	r, err := NewRunner(&Params{Method: MethodWatershed, SeedsFile: seedPath, Config: testConfig(t)}, nil, nil)
	require.NoError(t, err)

	_, err = r.SegmentVolume(context.Background(), twoBlobs())
	require.ErrorIs(t, err, models.ErrInvalidConfiguration)
	assert.Contains(t, err.Error(), "[2 7 1]")
}

func TestNewRunnerRejectsBadParams(t *testing.T) {
	_, err := NewRunner(&Params{Method: "kmeans", Config: testConfig(t)}, nil, nil)
	require.ErrorIs(t, err, models.ErrInvalidConfiguration)

	cfg := testConfig(t)
	cfg.Neighbor.Shape = "hexagon"
	_, err = NewRunner(&Params{Method: MethodNCut, Config: cfg}, nil, nil)
	require.ErrorIs(t, err, models.ErrInvalidConfiguration)

	_, err = NewRunner(&Params{Method: MethodWatershed, SeedsFile: filepath.Join(t.TempDir(), "none.nii"), Config: testConfig(t)}, nil, nil)
	require.Error(t, err)
}

func TestProcessWritesOutputs(t *testing.T) {
	in := filepath.Join(t.TempDir(), "in")
	require.NoError(t, nifti.WriteVolume(filepath.Join(in, "sub-1.nii.gz"), twoBlobs(), ""))
	require.NoError(t, os.WriteFile(filepath.Join(in, "sub-2.nii"), []byte("not an image"), 0644))

	cfg := testConfig(t)
	cfg.Output.ExtractSlices = true
	cfg.Output.SliceAxis = "z"
	rec := metrics.New()
	r, err := NewRunner(&Params{Inputs: []string{in}, Method: MethodNCut, Config: cfg}, zaptest.NewLogger(t), rec)
	require.NoError(t, err)

	reports, err := r.Process(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 volumes failed")
	require.Len(t, reports, 2)

	ok := reports[0]
	require.NoError(t, ok.Err)
	assert.Equal(t, "sub-1", ok.Name)
	assert.NotEmpty(t, ok.ID)
	assert.Equal(t, 2, ok.Regions)
	assert.Equal(t, 14, ok.Voxels)
	assert.Equal(t, 1, ok.Slices)
	assert.Equal(t, SizeSummary{Mean: 6, Min: 6, Median: 6, Max: 6}, ok.Sizes)
	assert.ErrorIs(t, reports[1].Err, nifti.ErrInvalidImage)

	img, err := nifti.ReadFile(ok.LabelsPath)
	require.NoError(t, err)
	assert.Equal(t, 2.0, img.Volume.Data[6])

	data, err := os.ReadFile(ok.NeighborsPath)
	require.NoError(t, err)
	var nf neighborFile
	require.NoError(t, yaml.Unmarshal(data, &nf))
	assert.Equal(t, MethodNCut, nf.Method)
	assert.Equal(t, 2, nf.Regions)
	assert.Len(t, nf.Neighbors, 2)

	_, err = os.Stat(filepath.Join(cfg.Output.Dir, "sub-1_slices", "sub-1_z_000.png"))
	require.NoError(t, err)

	expected := `
# HELP brainparcel_jobs_total Batch jobs by method and outcome.
# TYPE brainparcel_jobs_total counter
brainparcel_jobs_total{method="ncut",status="error"} 1
brainparcel_jobs_total{method="ncut",status="ok"} 1
`
	require.NoError(t, testutil.GatherAndCompare(rec.Registry(), strings.NewReader(expected), "brainparcel_jobs_total"))
}

func TestProcessKeepsInputOrientation(t *testing.T) {
	vol := twoBlobs()
	input := models.NewSegmentation(vol)
	for i, v := range vol.Data {
		input.Labels[i] = int32(v)
	}
	ref := &nifti.Header{
		QFormCode: 1,
		SFormCode: 4,
		QuaternC:  1,
		QOffsetX:  90,
		PixDim:    [8]float32{-1, 1, 1, 1},
		SRowX:     [4]float32{-1, 0, 0, 90},
		SRowY:     [4]float32{0, 1, 0, -126},
		SRowZ:     [4]float32{0, 0, 1, -72},
		XYZTUnits: 2,
	}
	in := filepath.Join(t.TempDir(), "sub-1.nii")
	require.NoError(t, nifti.WriteLabels(in, input, ref, ""))

	r, err := NewRunner(&Params{Inputs: []string{in}, Method: MethodWatershed, Config: testConfig(t)}, nil, nil)
	require.NoError(t, err)
	reports, err := r.Process(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 1)

	img, err := nifti.ReadFile(reports[0].LabelsPath)
	require.NoError(t, err)
	h := img.Header
	assert.Equal(t, int16(4), h.SFormCode)
	assert.Equal(t, int16(1), h.QFormCode)
	assert.Equal(t, ref.SRowX, h.SRowX)
	assert.Equal(t, ref.SRowY, h.SRowY)
	assert.Equal(t, ref.SRowZ, h.SRowZ)
	assert.Equal(t, float32(1), h.QuaternC)
	assert.Equal(t, float32(90), h.QOffsetX)
	assert.Equal(t, float32(-1), h.PixDim[0])
	assert.Equal(t, int16(1002), h.IntentCode)
}

func TestProcessCancelled(t *testing.T) {
	in := filepath.Join(t.TempDir(), "vol.nii")
	require.NoError(t, nifti.WriteVolume(in, twoBlobs(), ""))

	r, err := NewRunner(&Params{Inputs: []string{in}, Method: MethodWatershed, Config: testConfig(t)}, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Process(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"sub-10.nii", "sub-2.nii.gz", "notes.txt", "sub-1.NII"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.nii"), 0755))
	other := filepath.Join(t.TempDir(), "sub-2.nii")
	require.NoError(t, os.WriteFile(other, nil, 0644))

	jobs, err := discover([]string{dir, other})
	require.NoError(t, err)
	var names []string
	for _, j := range jobs {
		names = append(names, j.Name)
	}
	assert.Equal(t, []string{"sub-1", "sub-2", "sub-10", "sub-2-2"}, names)

	_, err = discover([]string{t.TempDir()})
	require.Error(t, err)
	_, err = discover([]string{filepath.Join(dir, "missing")})
	require.Error(t, err)
}

func TestExtractNumber(t *testing.T) {
	testCases := []struct {
		filename string
		expected int
	}{
		{"sub-01.nii.gz", 1},
		{"sub-023_T1w.nii", 231},
		{"brain.nii", 0},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.expected, extractNumber(tc.filename), tc.filename)
	}
}

func TestLabelAdjacency(t *testing.T) {
	seg := &models.Segmentation{
		Labels: []int32{
			1, 1, 2,
			0, 3, 2,
		},
		Width: 3, Height: 2, Depth: 1,
	}

	face := neighbor.Connectivity{Shape: neighbor.FastCube, Dim: 3, Size: 6}
	nb, err := LabelAdjacency(seg, face)
	require.NoError(t, err)
	assert.Equal(t, map[int][]int{1: {2, 3}, 2: {1, 3}, 3: {1, 2}}, nb)

	_, err = LabelAdjacency(seg, neighbor.Connectivity{Shape: neighbor.FastCube, Dim: 3, Size: 7})
	require.ErrorIs(t, err, models.ErrInvalidConfiguration)
}

func TestSummarize(t *testing.T) {
	seg := &models.Segmentation{Labels: []int32{0, 1, 1, 1, 2, 3, 3, 0}, Width: 8, Height: 1, Depth: 1}
	s := summarize(seg)
	assert.Equal(t, 2.0, s.Mean)
	assert.Equal(t, 1.0, s.Min)
	assert.Equal(t, 2.0, s.Median)
	assert.Equal(t, 3.0, s.Max)
	assert.InDelta(t, 1.0, s.StdDev, 1e-12)

	assert.Equal(t, SizeSummary{}, summarize(&models.Segmentation{Labels: []int32{0, 0}, Width: 2, Height: 1, Depth: 1}))
}

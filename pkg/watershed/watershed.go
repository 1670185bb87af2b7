// Package watershed implements marker-based watershed segmentation of scalar
// volumes: threshold mask, Gaussian smoothing, seed detection, connected
// seed labelling and priority flooding over a cost surface.
package watershed

import (
	"context"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"brainparcel/internal/models"
	"brainparcel/pkg/metrics"
	"brainparcel/pkg/neighbor"
)

// Transform selects the cost surface the flood runs over.
type Transform int

const (
	// Inverse floods the negated distance-to-background of the mask, so
	// basins grow outward from the mask interior.
	Inverse Transform = iota
	// Gradient floods the Sobel gradient magnitude of the smoothed volume.
	Gradient
	// Distance is the same surface as Inverse.
	Distance
)

func (t Transform) String() string {
	switch t {
	case Inverse:
		return "inverse"
	case Gradient:
		return "gradient"
	case Distance:
		return "distance"
	default:
		return fmt.Sprintf("Transform(%d)", int(t))
	}
}

// ParseTransform maps a transform name to a Transform.
func ParseTransform(name string) (Transform, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "inverse":
		return Inverse, nil
	case "gradient":
		return Gradient, nil
	case "distance":
		return Distance, nil
	}
	return 0, fmt.Errorf("%w: unknown segment function %q", models.ErrInvalidConfiguration, name)
}

// Options configures a Segmenter.
type Options struct {
	// Sigma is the Gaussian smoothing width in voxels. Zero disables smoothing.
	Sigma float64

	// Threshold builds the mask: value > 0 when zero, value >= Threshold otherwise.
	Threshold float64

	Transform Transform

	// FloodConnectivity is 6, 18 or 26. Flooding between face neighbours
	// only is the default.
	FloodConnectivity int

	// UsePhysicalSpacing measures distances in voxel-size units. Index units
	// are used otherwise.
	UsePhysicalSpacing bool
}

// DefaultOptions returns the standard settings.
func DefaultOptions() Options {
	return Options{
		Sigma:             1.0,
		Threshold:         0,
		Transform:         Inverse,
		FloodConnectivity: 6,
	}
}

func (o Options) validate() error {
	switch {
	case o.Sigma < 0 || math.IsNaN(o.Sigma) || math.IsInf(o.Sigma, 0):
		return fmt.Errorf("%w: sigma must be finite and non-negative, got %v", models.ErrInvalidConfiguration, o.Sigma)
	case math.IsNaN(o.Threshold):
		return fmt.Errorf("%w: threshold is NaN", models.ErrInvalidConfiguration)
	case o.Transform < Inverse || o.Transform > Distance:
		return fmt.Errorf("%w: unknown segment function %v", models.ErrInvalidConfiguration, o.Transform)
	}
	return nil
}

// Result holds the outputs of one segmentation.
type Result struct {
	// Markers are the labelled seed components, 0 elsewhere.
	Markers []int32

	// Cost is the surface that was flooded.
	Cost []float64

	// Labels is the final segmentation.
	Labels *models.Segmentation

	// Seeds is the number of seed components.
	Seeds int
}

// Segmenter runs watershed segmentations. It holds no per-run state.
type Segmenter struct {
	opts    Options
	flood   neighbor.Connectivity
	logger  *zap.Logger
	metrics *metrics.Recorder
}

// New validates opts and creates a Segmenter. logger and rec may be nil.
func New(opts Options, logger *zap.Logger, rec *metrics.Recorder) (*Segmenter, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	conn := neighbor.Connectivity{Shape: neighbor.FastCube, Dim: 3, Size: opts.FloodConnectivity}
	if _, err := conn.Offsets(); err != nil {
		return nil, fmt.Errorf("flood connectivity: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Segmenter{opts: opts, flood: conn, logger: logger, metrics: rec}, nil
}

// Segment runs the watershed on vol. seeds, when non-nil, must have one entry
// per voxel; non-zero entries are seeds. Without seeds, local maxima of the
// smoothed volume are used.
func (s *Segmenter) Segment(ctx context.Context, vol *models.Volume, seeds []int32) (*Result, error) {
	if err := vol.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidConfiguration, err)
	}
	if seeds != nil && len(seeds) != vol.Len() {
		return nil, fmt.Errorf("%w: %d seeds for %d voxels", models.ErrInvalidConfiguration, len(seeds), vol.Len())
	}
	dims := vol.Dims()

	mask := make([]bool, vol.Len())
	for i, v := range vol.Data {
		mask[i] = neighbor.InMask(v, s.opts.Threshold)
	}

	smoothed := GaussianSmooth(vol.Data, dims, s.opts.Sigma)

	full, err := newStencil(dims, neighbor.Default3D())
	if err != nil {
		return nil, err
	}

	var seedSet []bool
	if seeds == nil {
		seedSet = localMaxima(smoothed, mask, full)
	} else {
		seedSet = make([]bool, len(seeds))
		for i, v := range seeds {
			seedSet[i] = v != 0
		}
	}
	for i := range seedSet {
		if !mask[i] {
			seedSet[i] = false
		}
	}
	markers, nSeeds := labelComponents(seedSet, full)

	var cost []float64
	switch s.opts.Transform {
	case Gradient:
		cost = SobelMagnitude(smoothed, dims)
	default:
		spacing := [3]float64{1, 1, 1}
		if s.opts.UsePhysicalSpacing {
			spacing = vol.Spacing()
		}
		cost = DistanceTransform(mask, dims, spacing)
		for i := range cost {
			cost[i] = -cost[i]
		}
	}

	st, err := newStencil(dims, s.flood)
	if err != nil {
		return nil, err
	}
	labels, pops, err := flood(ctx, cost, markers, mask, st)
	s.metrics.FloodPops(pops)
	if err != nil {
		return nil, err
	}

	seg := models.NewSegmentation(vol)
	seg.Labels = labels

	s.logger.Debug("watershed finished",
		zap.Int("voxels", vol.Len()),
		zap.Int("seeds", nSeeds),
		zap.Int("queue_pops", pops),
		zap.Stringer("transform", s.opts.Transform))

	return &Result{Markers: markers, Cost: cost, Labels: seg, Seeds: nSeeds}, nil
}

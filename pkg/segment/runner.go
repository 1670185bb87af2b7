// Package segment runs batch brain segmentations: it loads NIfTI volumes,
// parcellates them by normalized cut or watershed, and writes label volumes,
// region neighbour maps and optional PNG slices.
package segment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gopkg.in/yaml.v3"

	"brainparcel/internal/models"
	"brainparcel/pkg/config"
	"brainparcel/pkg/metrics"
	"brainparcel/pkg/ncut"
	"brainparcel/pkg/neighbor"
	"brainparcel/pkg/nifti"
	"brainparcel/pkg/visualization"
	"brainparcel/pkg/watershed"
)

// Method selects the segmentation algorithm.
type Method string

const (
	MethodNCut      Method = "ncut"
	MethodWatershed Method = "watershed"
)

// Params holds the batch configuration.
type Params struct {
	// Inputs are NIfTI files or directories containing them.
	Inputs []string

	// Method is ncut or watershed.
	Method Method

	// SeedsFile is an optional label image whose non-zero voxels seed the
	// watershed. It must match every input's dimensions.
	SeedsFile string

	// Config supplies the algorithm settings, output directory and worker count.
	Config *config.Config
}

// SizeSummary describes the distribution of region sizes in voxels.
type SizeSummary struct {
	Mean   float64 `yaml:"mean"`
	StdDev float64 `yaml:"stdDev"`
	Min    float64 `yaml:"min"`
	Median float64 `yaml:"median"`
	Max    float64 `yaml:"max"`
}

// Report is the outcome of one job.
type Report struct {
	Job

	Regions       int
	Voxels        int
	Sizes         SizeSummary
	LabelsPath    string
	NeighborsPath string
	Slices        int
	Elapsed       time.Duration
	Err           error
}

// Result is a segmented volume with its region adjacency. Neighbors is keyed
// by the label written to the volume (1..K).
type Result struct {
	Labels    *models.Segmentation
	Neighbors map[int][]int
}

// neighborFile is the YAML layout of <name>_neighbors.yaml.
type neighborFile struct {
	Input     string        `yaml:"input"`
	Method    Method        `yaml:"method"`
	Regions   int           `yaml:"regions"`
	Sizes     SizeSummary   `yaml:"sizes"`
	Neighbors map[int][]int `yaml:"neighbors"`
}

// Runner drives segmentations over a batch of volumes.
//
// The pipeline for each volume:
// 1. Load the NIfTI image
// 2. Segment it with the configured method
// 3. Write the label volume and neighbour map
// 4. Optionally render PNG slices
type Runner struct {
	params *Params
	cfg    *config.Config

	logger  *zap.Logger
	metrics *metrics.Recorder

	conn        neighbor.Connectivity
	partitioner *ncut.Partitioner
	segmenter   *watershed.Segmenter
	seeds       []int32
	seedDims    [3]int
}

// NewRunner validates params and prepares the segmenters. logger and rec may be nil.
func NewRunner(params *Params, logger *zap.Logger, rec *metrics.Recorder) (*Runner, error) {
	if params.Config == nil {
		params.Config = config.DefaultConfig()
	}
	cfg := params.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{params: params, cfg: cfg, logger: logger, metrics: rec}

	switch params.Method {
	case MethodNCut:
		conn, err := cfg.Connectivity()
		if err != nil {
			return nil, err
		}
		p, err := ncut.New(cfg.NCutOptions(), logger, rec)
		if err != nil {
			return nil, err
		}
		r.conn, r.partitioner = conn, p

	case MethodWatershed:
		opts, err := cfg.WatershedOptions()
		if err != nil {
			return nil, err
		}
		s, err := watershed.New(opts, logger, rec)
		if err != nil {
			return nil, err
		}
		r.segmenter = s
		if params.SeedsFile != "" {
			img, err := nifti.ReadFile(params.SeedsFile)
			if err != nil {
				return nil, fmt.Errorf("seeds: %w", err)
			}
			r.seedDims = img.Volume.Dims()
			r.seeds = make([]int32, len(img.Volume.Data))
			for i, v := range img.Volume.Data {
				r.seeds[i] = int32(v)
			}
		}

	default:
		return nil, fmt.Errorf("%w: unknown method %q", models.ErrInvalidConfiguration, params.Method)
	}
	return r, nil
}

// Process segments every input, at most NumWorkers at a time. A failing
// volume does not stop the others; the returned error joins every failure.
func (r *Runner) Process(ctx context.Context) ([]Report, error) {
	jobs, err := discover(r.params.Inputs)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(r.cfg.Output.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	for i := range jobs {
		jobs[i].ID = uuid.NewString()
	}

	r.logger.Info("starting batch",
		zap.String("method", string(r.params.Method)),
		zap.Int("volumes", len(jobs)),
		zap.Int("workers", r.cfg.Processing.NumWorkers),
		zap.String("output_dir", r.cfg.Output.Dir))

	reports := make([]Report, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Processing.NumWorkers)
	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			reports[i] = r.runJob(gctx, job)
			// only cancellation stops the batch
			if errors.Is(reports[i].Err, context.Canceled) || errors.Is(reports[i].Err, context.DeadlineExceeded) {
				return reports[i].Err
			}
			return nil
		})
	}
	waitErr := g.Wait()

	var errs []error
	for _, rep := range reports {
		if rep.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rep.Input, rep.Err))
		}
	}
	if waitErr != nil && len(errs) == 0 {
		errs = append(errs, waitErr)
	}
	if len(errs) > 0 {
		return reports, fmt.Errorf("%d of %d volumes failed: %w", len(errs), len(jobs), errors.Join(errs...))
	}
	r.logger.Info("batch finished", zap.Int("volumes", len(jobs)))
	return reports, nil
}

func (r *Runner) runJob(ctx context.Context, job Job) Report {
	rep := Report{Job: job}
	logger := r.logger.With(zap.String("job", job.ID), zap.String("input", job.Input))
	method := string(r.params.Method)
	start := time.Now()
	defer func() {
		rep.Elapsed = time.Since(start)
		r.metrics.JobFinished(method, rep.Err)
		if rep.Err != nil {
			logger.Error("segmentation failed", zap.Error(rep.Err))
			return
		}
		r.metrics.ObserveRun(method, rep.Regions, rep.Elapsed)
		logger.Info("segmentation finished",
			zap.Int("regions", rep.Regions),
			zap.Duration("elapsed", rep.Elapsed),
			zap.String("labels", rep.LabelsPath))
	}()

	// Step 1: Load the volume
	logger.Debug("loading volume")
	img, err := nifti.ReadFile(job.Input)
	if err != nil {
		rep.Err = err
		return rep
	}
	vol := img.Volume
	rep.Voxels = vol.Len()

	// Step 2: Segment
	dims := vol.Dims()
	logger.Debug("segmenting", zap.Ints("dims", dims[:]), zap.String("method", method))
	res, err := r.SegmentVolume(ctx, vol)
	if err != nil {
		rep.Err = err
		return rep
	}
	rep.Regions = res.Labels.NumRegions()
	rep.Sizes = summarize(res.Labels)

	// Step 3: Write outputs
	rep.LabelsPath = filepath.Join(r.cfg.Output.Dir, job.Name+"_labels.nii.gz")
	desc := fmt.Sprintf("brainparcel %s, %d regions", method, rep.Regions)
	if err := nifti.WriteLabels(rep.LabelsPath, res.Labels, &img.Header, desc); err != nil {
		rep.Err = fmt.Errorf("failed to write labels: %w", err)
		return rep
	}
	rep.NeighborsPath = filepath.Join(r.cfg.Output.Dir, job.Name+"_neighbors.yaml")
	nf := neighborFile{
		Input:     job.Input,
		Method:    r.params.Method,
		Regions:   rep.Regions,
		Sizes:     rep.Sizes,
		Neighbors: res.Neighbors,
	}
	if err := writeYAML(rep.NeighborsPath, nf); err != nil {
		rep.Err = fmt.Errorf("failed to write neighbour map: %w", err)
		return rep
	}

	// Step 4: Render slices
	if r.cfg.Output.ExtractSlices {
		viewer, err := visualization.NewViewer(res.Labels, vol)
		if err != nil {
			rep.Err = err
			return rep
		}
		dir := filepath.Join(r.cfg.Output.Dir, job.Name+"_slices")
		n, err := viewer.SaveSliceSequence(r.cfg.Output.SliceAxis, dir, job.Name)
		rep.Slices = n
		if err != nil {
			rep.Err = fmt.Errorf("failed to save slices: %w", err)
			return rep
		}
	}
	return rep
}

// SegmentVolume runs the configured method on one in-memory volume.
func (r *Runner) SegmentVolume(ctx context.Context, vol *models.Volume) (*Result, error) {
	if err := vol.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidConfiguration, err)
	}
	if r.partitioner != nil {
		return r.parcellate(ctx, vol)
	}

	if r.seeds != nil && vol.Dims() != r.seedDims {
		return nil, fmt.Errorf("%w: seeds image %v does not match volume %v",
			models.ErrInvalidConfiguration, r.seedDims, vol.Dims())
	}
	res, err := r.segmenter.Segment(ctx, vol, r.seeds)
	if err != nil {
		return nil, err
	}
	nb, err := LabelAdjacency(res.Labels, neighbor.Default3D())
	if err != nil {
		return nil, err
	}
	return &Result{Labels: res.Labels, Neighbors: nb}, nil
}

func (r *Runner) parcellate(ctx context.Context, vol *models.Volume) (*Result, error) {
	set, err := neighbor.VoxelSetFromMask(vol, r.cfg.NCut.MaskThreshold)
	if err != nil {
		return nil, err
	}
	var adj *neighbor.Adjacency
	if radius := r.cfg.Neighbor.PhysicalRadius; radius > 0 {
		adj, err = neighbor.RadiusGraph(neighbor.VoxelPoints(set, vol.Spacing()), radius)
	} else {
		b := neighbor.Builder{Connectivity: r.conn}
		if r.cfg.Neighbor.UsePhysicalSpacing {
			b.Spacing = vol.Spacing()
		}
		if r.cfg.Neighbor.IntensityScale > 0 {
			b.Intensity = vol.Data
			b.IntensityScale = r.cfg.Neighbor.IntensityScale
		}
		adj, err = b.Build(set)
	}
	if err != nil {
		return nil, err
	}
	g, err := adj.Graph()
	if err != nil {
		return nil, err
	}

	var part *ncut.Partition
	if n := r.cfg.NCut.Parcels; n > 0 {
		part, err = r.partitioner.PartitionCount(ctx, g, n)
	} else {
		part, err = r.partitioner.PartitionThreshold(ctx, g)
	}
	if err != nil {
		return nil, err
	}

	seg := models.NewSegmentation(vol)
	if err := part.Paint(seg, set); err != nil {
		return nil, err
	}
	nb := make(map[int][]int, len(part.Parcels))
	for _, pc := range part.Parcels {
		shifted := make([]int, len(pc.Neighbors))
		for i, l := range pc.Neighbors {
			shifted[i] = l + 1
		}
		nb[pc.Label+1] = shifted
	}
	return &Result{Labels: seg, Neighbors: nb}, nil
}

// LabelAdjacency lists, for every region, the other regions that touch it
// under conn. Background is ignored.
func LabelAdjacency(seg *models.Segmentation, conn neighbor.Connectivity) (map[int][]int, error) {
	offsets, err := conn.Offsets()
	if err != nil {
		return nil, err
	}
	w, h, d := seg.Width, seg.Height, seg.Depth
	sets := make(map[int]map[int]struct{})
	for z := 0; z < d; z++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				a := int(seg.Labels[z*w*h+y*w+x])
				if a <= 0 {
					continue
				}
				if sets[a] == nil {
					sets[a] = make(map[int]struct{})
				}
				for _, o := range offsets {
					nx, ny, nz := x+o[0], y+o[1], z+o[2]
					if nx < 0 || ny < 0 || nz < 0 || nx >= w || ny >= h || nz >= d {
						continue
					}
					if b := int(seg.Labels[nz*w*h+ny*w+nx]); b > 0 && b != a {
						sets[a][b] = struct{}{}
					}
				}
			}
		}
	}

	out := make(map[int][]int, len(sets))
	for a, s := range sets {
		list := make([]int, 0, len(s))
		for b := range s {
			list = append(list, b)
		}
		sort.Ints(list)
		out[a] = list
	}
	return out, nil
}

// summarize computes region size statistics, ignoring background.
func summarize(seg *models.Segmentation) SizeSummary {
	counts := seg.RegionSizes()
	sizes := make([]float64, 0, len(counts))
	for _, c := range counts[1:] {
		if c > 0 {
			sizes = append(sizes, float64(c))
		}
	}
	if len(sizes) == 0 {
		return SizeSummary{}
	}
	sort.Float64s(sizes)
	s := SizeSummary{
		Mean:   stat.Mean(sizes, nil),
		Min:    floats.Min(sizes),
		Median: stat.Quantile(0.5, stat.Empirical, sizes, nil),
		Max:    floats.Max(sizes),
	}
	if len(sizes) > 1 {
		s.StdDev = stat.StdDev(sizes, nil)
	}
	return s
}

func writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

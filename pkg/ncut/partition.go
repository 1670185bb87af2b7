// Package ncut partitions affinity graphs into parcels by recursive Shi–Malik
// normalized cuts.
//
// Every subgraph moves through three states: pending (waiting on the
// worklist), cut (bisected and replaced by its two halves) or terminal (kept
// whole as a parcel). Two drivers decide which pending subgraph is cut next
// and when to stop: PartitionThreshold accepts cuts cheaper than a threshold,
// PartitionCount keeps cutting the largest subgraph until a parcel count is
// reached.
package ncut

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"brainparcel/internal/models"
	"brainparcel/pkg/graph"
	"brainparcel/pkg/metrics"
	"brainparcel/pkg/neighbor"
)

// Options configures a Partitioner.
type Options struct {
	// NumCuts is the number of thresholds tried along the Fiedler vector.
	NumCuts int

	// MaxEdge is the self-loop weight given to every node before cutting.
	MaxEdge float64

	// Threshold is the largest normalized-cut cost PartitionThreshold accepts
	// (exclusive).
	Threshold float64

	// MaxIterations bounds the number of cut attempts per run. Zero means no
	// bound.
	MaxIterations int

	// DenseLimit is the largest subgraph solved with a dense eigendecomposition.
	// Larger subgraphs use restarted Lanczos.
	DenseLimit int

	// LanczosSteps is the Krylov basis size per restart.
	LanczosSteps int

	// LanczosRestarts bounds the restarts before giving up.
	LanczosRestarts int

	// Tolerance is the Ritz residual norm accepted by Lanczos.
	Tolerance float64
}

// DefaultOptions returns the standard settings.
func DefaultOptions() Options {
	return Options{
		NumCuts:         10,
		MaxEdge:         1.0,
		Threshold:       0.001,
		MaxIterations:   100000,
		DenseLimit:      1024,
		LanczosSteps:    120,
		LanczosRestarts: 30,
		Tolerance:       1e-5,
	}
}

func (o Options) validate() error {
	switch {
	case o.NumCuts < 1:
		return fmt.Errorf("%w: num cuts must be at least 1, got %d", models.ErrInvalidConfiguration, o.NumCuts)
	case o.MaxEdge < 0 || math.IsNaN(o.MaxEdge) || math.IsInf(o.MaxEdge, 0):
		return fmt.Errorf("%w: max edge must be finite and non-negative, got %v", models.ErrInvalidConfiguration, o.MaxEdge)
	case math.IsNaN(o.Threshold):
		return fmt.Errorf("%w: threshold is NaN", models.ErrInvalidConfiguration)
	case o.MaxIterations < 0:
		return fmt.Errorf("%w: max iterations must not be negative, got %d", models.ErrInvalidConfiguration, o.MaxIterations)
	case o.DenseLimit < 0:
		return fmt.Errorf("%w: dense limit must not be negative, got %d", models.ErrInvalidConfiguration, o.DenseLimit)
	case o.LanczosSteps < 2 || o.LanczosRestarts < 1:
		return fmt.Errorf("%w: Lanczos needs at least 2 steps and 1 restart, got %d/%d",
			models.ErrInvalidConfiguration, o.LanczosSteps, o.LanczosRestarts)
	case !(o.Tolerance > 0):
		return fmt.Errorf("%w: tolerance must be positive, got %v", models.ErrInvalidConfiguration, o.Tolerance)
	}
	return nil
}

// Partitioner runs normalized-cut partitions. It holds no per-run state and
// may be shared between goroutines.
type Partitioner struct {
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Recorder
}

// New validates opts and creates a Partitioner. logger and rec may be nil.
func New(opts Options, logger *zap.Logger, rec *metrics.Recorder) (*Partitioner, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Partitioner{opts: opts, logger: logger, metrics: rec}, nil
}

// Options returns the settings in use.
func (p *Partitioner) Options() Options { return p.opts }

// Parcel is one terminal subgraph of a partition.
type Parcel struct {
	// Label is unique within the partition, assigned in discovery order from 0.
	Label int

	// Nodes are the parcel's node indices in the partitioned graph, sorted.
	Nodes []int

	// Neighbors are the labels of adjacent parcels, sorted, never Label.
	Neighbors []int
}

// Partition is the result of a partitioning run.
type Partition struct {
	Parcels []Parcel

	// Labels maps each node of the partitioned graph to its parcel label.
	Labels []int
}

// NeighborMap returns parcel label -> sorted neighbouring labels.
func (pt *Partition) NeighborMap() map[int][]int {
	m := make(map[int][]int, len(pt.Parcels))
	for _, pc := range pt.Parcels {
		m[pc.Label] = append([]int{}, pc.Neighbors...)
	}
	return m
}

// Paint writes the partition into seg as labels 1..K (parcel label + 1).
// Node i of the partitioned graph must be node i of set.
func (pt *Partition) Paint(seg *models.Segmentation, set *neighbor.VoxelSet) error {
	if set.Len() != len(pt.Labels) {
		return fmt.Errorf("%w: partition has %d nodes but voxel set has %d",
			models.ErrInvalidGraph, len(pt.Labels), set.Len())
	}
	if len(seg.Labels) != seg.Width*seg.Height*seg.Depth {
		return fmt.Errorf("%w: segmentation buffer does not match its dimensions", models.ErrInvalidConfiguration)
	}
	for i, l := range pt.Labels {
		f := set.Flat(i)
		if f >= len(seg.Labels) {
			return fmt.Errorf("%w: voxel %d outside segmentation", models.ErrInvalidConfiguration, f)
		}
		seg.Labels[f] = int32(l + 1)
	}
	return nil
}

// PartitionThreshold cuts recursively, depth first, accepting a cut only when
// its cost is below Options.Threshold.
func (p *Partitioner) PartitionThreshold(ctx context.Context, g *graph.Graph) (*Partition, error) {
	if g.Len() == 0 {
		return label(g, nil), nil
	}
	work := g.WithSelfLoops(p.opts.MaxEdge)
	stack := []*graph.Graph{work}
	var terminal []*graph.Graph

	for iter := 0; len(stack) > 0; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if p.opts.MaxIterations > 0 && iter >= p.opts.MaxIterations {
			p.logger.Warn("cut budget exhausted, keeping pending subgraphs whole",
				zap.Int("iterations", iter), zap.Int("pending", len(stack)))
			for i := len(stack) - 1; i >= 0; i-- {
				terminal = append(terminal, stack[i])
			}
			break
		}

		sub := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		cut, err := p.TwoCut(ctx, sub)
		if err != nil {
			return nil, err
		}
		if cut.OK && !(cut.Cost < p.opts.Threshold) {
			cut.OK, cut.Reason = false, metrics.ReasonThreshold
		}
		if !cut.OK {
			p.metrics.Terminal(cut.Reason)
			p.logger.Debug("terminal subgraph",
				zap.Int("nodes", sub.Len()), zap.String("reason", cut.Reason), zap.Float64("cost", cut.Cost))
			terminal = append(terminal, sub)
			continue
		}
		p.metrics.CutAccepted()
		p.logger.Debug("cut accepted",
			zap.Int("nodes", sub.Len()), zap.Int("a", cut.A.Len()), zap.Int("b", cut.B.Len()), zap.Float64("cost", cut.Cost))
		stack = append(stack, cut.B, cut.A)
	}

	return label(g, terminal), nil
}

// PartitionCount repeatedly cuts the largest pending subgraph until pending
// plus terminal subgraphs number n, or nothing is left to cut.
func (p *Partitioner) PartitionCount(ctx context.Context, g *graph.Graph, n int) (*Partition, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: parcel count must be at least 1, got %d", models.ErrInvalidConfiguration, n)
	}
	if g.Len() == 0 {
		return label(g, nil), nil
	}

	pending := &worklist{}
	pending.add(g.WithSelfLoops(p.opts.MaxEdge))
	var terminal []*graph.Graph

	for iter := 0; pending.Len() > 0 && pending.Len()+len(terminal) < n; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if p.opts.MaxIterations > 0 && iter >= p.opts.MaxIterations {
			p.logger.Warn("cut budget exhausted, keeping pending subgraphs whole",
				zap.Int("iterations", iter), zap.Int("pending", pending.Len()))
			break
		}

		sub := heap.Pop(pending).(entry).g
		cut, err := p.TwoCut(ctx, sub)
		if err != nil {
			return nil, err
		}
		if !cut.OK {
			p.metrics.Terminal(cut.Reason)
			p.logger.Debug("terminal subgraph",
				zap.Int("nodes", sub.Len()), zap.String("reason", cut.Reason))
			terminal = append(terminal, sub)
			continue
		}
		p.metrics.CutAccepted()
		p.logger.Debug("cut accepted",
			zap.Int("nodes", sub.Len()), zap.Int("a", cut.A.Len()), zap.Int("b", cut.B.Len()), zap.Float64("cost", cut.Cost))
		pending.add(cut.A)
		pending.add(cut.B)
	}

	if got := pending.Len() + len(terminal); got < n {
		p.logger.Warn("fewer parcels than requested",
			zap.Int("requested", n), zap.Int("produced", got), zap.Int("nodes", g.Len()))
	}
	for pending.Len() > 0 {
		terminal = append(terminal, heap.Pop(pending).(entry).g)
	}
	return label(g, terminal), nil
}

// label numbers the terminal subgraphs in order and derives parcel adjacency
// from g, the graph the run started from.
func label(g *graph.Graph, terminal []*graph.Graph) *Partition {
	local := make(map[int]int, g.Len())
	for i, id := range g.IDs() {
		local[id] = i
	}

	pt := &Partition{
		Parcels: make([]Parcel, len(terminal)),
		Labels:  make([]int, g.Len()),
	}
	for k, sub := range terminal {
		nodes := make([]int, sub.Len())
		for i, id := range sub.IDs() {
			nodes[i] = local[id]
			pt.Labels[nodes[i]] = k
		}
		sort.Ints(nodes)
		pt.Parcels[k] = Parcel{Label: k, Nodes: nodes}
	}

	for k := range pt.Parcels {
		seen := make(map[int]bool)
		for _, i := range pt.Parcels[k].Nodes {
			for _, e := range g.Neighbors(i) {
				if l := pt.Labels[e.To]; l != k {
					seen[l] = true
				}
			}
		}
		nbrs := make([]int, 0, len(seen))
		for l := range seen {
			nbrs = append(nbrs, l)
		}
		sort.Ints(nbrs)
		pt.Parcels[k].Neighbors = nbrs
	}
	return pt
}

// worklist is a max-heap of pending subgraphs keyed by node count; equal
// sizes come out in insertion order.
type worklist struct {
	items []entry
	seq   int
}

type entry struct {
	g   *graph.Graph
	seq int
}

func (w *worklist) add(g *graph.Graph) {
	heap.Push(w, entry{g: g, seq: w.seq})
	w.seq++
}

func (w *worklist) Len() int { return len(w.items) }

func (w *worklist) Less(i, j int) bool {
	a, b := w.items[i], w.items[j]
	if a.g.Len() != b.g.Len() {
		return a.g.Len() > b.g.Len()
	}
	return a.seq < b.seq
}

func (w *worklist) Swap(i, j int) { w.items[i], w.items[j] = w.items[j], w.items[i] }

func (w *worklist) Push(x any) { w.items = append(w.items, x.(entry)) }

func (w *worklist) Pop() any {
	old := w.items
	it := old[len(old)-1]
	w.items = old[:len(old)-1]
	return it
}

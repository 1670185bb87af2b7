// Package metrics collects Prometheus counters and histograms for
// segmentation runs. Every Recorder owns a private registry so independent
// runs and tests never share state. A nil *Recorder is valid and records
// nothing.
package metrics

import (
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

const namespace = "brainparcel"

// Terminal reasons.
const (
	ReasonTooSmall  = "too_small"
	ReasonNoCut     = "no_cut"
	ReasonThreshold = "threshold"
	ReasonNumerical = "numerical"
)

// Recorder holds the collectors.
type Recorder struct {
	registry *prometheus.Registry

	cuts              prometheus.Counter
	terminal          *prometheus.CounterVec
	numericalFailures prometheus.Counter
	floodPops         prometheus.Counter
	regions           *prometheus.HistogramVec
	duration          *prometheus.HistogramVec
	jobs              *prometheus.CounterVec
}

// New creates a Recorder with a fresh registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Recorder{
		registry: reg,
		cuts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ncut",
			Name:      "cuts_total",
			Help:      "Accepted two-way normalized cuts.",
		}),
		terminal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ncut",
			Name:      "terminal_subgraphs_total",
			Help:      "Subgraphs that could not be divided further, by reason.",
		}, []string{"reason"}),
		numericalFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ncut",
			Name:      "numerical_failures_total",
			Help:      "Eigen solves that failed and were absorbed.",
		}),
		floodPops: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watershed",
			Name:      "queue_pops_total",
			Help:      "Priority queue pops during flooding.",
		}),
		regions: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "regions",
			Help:      "Regions produced per run.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"method"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time per segmentation run.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		jobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Batch jobs by method and outcome.",
		}, []string{"method", "status"}),
	}
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// CutAccepted counts one accepted cut.
func (r *Recorder) CutAccepted() {
	if r == nil {
		return
	}
	r.cuts.Inc()
}

// Terminal counts one terminal subgraph.
func (r *Recorder) Terminal(reason string) {
	if r == nil {
		return
	}
	r.terminal.WithLabelValues(reason).Inc()
}

// NumericalFailure counts one absorbed eigen failure.
func (r *Recorder) NumericalFailure() {
	if r == nil {
		return
	}
	r.numericalFailures.Inc()
}

// FloodPops adds n queue pops.
func (r *Recorder) FloodPops(n int) {
	if r == nil {
		return
	}
	r.floodPops.Add(float64(n))
}

// ObserveRun records a finished run.
func (r *Recorder) ObserveRun(method string, regions int, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.regions.WithLabelValues(method).Observe(float64(regions))
	r.duration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// JobFinished counts a batch job outcome.
func (r *Recorder) JobFinished(method string, err error) {
	if r == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.jobs.WithLabelValues(method, status).Inc()
}

// WriteText dumps every metric family in the Prometheus text format.
func (r *Recorder) WriteText(w io.Writer) error {
	if r == nil {
		return nil
	}
	families, err := r.registry.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("writing metric %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

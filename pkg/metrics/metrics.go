// Package metrics records Prometheus metrics for model runs and exports them
// in the node-exporter textfile format.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for runs_total.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Recorder owns the run metrics on its own registry.
type Recorder struct {
	namespace        string
	histogramBuckets []float64
	registry         *prometheus.Registry

	runs          *prometheus.CounterVec
	mapsWritten   *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	lastRun       *prometheus.GaugeVec
}

// NewRecorder creates a recorder with default configuration.
func NewRecorder(opts ...Option) *Recorder {
	r := &Recorder{
		namespace:        "mrimicrofit",
		histogramBuckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 60, 300, 900, 3600},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.registry == nil {
		r.registry = prometheus.NewRegistry()
	}

	auto := promauto.With(r.registry)
	r.runs = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: r.namespace,
		Name:      "runs_total",
		Help:      "Total number of model runs by outcome",
	}, []string{"model", "outcome"})

	r.mapsWritten = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: r.namespace,
		Name:      "maps_written_total",
		Help:      "Total number of parameter maps written",
	}, []string{"model"})

	r.stageDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: r.namespace,
		Name:      "stage_duration_seconds",
		Help:      "Time spent reaching each run stage",
		Buckets:   r.histogramBuckets,
	}, []string{"model", "stage"})

	r.lastRun = auto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: r.namespace,
		Name:      "last_run_timestamp_seconds",
		Help:      "Unix time of the last finished run",
	}, []string{"model"})

	return r
}

// ObserveStage records the time a stage took.
func (r *Recorder) ObserveStage(model, stage string, d time.Duration) {
	r.stageDuration.WithLabelValues(model, stage).Observe(d.Seconds())
}

// MapWritten counts one persisted map.
func (r *Recorder) MapWritten(model string) {
	r.mapsWritten.WithLabelValues(model).Inc()
}

// RunFinished records a run outcome and stamps the finish time.
func (r *Recorder) RunFinished(model string, err error, at time.Time) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	r.runs.WithLabelValues(model, outcome).Inc()
	r.lastRun.WithLabelValues(model).Set(float64(at.Unix()))
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// WriteTextfile writes every metric to path in the Prometheus text format.
// The file is replaced atomically.
func (r *Recorder) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("%w: %v", ErrExport, err)
	}
	return nil
}

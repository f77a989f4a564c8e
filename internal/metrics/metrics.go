// Package metrics records per-run Prometheus metrics and writes them in the
// node_exporter textfile format.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/eugenetaranov/jumpexec/internal/inventory"
	"github.com/eugenetaranov/jumpexec/internal/report"
)

const namespace = "jumpexec"

// Recorder collects metrics for one invocation. It implements
// dispatcher.Observer and is safe for concurrent use.
type Recorder struct {
	mode     string
	registry *prometheus.Registry

	// TargetsTotal counts finished targets by status.
	TargetsTotal *prometheus.CounterVec

	// TargetDuration tracks the time spent on each target.
	TargetDuration *prometheus.HistogramVec

	// ErrorsTotal counts failed targets by error kind.
	ErrorsTotal *prometheus.CounterVec

	// FilesTotal counts uploaded and failed files.
	FilesTotal *prometheus.CounterVec

	// InFlight is the number of targets being processed.
	InFlight prometheus.Gauge
}

// New creates a recorder with its own registry. mode is attached as a
// constant label to every metric.
func New(mode string) *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	labels := prometheus.Labels{"mode": mode}

	return &Recorder{
		mode:     mode,
		registry: reg,
		TargetsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "targets",
				Name:        "total",
				Help:        "Total number of processed targets by status",
				ConstLabels: labels,
			},
			[]string{"status"},
		),
		TargetDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Subsystem:   "targets",
				Name:        "duration_seconds",
				Help:        "Time spent on one target in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~7m
			},
			[]string{"status"},
		),
		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "targets",
				Name:        "errors_total",
				Help:        "Total number of target errors by kind",
				ConstLabels: labels,
			},
			[]string{"kind"},
		),
		FilesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "upload",
				Name:        "files_total",
				Help:        "Total number of files by upload result",
				ConstLabels: labels,
			},
			[]string{"result"},
		),
		InFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Subsystem:   "targets",
				Name:        "in_flight",
				Help:        "Number of targets currently being processed",
				ConstLabels: labels,
			},
		),
	}
}

// Registry returns the registry holding the recorder's metrics.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// TargetStarted marks a target as in flight.
func (r *Recorder) TargetStarted(inventory.Target) {
	r.InFlight.Inc()
}

// TargetFinished records the outcome of a target.
func (r *Recorder) TargetFinished(rec report.Record, elapsed time.Duration) {
	r.InFlight.Dec()

	status := statusOf(rec)
	r.TargetsTotal.WithLabelValues(status).Inc()
	r.TargetDuration.WithLabelValues(status).Observe(elapsed.Seconds())

	if cause := rec.Cause(); cause != nil {
		r.ErrorsTotal.WithLabelValues(report.Kind(cause)).Inc()
	}

	if up, ok := rec.(*report.UploadResult); ok {
		r.FilesTotal.WithLabelValues("uploaded").Add(float64(len(up.Uploaded)))
		r.FilesTotal.WithLabelValues("failed").Add(float64(len(up.Failed)))
	}
}

// WriteFile writes the metrics to path in the textfile format.
func (r *Recorder) WriteFile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}

func statusOf(rec report.Record) string {
	if rec.Succeeded() {
		return "success"
	}
	return "failure"
}

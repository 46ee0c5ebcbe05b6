package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for gpusight self-monitoring.
// It uses a custom registry to avoid polluting the global default.
type Metrics struct {
	Registry *prometheus.Registry

	// Sampler metrics
	PollsTotal          *prometheus.CounterVec
	SamplesAppended     prometheus.Counter
	SamplesTruncated    prometheus.Counter
	CaptureDuration     prometheus.Histogram
	WorkloadExitsTotal  *prometheus.CounterVec
	SamplingIntervalSec prometheus.Gauge

	// Record metrics
	RecordBytesWritten prometheus.Histogram

	// Consolidation metrics
	LockWaitDuration  prometheus.Histogram
	StoreAppendsTotal *prometheus.CounterVec
	RowsMerged        prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all Prometheus metrics
// registered on a custom registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		PollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gpusight_sampler_polls_total",
			Help: "Total number of telemetry polls.",
		}, []string{"status"}),
		SamplesAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gpusight_sampler_samples_appended_total",
			Help: "Total number of metric samples appended to series.",
		}),
		SamplesTruncated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gpusight_sampler_samples_truncated_total",
			Help: "Total number of samples dropped by end-of-capture truncation.",
		}),
		CaptureDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gpusight_capture_duration_seconds",
			Help:    "Duration of complete capture sessions in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
		WorkloadExitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gpusight_workload_exits_total",
			Help: "Workload exits by outcome (success, failure, killed).",
		}, []string{"outcome"}),
		SamplingIntervalSec: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gpusight_sampling_interval_seconds",
			Help: "Effective sampling interval after clamping.",
		}),

		RecordBytesWritten: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gpusight_record_bytes_written",
			Help:    "Size of persisted per-rank records in bytes.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		}),

		LockWaitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gpusight_store_lock_wait_seconds",
			Help:    "Time spent waiting for the shared store advisory lock.",
			Buckets: prometheus.DefBuckets,
		}),
		StoreAppendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gpusight_store_appends_total",
			Help: "Shared store append attempts by status.",
		}, []string{"status"}),
		RowsMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gpusight_merge_rows_total",
			Help: "Total sample rows written by offline merge.",
		}),
	}

	reg.MustRegister(
		m.PollsTotal,
		m.SamplesAppended,
		m.SamplesTruncated,
		m.CaptureDuration,
		m.WorkloadExitsTotal,
		m.SamplingIntervalSec,
		m.RecordBytesWritten,
		m.LockWaitDuration,
		m.StoreAppendsTotal,
		m.RowsMerged,
	)

	return m
}

// Package metrics provides Prometheus metrics and tracing for harvest runs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the namespace for all staffdir metrics.
	Namespace = "staffdir"

	subsystemPipeline = "pipeline"
	subsystemRun      = "run"
)

// Metrics holds every Prometheus collector the service exports.
type Metrics struct {
	// Pipeline metrics
	TargetsProcessed *prometheus.CounterVec
	TargetDuration   *prometheus.HistogramVec
	MembersExtracted prometheus.Counter
	ChangesDetected  *prometheus.CounterVec
	SnapshotsPruned  prometheus.Counter

	// Run metrics
	RunsTotal    *prometheus.CounterVec
	RunActive    prometheus.Gauge
	RunsRejected prometheus.Counter
	ExportsTotal *prometheus.CounterVec
}

// New creates and registers the collectors on reg, or the default registerer
// when reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)
	m := &Metrics{}
	m.initPipelineMetrics(factory)
	m.initRunMetrics(factory)
	return m
}

func (m *Metrics) initPipelineMetrics(factory promauto.Factory) {
	m.TargetsProcessed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystemPipeline,
			Name:      "targets_processed_total",
			Help:      "Targets processed by outcome and fetch path",
		},
		[]string{"outcome", "fetch_path"},
	)

	m.TargetDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: subsystemPipeline,
			Name:      "target_duration_seconds",
			Help:      "Time spent processing one target",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2min
		},
		[]string{"outcome"},
	)

	m.MembersExtracted = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystemPipeline,
			Name:      "members_extracted_total",
			Help:      "Members stored in new snapshots",
		},
	)

	m.ChangesDetected = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystemPipeline,
			Name:      "changes_detected_total",
			Help:      "Roster changes detected between consecutive snapshots",
		},
		[]string{"kind"},
	)

	m.SnapshotsPruned = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystemPipeline,
			Name:      "snapshots_pruned_total",
			Help:      "Snapshots deleted by retention",
		},
	)
}

func (m *Metrics) initRunMetrics(factory promauto.Factory) {
	m.RunsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystemRun,
			Name:      "runs_total",
			Help:      "Completed runs by mode and whether they were stopped",
		},
		[]string{"mode", "stopped"},
	)

	m.RunActive = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: subsystemRun,
			Name:      "active",
			Help:      "1 while a run is in progress",
		},
	)

	m.RunsRejected = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystemRun,
			Name:      "rejected_total",
			Help:      "Run requests turned away because a run was active",
		},
	)

	m.ExportsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystemRun,
			Name:      "exports_total",
			Help:      "Post-run exports by status",
		},
		[]string{"status"},
	)
}

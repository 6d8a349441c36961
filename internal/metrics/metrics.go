package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "lorawan_ns"

var (
	// LatencyBuckets covers the range between a cache hit and a missed receive window
	LatencyBuckets = []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

	UplinksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "dispatcher",
			Name:      "uplinks_total",
			Help:      "Uplinks by message type and terminal status",
		},
		[]string{"mtype", "status", "reason"},
	)

	ProcessingDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "dispatcher",
			Name:      "processing_duration_seconds",
			Help:      "Time from arrival to completion of an uplink",
			Buckets:   LatencyBuckets,
		},
		[]string{"mtype"},
	)

	DownlinksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "dispatcher",
			Name:      "downlinks_total",
			Help:      "Downlinks handed to the transport",
		},
		[]string{"kind", "window"},
	)

	JoinsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "join",
			Name:      "requests_total",
			Help:      "Join requests by result",
		},
		[]string{"result"},
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Session address lookups by result",
		},
		[]string{"result"},
	)

	CachedSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "cache",
			Name:      "sessions",
			Help:      "Device sessions held in memory",
		},
	)

	DuplicatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "dedup",
			Name:      "duplicates_total",
			Help:      "Duplicate uplinks by stage and action",
		},
		[]string{"stage", "action"},
	)

	DirectoryCallDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "directory",
			Name:      "call_duration_seconds",
			Help:      "Directory call latency",
			Buckets:   LatencyBuckets,
		},
		[]string{"operation", "result"},
	)

	ADRChangesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "adr",
			Name:      "changes_total",
			Help:      "LinkADRReq commands issued",
		},
	)

	ADRRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "adr",
			Name:      "rejections_total",
			Help:      "LinkADRAns with at least one rejected field",
		},
	)

	TelemetryErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "integration",
			Name:      "publish_errors_total",
			Help:      "Failed telemetry publishes by sink",
		},
		[]string{"sink"},
	)
)

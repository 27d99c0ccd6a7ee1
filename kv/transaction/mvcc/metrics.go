package mvcc

import "github.com/prometheus/client_golang/prometheus"

var (
	versionWriteCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinytxn",
			Subsystem: "version_store",
			Name:      "writes_total",
			Help:      "Counter of versions appended.",
		})

	versionBytesGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tinytxn",
			Subsystem: "version_store",
			Name:      "bytes",
			Help:      "Approximate bytes held by row versions.",
		})

	updateConflictCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinytxn",
			Subsystem: "version_store",
			Name:      "update_conflicts_total",
			Help:      "Counter of update conflicts found at commit.",
		})

	gcVersionCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinytxn",
			Subsystem: "version_store",
			Name:      "gc_versions_total",
			Help:      "Counter of versions reclaimed by garbage collection.",
		})

	gcDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tinytxn",
			Subsystem: "version_store",
			Name:      "gc_duration_seconds",
			Help:      "Bucketed histogram of garbage collection pass time (s).",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		})

	invariantCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinytxn",
			Subsystem: "version_store",
			Name:      "invariant_violations_total",
			Help:      "Counter of broken version store invariants.",
		})
)

func init() {
	prometheus.MustRegister(versionWriteCounter)
	prometheus.MustRegister(versionBytesGauge)
	prometheus.MustRegister(updateConflictCounter)
	prometheus.MustRegister(gcVersionCounter)
	prometheus.MustRegister(gcDuration)
	prometheus.MustRegister(invariantCounter)
}

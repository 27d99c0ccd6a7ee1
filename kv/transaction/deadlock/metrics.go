package deadlock

import "github.com/prometheus/client_golang/prometheus"

var (
	deadlockCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinytxn",
			Subsystem: "deadlock",
			Name:      "victims_total",
			Help:      "Counter of transactions rolled back as deadlock victims.",
		})

	detectDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tinytxn",
			Subsystem: "deadlock",
			Name:      "detect_duration_seconds",
			Help:      "Bucketed histogram of deadlock detection run time (s).",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		})
)

func init() {
	prometheus.MustRegister(deadlockCounter)
	prometheus.MustRegister(detectDuration)
}

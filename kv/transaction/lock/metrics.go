package lock

import "github.com/prometheus/client_golang/prometheus"

var (
	lockRequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinytxn",
			Subsystem: "lock",
			Name:      "requests_total",
			Help:      "Counter of lock requests by mode and outcome.",
		}, []string{"mode", "result"})

	lockWaitHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tinytxn",
			Subsystem: "lock",
			Name:      "wait_duration_seconds",
			Help:      "Bucketed histogram of time (s) spent waiting for locks.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		})

	lockEscalationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinytxn",
			Subsystem: "lock",
			Name:      "escalations_total",
			Help:      "Counter of lock escalation attempts.",
		}, []string{"result"})
)

func init() {
	prometheus.MustRegister(lockRequestCounter)
	prometheus.MustRegister(lockWaitHistogram)
	prometheus.MustRegister(lockEscalationCounter)
}

package transaction

import "github.com/prometheus/client_golang/prometheus"

var (
	txnCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinytxn",
			Subsystem: "txn",
			Name:      "total",
			Help:      "Counter of finished transactions by isolation level and outcome.",
		}, []string{"level", "result"})

	txnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tinytxn",
			Subsystem: "txn",
			Name:      "duration_seconds",
			Help:      "Bucketed histogram of transaction lifetime.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 20),
		}, []string{"result"})

	commitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tinytxn",
			Subsystem: "txn",
			Name:      "commit_duration_seconds",
			Help:      "Bucketed histogram of commit latency, from latching to publication.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 20),
		})

	activeTxnGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tinytxn",
			Subsystem: "txn",
			Name:      "active",
			Help:      "Number of active transactions.",
		})

	commitSeqGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tinytxn",
			Subsystem: "txn",
			Name:      "published_commit_seq",
			Help:      "Last published commit sequence number.",
		})

	gcWatermarkGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tinytxn",
			Subsystem: "txn",
			Name:      "gc_watermark",
			Help:      "Watermark of the last version store collection.",
		})
)

func init() {
	prometheus.MustRegister(txnCounter)
	prometheus.MustRegister(txnDuration)
	prometheus.MustRegister(commitDuration)
	prometheus.MustRegister(activeTxnGauge)
	prometheus.MustRegister(commitSeqGauge)
	prometheus.MustRegister(gcWatermarkGauge)
}

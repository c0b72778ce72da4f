package manager

import "github.com/prometheus/client_golang/prometheus"

var (
	deadlockCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinytxn",
			Subsystem: "deadlock",
			Name:      "detected_total",
			Help:      "Counter of resolved wait-for cycles.",
		})

	detectDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tinytxn",
			Subsystem: "deadlock",
			Name:      "detect_duration_seconds",
			Help:      "Bucketed histogram of time (s) of a detection pass.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 15),
		})

	abortCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinytxn",
			Subsystem: "txn",
			Name:      "abort_total",
			Help:      "Counter of aborted transactions by reason.",
		}, []string{"policy", "reason"})

	outcomeCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinytxn",
			Subsystem: "txn",
			Name:      "outcome_total",
			Help:      "Counter of reported transaction outcomes.",
		}, []string{"decision"})

	activeTxnGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tinytxn",
			Subsystem: "txn",
			Name:      "live",
			Help:      "Number of unfinished transactions by state.",
		}, []string{"state"})

	lockWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tinytxn",
			Subsystem: "lock",
			Name:      "wait_duration_seconds",
			Help:      "Bucketed histogram of time (s) spent waiting for a lock.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, []string{"result"})

	commitDecisionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinytxn",
			Subsystem: "commit",
			Name:      "decision_total",
			Help:      "Counter of commit decisions by protocol.",
		}, []string{"protocol", "decision"})

	commitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tinytxn",
			Subsystem: "commit",
			Name:      "duration_seconds",
			Help:      "Bucketed histogram of time (s) of a commit round.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"protocol"})
)

func init() {
	prometheus.MustRegister(deadlockCounter)
	prometheus.MustRegister(detectDuration)
	prometheus.MustRegister(abortCounter)
	prometheus.MustRegister(outcomeCounter)
	prometheus.MustRegister(activeTxnGauge)
	prometheus.MustRegister(lockWaitDuration)
	prometheus.MustRegister(commitDecisionCounter)
	prometheus.MustRegister(commitDuration)
}

package reconcile

import "github.com/prometheus/client_golang/prometheus"

var (
	reconciliationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subsync",
		Subsystem: "reconcile",
		Name:      "runs_total",
		Help:      "Total reconciliation passes by outcome status (or error).",
	}, []string{"status"})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "subsync",
		Subsystem: "reconcile",
		Name:      "run_duration_seconds",
		Help:      "Duration of one reconciliation pass, provider call included.",
		Buckets:   prometheus.DefBuckets,
	})

	subscriptionWritesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subsync",
		Subsystem: "reconcile",
		Name:      "subscription_writes_total",
		Help:      "Corrective subscription writes by kind (reconcile, downgrade).",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(reconciliationsTotal, reconcileDuration, subscriptionWritesTotal)
}

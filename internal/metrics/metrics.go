// Package metrics exposes the Prometheus collectors of flowsyncd.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const Namespace = "flowsyncd"

// Result labels of a reconciliation run.
const (
	ResultSuccess   = "success"
	ResultFailure   = "failure"
	ResultCancelled = "cancelled"
)

var (
	ItemsPushed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "items_pushed_total",
		Help:      "Number of device RPCs that completed successfully",
	}, []string{"kind", "op"})

	ItemsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "items_failed_total",
		Help:      "Number of device RPCs rejected by the device or not delivered",
	}, []string{"kind", "op"})

	Reconciliations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "reconciliations_total",
		Help:      "Number of finished reconciliation runs by result",
	}, []string{"result"})

	ReconciliationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "reconciliation_duration_seconds",
		Help:      "Duration of reconciliation runs",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	GroupsForced = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "groups_forced_total",
		Help:      "Number of groups installed although a dependency was unresolved",
	})

	JobsPending = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "jobs_pending",
		Help:      "Number of queued jobs not yet started",
	}, []string{"queue"})
)

func init() {
	prometheus.MustRegister(ItemsPushed)
	prometheus.MustRegister(ItemsFailed)
	prometheus.MustRegister(Reconciliations)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(GroupsForced)
	prometheus.MustRegister(JobsPending)
}

// ItemDone records the outcome of one device RPC.
func ItemDone(kind, op string, ok bool) {
	if ok {
		ItemsPushed.WithLabelValues(kind, op).Inc()
		return
	}
	ItemsFailed.WithLabelValues(kind, op).Inc()
}

// ReconcileDone records a finished reconciliation run.
func ReconcileDone(result string, started time.Time) {
	Reconciliations.WithLabelValues(result).Inc()
	ReconciliationDuration.Observe(time.Since(started).Seconds())
}

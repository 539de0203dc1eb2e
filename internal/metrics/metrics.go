package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "deposit"

var (
	registerOnce sync.Once

	criticalUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "critical_update",
			Name:      "results_total",
			Help:      "Critical update invocations by resource kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	criticalAttempts = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "critical_update",
			Name:      "attempts",
			Help:      "Read-mutate-write attempts used per critical update.",
			Buckets:   []float64{1, 2, 3, 5, 8},
		},
		[]string{"kind"},
	)
	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "transitions_total",
			Help:      "Deposit status transitions issued by orchestration runs.",
		},
		[]string{"repository", "phase", "status"},
	)
	sendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "send_duration_seconds",
			Help:      "Package transmission duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"protocol", "success"},
	)
	reachable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "repository_reachable",
			Help:      "1 when the last connectivity probe to the repository succeeded.",
		},
		[]string{"repository", "protocol"},
	)
	escalations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "escalation",
			Name:      "handled_total",
			Help:      "Escalated errors by referenced resource kind and action taken.",
		},
		[]string{"kind", "action"},
	)
	sweeps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "resources_total",
			Help:      "Resources handled by reconciliation sweeps.",
		},
		[]string{"sweep", "result"},
	)
	sweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "sweep_duration_seconds",
			Help:      "Reconciliation sweep duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"sweep"},
	)
)

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			criticalUpdates,
			criticalAttempts,
			transitions,
			sendDuration,
			reachable,
			escalations,
			sweeps,
			sweepDuration,
		)
	})
}

func RecordCriticalUpdate(kind, outcome string, attempts int) {
	criticalUpdates.WithLabelValues(kind, outcome).Inc()
	if attempts > 0 {
		criticalAttempts.WithLabelValues(kind).Observe(float64(attempts))
	}
}

func RecordTransition(repository, phase, status string) {
	transitions.WithLabelValues(repository, phase, status).Inc()
}

func RecordSend(protocol string, success bool, duration time.Duration) {
	label := "false"
	if success {
		label = "true"
	}
	sendDuration.WithLabelValues(protocol, label).Observe(duration.Seconds())
}

func RecordReachability(repository, protocol string, ok bool) {
	v := 0.0
	if ok {
		v = 1
	}
	reachable.WithLabelValues(repository, protocol).Set(v)
}

func RecordEscalation(kind, action string) {
	escalations.WithLabelValues(kind, action).Inc()
}

func RecordSweep(sweep, result string, n int) {
	if n <= 0 {
		return
	}
	sweeps.WithLabelValues(sweep, result).Add(float64(n))
}

func ObserveSweep(sweep string, duration time.Duration) {
	sweepDuration.WithLabelValues(sweep).Observe(duration.Seconds())
}

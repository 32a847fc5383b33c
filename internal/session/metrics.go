package session

import "github.com/prometheus/client_golang/prometheus"

const namespace = "tunnelcore"

var (
	sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "sessions_active",
		Help:      "Current count of live, non-disposed sessions",
	})
	sessionsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "sessions_created_total",
		Help:      "Total count of sessions successfully created",
	})
	recoveriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "recoveries_total",
		Help:      "Total count of successful session recoveries from the access authority",
	})
	recoveryFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "recovery_failures_total",
		Help:      "Total count of session recovery attempts that ended in a dead/cached-failure session",
	})
)

func init() {
	prometheus.MustRegister(sessionsActive, sessionsCreatedTotal, recoveriesTotal, recoveryFailuresTotal)
}

package udpproxy

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tunnelcore"

var (
	activeWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "udp_proxy",
		Name:      "active_workers",
		Help:      "Concurrent count of UDP proxy workers across all pools",
	})
	workersCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "udp_proxy",
		Name:      "workers_created_total",
		Help:      "Total count of UDP proxy workers ever created",
	})
	quotaExceededTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "udp_proxy",
		Name:      "quota_exceeded_total",
		Help:      "Total count of allocation attempts rejected by the worker quota",
	})
)

func init() {
	prometheus.MustRegister(activeWorkers, workersCreatedTotal, quotaExceededTotal)
}

func incrementWorkerCreated() {
	workersCreatedTotal.Inc()
	activeWorkers.Inc()
}

func decrementActiveWorkers(n int) {
	activeWorkers.Sub(float64(n))
}

func incrementQuotaExceeded() {
	quotaExceededTotal.Inc()
}

package rpcguard

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the guard.
type Metrics struct {
	Requests     *prometheus.CounterVec
	CircuitState prometheus.Gauge
	CacheSize    prometheus.GaugeFunc
	RateLimited  prometheus.Counter
}

// NewMetrics registers guard metrics under the given namespace with the
// default registry. Call at most once per process.
func NewMetrics(namespace string, guard *Guard) *Metrics {
	return &Metrics{
		Requests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpcguard",
			Name:      "requests_total",
			Help:      "RPC guard requests by outcome",
		}, []string{"outcome"}),
		CircuitState: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rpcguard",
			Name:      "circuit_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		CacheSize: promauto.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rpcguard",
			Name:      "cache_entries",
			Help:      "Number of cached upstream responses",
		}, func() float64 {
			return float64(guard.cache.size())
		}),
		RateLimited: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpcguard",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the local rate limiter",
		}),
	}
}

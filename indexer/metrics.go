package indexer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the indexer.
type Metrics struct {
	ChainHead     prometheus.Gauge
	Checkpoint    prometheus.Gauge
	EventsIndexed prometheus.Counter
	BatchErrors   prometheus.Counter
}

// NewMetrics registers indexer metrics under the given namespace with the
// default registry. Call at most once per process.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ChainHead: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "indexer",
			Name:      "chain_head",
			Help:      "Latest observed chain head height",
		}),
		Checkpoint: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "indexer",
			Name:      "checkpoint",
			Help:      "Last fully processed block height",
		}),
		EventsIndexed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "indexer",
			Name:      "events_indexed_total",
			Help:      "Newly stored events",
		}),
		BatchErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "indexer",
			Name:      "batch_errors_total",
			Help:      "Failed sync iterations",
		}),
	}
}

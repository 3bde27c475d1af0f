package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the gateway.
type Metrics struct {
	ClientsConnected  prometheus.Gauge
	ActivePatterns    prometheus.Gauge
	MessagesDelivered prometheus.Counter
	MessagesDropped   prometheus.Counter
}

// NewMetrics creates and registers gateway metrics.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "relay"
	}

	return &Metrics{
		ClientsConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "clients_connected",
			Help:      "Current number of connected websocket clients",
		}),
		ActivePatterns: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "active_patterns",
			Help:      "Current number of distinct pattern subscriptions (equals upstream broker subscriptions)",
		}),
		MessagesDelivered: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "messages_delivered_total",
			Help:      "Total messages delivered to clients",
		}),
		MessagesDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "messages_dropped_total",
			Help:      "Total messages dropped due to slow consumers",
		}),
	}
}

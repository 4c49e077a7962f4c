package bridge

import "github.com/prometheus/client_golang/prometheus"

// relayMetrics are the Prometheus series a Relay exposes (SPEC_FULL §C.1:
// transports that can, expose connection/throughput counters for an
// operator's /metrics endpoint). They are created unregistered so that
// multiple Relay instances (one per test, or one per room shard) can
// coexist; call Register to attach one to a prometheus.Registerer.
type relayMetrics struct {
	connectionsActive prometheus.Gauge
	messagesRelayed   prometheus.Counter
}

func newRelayMetrics() *relayMetrics {
	return &relayMetrics{
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "syncstate",
			Subsystem: "bridge",
			Name:      "connections_active",
			Help:      "Number of currently connected bridge sockets (members and observers).",
		}),
		messagesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "syncstate",
			Subsystem: "bridge",
			Name:      "messages_relayed_total",
			Help:      "Total number of messages relayed between bridge members.",
		}),
	}
}

// Register attaches this relay's metrics to reg; cmd/server passes a
// dedicated prometheus.NewRegistry served through promhttp.HandlerFor.
func (rl *Relay) Register(reg prometheus.Registerer) error {
	if err := reg.Register(rl.metrics.connectionsActive); err != nil {
		return err
	}
	return reg.Register(rl.metrics.messagesRelayed)
}

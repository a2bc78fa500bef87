// Package metrics holds the Prometheus collectors exported by a room node.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons recorded on the dropped counter.
const (
	ReasonMalformed   = "malformed"
	ReasonUnknownTag  = "unknown_tag"
	ReasonRateLimited = "rate_limited"
	ReasonBusClosed   = "bus_closed"
)

// Bridge counts traffic crossing between the local bus and the gossip channel.
type Bridge struct {
	Outbound        prometheus.Counter
	Inbound         *prometheus.CounterVec
	Dropped         *prometheus.CounterVec
	PublishFailures prometheus.Counter
	Lagged          prometheus.Counter
}

func NewBridge(namespace string) *Bridge {
	if namespace == "" {
		namespace = "room"
	}
	return &Bridge{
		Outbound: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "outbound_total",
			Help:      "Envelopes published from the local bus to the gossip channel.",
		}),
		Inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "inbound_total",
			Help:      "Gossip messages republished on the local bus, by inner topic.",
		}, []string{"topic"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "dropped_total",
			Help:      "Messages the bridge discarded, by reason.",
		}, []string{"reason"}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "publish_failures_total",
			Help:      "Gossip publishes rejected by the substrate.",
		}),
		Lagged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "lagged_total",
			Help:      "Bus messages the bridge missed because it fell behind.",
		}),
	}
}

// Register adds every collector to reg. Collectors already registered are
// tolerated so a node can be restarted against the same registry.
func (b *Bridge) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{b.Outbound, b.Inbound, b.Dropped, b.PublishFailures, b.Lagged} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

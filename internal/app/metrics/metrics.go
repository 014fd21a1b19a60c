// Package metrics holds the relay's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Relay is nil-safe: every method is a no-op on a nil receiver so the relay
// can run with metrics disabled.
type Relay struct {
	joins     prometheus.Counter
	leaves    *prometheus.CounterVec
	forwarded *prometheus.CounterVec
	dropped   *prometheus.CounterVec
	members   prometheus.Gauge
}

// NewRelay registers the relay collectors on reg. rooms reports the current
// number of rooms when scraped.
func NewRelay(reg prometheus.Registerer, rooms func() int) *Relay {
	f := promauto.With(reg)
	if rooms != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "mesh_relay_rooms",
			Help: "Rooms with at least one member.",
		}, func() float64 { return float64(rooms()) })
	}
	return &Relay{
		joins: f.NewCounter(prometheus.CounterOpts{
			Name: "mesh_relay_joins_total",
			Help: "Accepted joinRoom requests.",
		}),
		leaves: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_relay_leaves_total",
			Help: "Members removed from a room.",
		}, []string{"reason"}),
		forwarded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_relay_forwarded_total",
			Help: "Routed signaling messages delivered to the send queue.",
		}, []string{"kind"}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_relay_dropped_total",
			Help: "Routed signaling messages dropped.",
		}, []string{"kind", "reason"}),
		members: f.NewGauge(prometheus.GaugeOpts{
			Name: "mesh_relay_members",
			Help: "Members across all rooms.",
		}),
	}
}

func (m *Relay) Joined(replaced bool) {
	if m == nil {
		return
	}
	m.joins.Inc()
	if !replaced {
		m.members.Inc()
	}
}

func (m *Relay) Left(reason string) {
	if m == nil {
		return
	}
	m.leaves.WithLabelValues(reason).Inc()
	m.members.Dec()
}

func (m *Relay) Forwarded(kind string) {
	if m == nil {
		return
	}
	m.forwarded.WithLabelValues(kind).Inc()
}

func (m *Relay) Dropped(kind, reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(kind, reason).Inc()
}

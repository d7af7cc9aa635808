package metrics

import "github.com/prometheus/client_golang/prometheus"

func (m *Manager) initLiveMetrics() {
	m.liveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "live_connections",
			Help: "Current number of open live-update connections by channel",
		},
		[]string{"channel"},
	)

	m.liveDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "live_deliveries_total",
			Help: "Total number of payloads queued to live-update connections",
		},
		[]string{"channel"},
	)

	m.liveDeliveryFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "live_delivery_failures_total",
			Help: "Total number of payloads that could not be queued to a connection",
		},
		[]string{"channel", "reason"},
	)

	m.liveRelayDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "live_relay_dropped_total",
			Help: "Total number of inbound relay frames dropped by rate limiting",
		},
	)

	m.registry.MustRegister(m.liveConnections)
	m.registry.MustRegister(m.liveDeliveries)
	m.registry.MustRegister(m.liveDeliveryFailures)
	m.registry.MustRegister(m.liveRelayDropped)
}

// RecordLiveDelivery counts one payload queued on channel.
func (m *Manager) RecordLiveDelivery(channel string) {
	if !m.enabled {
		return
	}
	m.liveDeliveries.WithLabelValues(channel).Inc()
}

// RecordLiveDeliveryFailure counts one payload dropped on channel.
func (m *Manager) RecordLiveDeliveryFailure(channel, reason string) {
	if !m.enabled {
		return
	}
	m.liveDeliveryFailures.WithLabelValues(channel, reason).Inc()
}

// IncLiveConnections marks a live connection opened on channel.
func (m *Manager) IncLiveConnections(channel string) {
	if !m.enabled {
		return
	}
	m.liveConnections.WithLabelValues(channel).Inc()
}

// DecLiveConnections marks a live connection closed on channel.
func (m *Manager) DecLiveConnections(channel string) {
	if !m.enabled {
		return
	}
	m.liveConnections.WithLabelValues(channel).Dec()
}

// RecordRelayDropped counts one rate-limited relay frame.
func (m *Manager) RecordRelayDropped() {
	if !m.enabled {
		return
	}
	m.liveRelayDropped.Inc()
}

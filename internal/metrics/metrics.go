// Package metrics holds the Prometheus collectors exported by the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "notifyrelay"

// Label values shared by several collectors.
const (
	ResultCacheHit = "cache_hit"
	ResultOK       = "ok"
	ResultFailed   = "failed"
	ResultAccepted = "accepted"
	ResultRejected = "rejected"
)

// Metrics groups every collector so components can be handed a single value
// and tests can register against an isolated registry.
type Metrics struct {
	Connections      prometheus.Gauge
	Authenticated    prometheus.Gauge
	Subscriptions    prometheus.Gauge
	PendingMessages  prometheus.Gauge
	Delivered        prometheus.Counter
	Dropped          prometheus.Counter
	Malformed        prometheus.Counter
	BrokerReconnects prometheus.Counter
	AuthResolutions  *prometheus.CounterVec
	Acknowledgements *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg falls
// back to prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Number of open client connections.",
		}),
		Authenticated: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "authenticated_connections",
			Help:      "Number of client connections bound to a user.",
		}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions",
			Help:      "Number of users with an active queue subscription.",
		}),
		PendingMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_messages",
			Help:      "Messages delivered to the relay and not yet acknowledged.",
		}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_delivered_total",
			Help:      "Message frames queued to client connections.",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames dropped because a connection's send buffer was full.",
		}),
		Malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_malformed_total",
			Help:      "Broker payloads discarded because they could not be decoded.",
		}),
		BrokerReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_reconnects_total",
			Help:      "Abnormal broker connection losses followed by a reconnect.",
		}),
		AuthResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_resolutions_total",
			Help:      "Session resolutions by result.",
		}, []string{"result"}),
		Acknowledgements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acknowledgements_total",
			Help:      "Client acknowledgements by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.Connections,
		m.Authenticated,
		m.Subscriptions,
		m.PendingMessages,
		m.Delivered,
		m.Dropped,
		m.Malformed,
		m.BrokerReconnects,
		m.AuthResolutions,
		m.Acknowledgements,
	)
	return m
}

// NewUnregistered returns collectors that are not exported anywhere.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}

package notification

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeListeners = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "notify_active_listeners",
		Help: "Number of listeners currently registered with the broadcaster.",
	})

	activeSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "notify_active_sessions",
		Help: "Number of open streaming sessions by transport.",
	}, []string{"transport"})

	eventsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notify_events_delivered_total",
		Help: "Events handed to listeners or written to streams, by kind.",
	}, []string{"kind"})

	listenerFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notify_listener_failures_total",
		Help: "Listener invocations that returned an error or panicked.",
	})

	sessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notify_sessions_closed_total",
		Help: "Closed streaming sessions by reason.",
	}, []string{"reason"})

	relayDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notify_relay_dropped_total",
		Help: "Envelopes that could not be forwarded to the relay.",
	})
)

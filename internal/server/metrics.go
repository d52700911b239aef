package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus collectors, registered on the default registry and exposed by
// the admin HTTP API's /metrics endpoint.
var (
	metricConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "parley_connections_active",
		Help: "Currently open client connections.",
	})

	metricConnectionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_connections_accepted_total",
		Help: "Connections accepted since start.",
	})

	metricMessagesPersisted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_messages_persisted_total",
		Help: "Chat messages written to storage.",
	}, []string{"kind"})

	metricFramesBroadcast = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_broadcast_frames_total",
		Help: "Frames written during channel and global fan-out.",
	})

	metricAuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_auth_failures_total",
		Help: "Failed register/login attempts.",
	})

	metricRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_rate_limited_total",
		Help: "Chat operations denied by the rate limiter.",
	})
)

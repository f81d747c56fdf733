// internal/relay/metrics.go
package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "duelink_relay_sessions_created_total",
		Help: "Signaling sessions created.",
	})
	sessionsJoined = promauto.NewCounter(prometheus.CounterOpts{
		Name: "duelink_relay_sessions_joined_total",
		Help: "Clients joined to a session.",
	})
	sessionsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "duelink_relay_sessions_deleted_total",
		Help: "Sessions explicitly torn down.",
	})
	sessionNotFound = promauto.NewCounter(prometheus.CounterOpts{
		Name: "duelink_relay_session_not_found_total",
		Help: "Lookups that hit an unknown or expired session.",
	})
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "duelink_relay_active_sessions",
		Help: "Sessions created minus sessions deleted. Expired-but-unswept sessions are included.",
	})
)

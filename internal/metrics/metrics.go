// Package metrics exposes prometheus instruments for the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arena_active_connections",
		Help: "Currently connected websocket clients.",
	})
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arena_active_sessions",
		Help: "Live game sessions, waiting included.",
	})
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_sessions_started_total",
		Help: "Sessions that reached IN_PROGRESS.",
	})
	SessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_sessions_ended_total",
		Help: "Sessions retired, by terminal status.",
	}, []string{"status"})
	MovesCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_moves_committed_total",
		Help: "Moves accepted and broadcast.",
	})
	MovesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_moves_rejected_total",
		Help: "Moves rejected, by reason.",
	}, []string{"reason"})
	SessionsResumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_sessions_resumed_total",
		Help: "Sessions reconstructed from storage by replay.",
	})
)

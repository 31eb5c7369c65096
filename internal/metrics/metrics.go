// Package metrics declares the prometheus instruments for the coordination
// server. Naming convention: phira_mp_<subsystem>_<name>.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions is the current number of authenticated sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "phira_mp",
		Subsystem: "session",
		Name:      "active",
		Help:      "Current number of authenticated sessions",
	})

	// ActiveRooms is the current number of live rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "phira_mp",
		Subsystem: "room",
		Name:      "active",
		Help:      "Current number of live rooms",
	})

	// ActiveObservers is the current number of WebSocket observers.
	ActiveObservers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "phira_mp",
		Subsystem: "observer",
		Name:      "active",
		Help:      "Current number of connected observers",
	})

	// FramesTotal counts processed protocol frames by direction and outcome.
	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "phira_mp",
		Subsystem: "protocol",
		Name:      "frames_total",
		Help:      "Protocol frames processed",
	}, []string{"direction", "outcome"})

	// AuthFailuresTotal counts failed handshakes by reason.
	AuthFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "phira_mp",
		Subsystem: "auth",
		Name:      "failures_total",
		Help:      "Failed authentication handshakes",
	}, []string{"reason"})

	// GamesFinishedTotal counts game instances that reached Results.
	GamesFinishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "phira_mp",
		Subsystem: "room",
		Name:      "games_finished_total",
		Help:      "Game instances that reached the Results state",
	})
)

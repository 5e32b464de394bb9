package hibernator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ServerState reports the current state of each managed server as a
	// gauge, one time series per known state value, set to 1 for the active
	// state and 0 for all others — the usual Prometheus "state as enum"
	// encoding.
	ServerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "slumber_server_state",
			Help: "1 if the server is currently in this state, 0 otherwise.",
		},
		[]string{"server", "state"},
	)

	// PlayersOnline/PlayersMax mirror the controller's last-known stats for
	// each server, cached across poll failures.
	PlayersOnline = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "slumber_players_online",
			Help: "Last known online player count for the server.",
		},
		[]string{"server"},
	)
	PlayersMax = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "slumber_players_max",
			Help: "Last known max player count for the server.",
		},
		[]string{"server"},
	)

	// IdleSeconds is how long the server has been idle, 0 while occupied or
	// not online at all.
	IdleSeconds = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "slumber_idle_seconds",
			Help: "Seconds the server has been idle with no players, 0 if not currently idle.",
		},
		[]string{"server"},
	)

	// StartsTotal/StopsTotal count lifecycle actions issued to the
	// controller: starts by the proxy manager's port-handover, stops by the
	// orchestrator's idle-shutdown check.
	StartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slumber_starts_total",
			Help: "Total number of start requests issued to the controller.",
		},
		[]string{"server", "result"}, // result: "success" or "error"
	)
	StopsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slumber_stops_total",
			Help: "Total number of idle-triggered stop requests issued to the controller.",
		},
		[]string{"server", "result"},
	)

	// ProtocolSessionsTotal counts impersonator sessions handled by edition
	// and outcome, distinguishing status pings from login-triggered wakes.
	ProtocolSessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slumber_protocol_sessions_total",
			Help: "Total impersonator sessions handled, by edition and outcome.",
		},
		[]string{"server", "edition", "outcome"}, // outcome: "status", "wake", "error"
	)
)

// allStates lists every ServerState value so RecordServerState can zero out
// the states the server is not currently in, keeping stale series from
// lingering at 1 after a transition.
var allStates = []State{
	StateUnknown, StateStopped, StateStarting, StateOnline, StateIdle, StateStopping, StateCrashed,
}

// RecordServerState sets the enum-style state gauge for a server, zeroing
// every other known state.
func RecordServerState(server string, current State) {
	for _, s := range allStates {
		v := 0.0
		if s == current {
			v = 1.0
		}
		ServerState.WithLabelValues(server, string(s)).Set(v)
	}
}

// RecordStats updates the cached player-count and idle-duration gauges for a server.
func RecordStats(server string, online, max int, idleSeconds float64) {
	PlayersOnline.WithLabelValues(server).Set(float64(online))
	PlayersMax.WithLabelValues(server).Set(float64(max))
	IdleSeconds.WithLabelValues(server).Set(idleSeconds)
}

// RecordStart bumps the start-attempt counter for a server.
func RecordStart(server string, success bool) {
	result := "error"
	if success {
		result = "success"
	}
	StartsTotal.WithLabelValues(server, result).Inc()
}

// RecordStop bumps the idle-stop counter for a server.
func RecordStop(server string, success bool) {
	result := "error"
	if success {
		result = "success"
	}
	StopsTotal.WithLabelValues(server, result).Inc()
}

// RecordProtocolSession bumps the impersonator session counter.
func RecordProtocolSession(server string, edition Edition, outcome string) {
	ProtocolSessionsTotal.WithLabelValues(server, string(edition), outcome).Inc()
}

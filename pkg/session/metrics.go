package session

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for session metrics.
const (
	outcomeSuccess    = "success"
	outcomeRejected   = "rejected"
	outcomeNetwork    = "network_error"
	outcomeValidation = "validation_error"
	outcomeSuperseded = "superseded"
)

// Authentications counts login and register attempts by outcome.
// Use RegisterMetrics to register this with a Prometheus registry.
var Authentications = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sessionkit_authentications_total",
		Help: "Total number of login and register attempts",
	},
	[]string{"operation", "outcome"},
)

// Refreshes counts token refresh attempts by outcome.
var Refreshes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sessionkit_refreshes_total",
		Help: "Total number of token refresh attempts",
	},
	[]string{"outcome"},
)

// ForcedLogouts counts sessions cleared without an explicit logout call.
var ForcedLogouts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sessionkit_forced_logouts_total",
		Help: "Total number of forced logouts",
	},
	[]string{"reason"},
)

// SessionState exposes the manager's current state as a numeric gauge
// (see State constants for the mapping).
var SessionState = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "sessionkit_session_state",
		Help: "Current session state (0=anonymous 1=authenticating 2=authenticated 3=refreshing 4=expired)",
	},
)

// RegisterMetrics registers session metrics with the given registry.
// Panics if registration fails (following prometheus convention).
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(Authentications)
	reg.MustRegister(Refreshes)
	reg.MustRegister(ForcedLogouts)
	reg.MustRegister(SessionState)
}

func recordAuth(operation, outcome string) {
	Authentications.WithLabelValues(operation, outcome).Inc()
}

func recordRefresh(outcome string) {
	Refreshes.WithLabelValues(outcome).Inc()
}

func recordForcedLogout(reason string) {
	ForcedLogouts.WithLabelValues(reason).Inc()
}

func recordState(s State) {
	SessionState.Set(float64(s))
}

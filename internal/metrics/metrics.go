// Package metrics exposes the supervisor's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Processes tracks how many managed processes are in each state.
	Processes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "openlist_service",
		Name:      "processes",
		Help:      "Managed processes by state.",
	}, []string{"state"})

	StartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "openlist_service",
		Name:      "starts_total",
		Help:      "Successful process starts, operator and auto-restart alike.",
	})

	StopsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "openlist_service",
		Name:      "stops_total",
		Help:      "Operator-initiated stops.",
	})

	RestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "openlist_service",
		Name:      "restarts_total",
		Help:      "Involuntary restart attempts.",
	})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "openlist_service",
		Name:      "http_requests_total",
		Help:      "Control-plane requests by status code.",
	}, []string{"code"})
)

// SetStates replaces the per-state process gauge with counts.
func SetStates(counts map[string]int) {
	Processes.Reset()
	for state, n := range counts {
		Processes.WithLabelValues(state).Set(float64(n))
	}
}

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }

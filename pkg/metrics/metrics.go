package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Work loop metrics
	LoopState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nosana_loop_state",
			Help: "Current work loop state (1 for the active state, 0 otherwise)",
		},
		[]string{"state"},
	)

	LoopTicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nosana_loop_ticks_total",
			Help: "Total number of work loop ticks",
		},
	)

	// Job metrics
	JobsFinishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nosana_jobs_finished_total",
			Help: "Total number of runs settled with a finish transaction",
		},
	)

	JobsQuitTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nosana_jobs_quit_total",
			Help: "Total number of runs settled with a quit transaction",
		},
	)

	OpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nosana_op_duration_seconds",
			Help:    "Flow op execution time in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
		[]string{"op"},
	)

	// Health metrics
	HealthChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nosana_health_checks_total",
			Help: "Total number of work loop ticks by the health verdict they observed",
		},
		[]string{"status"},
	)

	// Chain metrics
	RPCErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nosana_rpc_errors_total",
			Help: "Total number of chain or blob store errors dropped by the loop",
		},
	)

	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nosana_transactions_total",
			Help: "Total number of submitted transactions by instruction and outcome",
		},
		[]string{"instruction", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		LoopState,
		LoopTicksTotal,
		JobsFinishedTotal,
		JobsQuitTotal,
		OpDuration,
		HealthChecksTotal,
		RPCErrorsTotal,
		TransactionsTotal,
	)
}

// SetLoopState marks one state active and clears the rest.
func SetLoopState(active string, all []string) {
	for _, state := range all {
		value := 0.0
		if state == active {
			value = 1.0
		}
		LoopState.WithLabelValues(state).Set(value)
	}
}

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

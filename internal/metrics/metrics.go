package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MatchesCreated counts created matches by mode
	MatchesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quizarena_matches_created_total",
			Help: "Total number of matches created",
		},
		[]string{"mode"},
	)

	// MatchesTerminated counts matches reaching a terminal status
	MatchesTerminated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quizarena_matches_terminated_total",
			Help: "Total number of matches that reached a terminal status",
		},
		[]string{"mode", "status"},
	)

	// EscrowMovements counts wallet debits and credits issued by the engine
	EscrowMovements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quizarena_escrow_movements_total",
			Help: "Total number of escrow debits and credits",
		},
		[]string{"kind"},
	)

	// EscrowAmount sums moved money in minor units
	EscrowAmount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quizarena_escrow_amount_total",
			Help: "Total escrow amount moved, in minor currency units",
		},
		[]string{"kind"},
	)

	// JoinConflicts counts joins that lost a race or hit a closed lobby
	JoinConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quizarena_join_conflicts_total",
			Help: "Total number of join attempts rejected as not joinable",
		},
	)

	// SettlementInconsistencies counts settlements halted because payouts did not reconcile.
	// Any increase needs operator attention.
	SettlementInconsistencies = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quizarena_settlement_inconsistencies_total",
			Help: "Total number of settlements halted for failing reconciliation",
		},
	)

	// SweepActions counts sweeper actions by kind and result
	SweepActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quizarena_sweep_actions_total",
			Help: "Total number of sweeper actions",
		},
		[]string{"action", "result"},
	)

	// SweepDuration measures one sweep pass
	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quizarena_sweep_duration_seconds",
			Help:    "Duration of one sweep pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// RequestCounter counts HTTP requests by status code, method, and path
	RequestCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quizarena_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"status", "method", "path"},
	)

	// RequestDuration measures HTTP request duration
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quizarena_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status", "method", "path"},
	)
)

// RecordEscrow records one wallet movement of amount minor units.
func RecordEscrow(kind string, amount int64) {
	EscrowMovements.WithLabelValues(kind).Inc()
	EscrowAmount.WithLabelValues(kind).Add(float64(amount))
}

// ObserveSweep records the duration of a sweep that started at startTime.
func ObserveSweep(startTime time.Time) {
	SweepDuration.Observe(time.Since(startTime).Seconds())
}

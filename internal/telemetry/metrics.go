// Package telemetry exposes Prometheus metrics for the hotpath and coldpath
// engines, generalizing the teacher's metrics.go (bot_orders_total,
// bot_trades_total, bot_equity_usd, ...) from a single trading bot's
// counters onto the position-engine's own operations: trades processed,
// optimistic-retry counts, replay runs, and queue depths.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

var (
	// TradesProcessed counts trades fully committed, split by path and
	// outcome, mirroring the teacher's bot_trades_total{result}.
	TradesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swapengine_trades_processed_total",
			Help: "Trades committed, split by path (hotpath/coldpath) and outcome (applied/rejected/duplicate).",
		},
		[]string{"path", "outcome"},
	)

	// HotpathRetries counts hotpath commit attempts (§4.5): result="retry"
	// once per optimistic conflict that triggers another attempt, and
	// result="success" once per trade whose commit lands.
	HotpathRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swapengine_hotpath_retries_total",
			Help: "Optimistic-concurrency retries consumed on the hotpath.",
		},
		[]string{"result"},
	)

	// HotpathLatency tracks end-to-end hotpath processing latency, the
	// bounded-latency SLA in §4.3.
	HotpathLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "swapengine_hotpath_latency_seconds",
			Help:    "Hotpath trade processing latency from receipt to commit.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ColdpathReplayDuration tracks full chronological replay runs (§5).
	ColdpathReplayDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "swapengine_coldpath_replay_duration_seconds",
			Help:    "Coldpath replay duration per positionKey.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"outcome"},
	)

	// UPITransitions counts UPI lifecycle transitions (§5.4), split by type.
	UPITransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swapengine_upi_transitions_total",
			Help: "UPI lifecycle transitions by change type.",
		},
		[]string{"change_type"},
	)

	// ContractRulesCacheResult counts contract-rules cache lookups, split by
	// hit/miss/timeout/fallback (§4.6 read-through cache with hard timeout).
	ContractRulesCacheResult = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swapengine_contract_rules_cache_total",
			Help: "Contract rules cache lookups by result.",
		},
		[]string{"result"},
	)

	// DLQMessages counts messages routed to the dead-letter stream (§6).
	DLQMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swapengine_dlq_messages_total",
			Help: "Messages routed to the dead-letter stream, by reason.",
		},
		[]string{"reason"},
	)
)

// MustRegister registers every collector in this package against reg. A
// nil reg registers against the default Prometheus registry, matching the
// teacher's init()-time registration in metrics.go.
func MustRegister(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		TradesProcessed,
		HotpathRetries,
		HotpathLatency,
		ColdpathReplayDuration,
		UPITransitions,
		ContractRulesCacheResult,
		DLQMessages,
	)
}

// Package metrics registers the Prometheus instrumentation every
// runtime component reports through. Dashboards consuming this are
// out of the core's scope; only the instrumentation itself lives here.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry is the package-level registry every collector below is
// registered against. Nothing in this module serves it over HTTP.
var Registry = prometheus.NewRegistry()

var (
	LoopIterations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ecocore_loop_iterations_total",
		Help: "Total loop iterations by owner id and outcome.",
	}, []string{"owner_id", "outcome"})

	LoopRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ecocore_loop_restarts_total",
		Help: "Total supervisor-issued restarts by agent id.",
	}, []string{"agent_id"})

	LoopPermanentDeaths = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ecocore_loop_permanent_deaths_total",
		Help: "Total permanent deaths by agent id and death type.",
	}, []string{"agent_id", "death_type"})

	LedgerTransfers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ecocore_ledger_transfers_total",
		Help: "Total successful scrip transfers.",
	}, []string{"from", "to"})

	LedgerTransferVolume = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ecocore_ledger_transfer_volume_total",
		Help: "Total scrip moved by transfer_scrip.",
	})

	RateLimiterDenials = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ecocore_rate_limiter_denials_total",
		Help: "Total consume() calls denied for lack of capacity.",
	}, []string{"resource"})

	SandboxTimeouts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ecocore_sandbox_timeouts_total",
		Help: "Total sandbox executions that exceeded their wall-clock timeout.",
	}, []string{"artifact_id"})

	AuctionRounds = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ecocore_auction_rounds_total",
		Help: "Total mint auction rounds resolved.",
	})

	APICostCumulative = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ecocore_api_cost_cumulative_dollars",
		Help: "Cumulative dollar cost tracked against the global budget.",
	})
)

func init() {
	Registry.MustRegister(
		LoopIterations,
		LoopRestarts,
		LoopPermanentDeaths,
		LedgerTransfers,
		LedgerTransferVolume,
		RateLimiterDenials,
		SandboxTimeouts,
		AuctionRounds,
		APICostCumulative,
	)
}

// Package metrics registers the Prometheus collectors shared across the
// assistant. Collectors are package-level so producers can record without
// plumbing a registry through every constructor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QuoteFetches counts upstream market data calls by adapter and outcome
	// (ok, error, rate_limited, breaker_open, stale).
	QuoteFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "assistant",
		Subsystem: "market",
		Name:      "quote_fetches_total",
		Help:      "Market data fetch attempts by adapter and outcome.",
	}, []string{"adapter", "outcome"})

	// StaleServes counts quotes answered from the last-known-good cache.
	StaleServes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "assistant",
		Subsystem: "market",
		Name:      "stale_serves_total",
		Help:      "Quotes served from last-known-good after all adapters failed.",
	})

	// TickDuration observes per-asset analysis tick latency by cadence.
	TickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "assistant",
		Subsystem: "pipeline",
		Name:      "tick_duration_seconds",
		Help:      "Analysis tick duration by cadence.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"cadence"})

	// TickSkips counts ticks skipped because the previous run overran.
	TickSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "assistant",
		Subsystem: "pipeline",
		Name:      "tick_skips_total",
		Help:      "Ticks skipped due to an in-flight previous tick.",
	}, []string{"cadence"})

	// Anomalies counts detector emissions by severity.
	Anomalies = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "assistant",
		Subsystem: "anomaly",
		Name:      "events_total",
		Help:      "Anomaly events by kind and severity.",
	}, []string{"kind", "severity"})

	// LLMCalls counts provider round trips by provider, class, and outcome.
	LLMCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "assistant",
		Subsystem: "llm",
		Name:      "calls_total",
		Help:      "LLM provider calls by provider, task class, and outcome.",
	}, []string{"provider", "class", "outcome"})

	// LLMLatency observes provider round-trip latency.
	LLMLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "assistant",
		Subsystem: "llm",
		Name:      "latency_seconds",
		Help:      "LLM provider round-trip latency.",
		Buckets:   []float64{.25, .5, 1, 2, 5, 10, 20, 30},
	}, []string{"provider"})

	// Advice counts emitted recommendations by action and source.
	Advice = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "assistant",
		Subsystem: "pipeline",
		Name:      "advice_total",
		Help:      "Advice emissions by action and source (llm or rules).",
	}, []string{"action", "source"})

	// OpenPositions tracks the number of simulated positions currently open.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "assistant",
		Subsystem: "position",
		Name:      "open",
		Help:      "Simulated positions currently open.",
	})

	// Trades counts closed position legs by cause.
	Trades = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "assistant",
		Subsystem: "position",
		Name:      "trades_total",
		Help:      "Closed trade legs by cause.",
	}, []string{"cause"})

	// TelegramUpdates counts inbound chat updates by handling outcome
	// (handled, skipped, no_reply, poll_error, send_error).
	TelegramUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "assistant",
		Subsystem: "telegram",
		Name:      "updates_total",
		Help:      "Inbound Telegram updates by outcome.",
	}, []string{"outcome"})

	// Notifications counts outbound alerts by channel and outcome.
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "assistant",
		Subsystem: "notify",
		Name:      "sent_total",
		Help:      "Outbound notifications by channel and outcome.",
	}, []string{"channel", "outcome"})

	// UnitRestarts counts supervisor restarts by unit.
	UnitRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "assistant",
		Subsystem: "supervisor",
		Name:      "unit_restarts_total",
		Help:      "Supervisor unit restarts.",
	}, []string{"unit"})
)

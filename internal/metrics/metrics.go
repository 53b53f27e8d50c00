// Package metrics exposes the gateway's Prometheus instrumentation.
// go-ethereum wires its own metrics through a custom registry; this
// gateway talks to the broader Go ecosystem directly via
// github.com/prometheus/client_golang instead, grounded on the pack's
// other examples that expose a plain promhttp.Handler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "requests_total",
		Help:      "JSON-RPC requests handled, by method and outcome.",
	}, []string{"method", "outcome"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gateway",
		Name:      "request_duration_seconds",
		Help:      "End-to-end request latency, by method.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})

	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "cache_hits_total",
		Help:      "Response cache hits.",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "cache_misses_total",
		Help:      "Response cache misses.",
	})

	CacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "cache_bytes",
		Help:      "Total bytes currently held in the response cache.",
	})

	TierProbesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "tier_probes_total",
		Help:      "Requests steered to a higher-tier backend for a recovery probe.",
	})

	SlowClientDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "subscription_slow_client_drops_total",
		Help:      "Subscription notifications dropped due to a slow client's queue being full.",
	})

	BackendHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "backend_health",
		Help:      "Backend connection health: 0=Initializing 1=Healthy 2=Lagging 3=Unhealthy.",
	}, []string{"backend"})

	BackendHeadNumber = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "backend_head_number",
		Help:      "Last observed head block number, by backend.",
	}, []string{"backend"})

	ConsensusHeadNumber = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "consensus_head_number",
		Help:      "Current consensus head block number.",
	})

	RelayFanoutOutcome = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "relay_fanout_outcomes_total",
		Help:      "Private relay fanout outcomes, by relay and success/failure.",
	}, []string{"relay", "outcome"})

	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "active_subscriptions",
		Help:      "Client subscriptions currently attached to an upstream stream.",
	})
)

// Package metrics holds the Prometheus registry exposed at C10's
// /metrics endpoint, independent of the JSON status payloads served by
// the rest of the control plane.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric the pipeline publishes.
type Registry struct {
	TradesIngested  *prometheus.CounterVec
	BooksIngested   *prometheus.CounterVec
	DedupHits       *prometheus.CounterVec
	SessionState    *prometheus.GaugeVec
	BreakerState    *prometheus.GaugeVec
	RateLimitTokens *prometheus.GaugeVec
	RateLimitErrors *prometheus.GaugeVec
	FanoutSent      prometheus.Gauge
	FanoutErrors    prometheus.Gauge
	FanoutClients   prometheus.Gauge
	FailoverLatch   prometheus.Gauge
}

// NewRegistry builds and registers every metric against a fresh
// prometheus.Registry, so repeated construction in tests never panics
// on duplicate registration against the global default registry.
func NewRegistry() (*Registry, *prometheus.Registry) {
	reg := prometheus.NewRegistry()

	r := &Registry{
		TradesIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketfeed_trades_ingested_total",
				Help: "Trades accepted into the cache/stream sink, by symbol and market.",
			},
			[]string{"symbol", "market"},
		),
		BooksIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketfeed_books_ingested_total",
				Help: "Order book snapshots written to the cache, by symbol and market.",
			},
			[]string{"symbol", "market"},
		),
		DedupHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketfeed_dedup_hits_total",
				Help: "Trades rejected as duplicates within the dedup window, by symbol.",
			},
			[]string{"symbol"},
		),
		SessionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "marketfeed_upstream_session_state",
				Help: "Current state of each upstream session (enum value), by group.",
			},
			[]string{"group", "market"},
		),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "marketfeed_circuit_breaker_state",
				Help: "0=closed 1=open 2=half-open, by breaker name.",
			},
			[]string{"name"},
		),
		RateLimitTokens: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "marketfeed_ratelimit_tokens",
				Help: "Tokens currently available in a rate-limit bucket.",
			},
			[]string{"bucket"},
		),
		RateLimitErrors: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "marketfeed_ratelimit_errors_total",
				Help: "Cumulative errors reported against a rate-limit bucket, driving its backoff.",
			},
			[]string{"bucket"},
		),
		FanoutSent: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "marketfeed_fanout_messages_sent_total",
				Help: "Cumulative messages flushed to dashboard websocket clients.",
			},
		),
		FanoutErrors: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "marketfeed_fanout_send_errors_total",
				Help: "Cumulative dashboard client sends that failed and triggered a disconnect.",
			},
		),
		FanoutClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "marketfeed_fanout_clients",
				Help: "Currently connected dashboard websocket clients.",
			},
		),
		FailoverLatch: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "marketfeed_failover_latch_active",
				Help: "1 when the failover latch is engaged and new upstream connections are suspended.",
			},
		),
	}

	reg.MustRegister(
		r.TradesIngested, r.BooksIngested, r.DedupHits, r.SessionState,
		r.BreakerState, r.RateLimitTokens, r.RateLimitErrors,
		r.FanoutSent, r.FanoutErrors, r.FanoutClients, r.FailoverLatch,
	)

	return r, reg
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

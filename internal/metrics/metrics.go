// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "netmon",
		Name:      "probes_total",
		Help:      "Completed reachability probes by resulting status.",
	}, []string{"status"})

	ProbeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "netmon",
		Name:      "probe_latency_ms",
		Help:      "Probe round-trip latency in milliseconds.",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 150, 250, 500, 1000, 2500},
	})

	IngestSamplesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "netmon",
		Name:      "ingest_samples_total",
		Help:      "Collector samples accepted by kind.",
	}, []string{"kind"})

	IngestDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "netmon",
		Name:      "ingest_drops_total",
		Help:      "Collector samples dropped by reason.",
	}, []string{"reason"})

	BatchFlushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "netmon",
		Name:      "history_batch_flushes_total",
		Help:      "History batch flushes by outcome.",
	}, []string{"outcome"})

	FlappingEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "netmon",
		Name:      "flapping_events_total",
		Help:      "Flapping events emitted by severity.",
	}, []string{"severity"})

	CircuitBreakersOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "netmon",
		Name:      "circuit_breakers_open",
		Help:      "Devices with an open probe circuit breaker.",
	})

	WebsocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "netmon",
		Name:      "websocket_clients",
		Help:      "Connected WebSocket clients.",
	})

	CacheMode = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "netmon",
		Name:      "cache_mode",
		Help:      "Active cache tier (1 for the active mode's label).",
	}, []string{"mode"})
)

// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ObservationsProcessed counts price observations by outcome
// (evaluated, ignored, paused, malformed).
var ObservationsProcessed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "trenchbot",
		Subsystem: "engine",
		Name:      "observations_total",
		Help:      "Price observations processed by outcome",
	},
	[]string{"outcome"},
)

// TriggersFired counts fired triggers by type.
var TriggersFired = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "trenchbot",
		Subsystem: "engine",
		Name:      "triggers_fired_total",
		Help:      "Exit triggers fired by type",
	},
	[]string{"trigger"},
)

// PartialRequests counts partial-sell ladder requests.
var PartialRequests = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "trenchbot",
		Subsystem: "engine",
		Name:      "partial_requests_total",
		Help:      "Partial-sell ladder requests emitted",
	},
)

// Exits counts exit attempts by trigger and result (success, failed, skipped).
var Exits = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "trenchbot",
		Subsystem: "executor",
		Name:      "exits_total",
		Help:      "Exit attempts by trigger and result",
	},
	[]string{"trigger", "result"},
)

// ExecutionLatency is the adapter round trip in milliseconds.
var ExecutionLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "trenchbot",
		Subsystem: "executor",
		Name:      "execution_latency_ms",
		Help:      "Execution adapter round trip in milliseconds",
		Buckets:   []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000},
	},
	[]string{"adapter"},
)

// QueueDepth is the number of exit requests waiting for a worker.
var QueueDepth = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "trenchbot",
		Subsystem: "executor",
		Name:      "queue_depth",
		Help:      "Exit requests waiting in the worker queue",
	},
)

// QueueRejected counts exit requests dropped because the queue was full or
// the request was already in flight.
var QueueRejected = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "trenchbot",
		Subsystem: "executor",
		Name:      "queue_rejected_total",
		Help:      "Exit requests not enqueued by reason",
	},
	[]string{"reason"},
)

// Positions tracks position counts by status.
var Positions = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "trenchbot",
		Subsystem: "positions",
		Name:      "count",
		Help:      "Tracked positions by status",
	},
	[]string{"status"},
)

// EventsPublished counts engine events by kind.
var EventsPublished = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "trenchbot",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Engine events published by kind",
	},
	[]string{"kind"},
)

// HTTPRequests counts API requests by method and status code.
var HTTPRequests = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "trenchbot",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "API requests by method and status code",
	},
	[]string{"method", "status"},
)

// HTTPRateLimited counts API requests refused by the rate limiter.
var HTTPRateLimited = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "trenchbot",
		Subsystem: "http",
		Name:      "rate_limited_total",
		Help:      "API requests refused by the rate limiter",
	},
	[]string{"bucket"},
)

// BusDropped counts signal bus messages discarded because the local reader
// fell behind.
var BusDropped = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "trenchbot",
		Subsystem: "bus",
		Name:      "dropped_total",
		Help:      "Signal bus messages dropped for slow readers",
	},
	[]string{"channel"},
)

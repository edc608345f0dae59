package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics are the server's Prometheus counters. Each server owns its
// registry so tests can run many instances side by side.
type metrics struct {
	requests      *prometheus.CounterVec
	streams       prometheus.Counter
	toolCalls     *prometheus.CounterVec
	rateLimited   prometheus.Counter
	continuations prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contextd_requests_total",
				Help: "Total HTTP requests by path",
			},
			[]string{"path"},
		),
		streams: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "contextd_streams_total",
				Help: "Total SSE streams opened",
			},
		),
		toolCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contextd_tool_calls_total",
				Help: "Total tool executions by tool and status",
			},
			[]string{"tool", "status"},
		),
		rateLimited: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "contextd_rate_limited_total",
				Help: "Total requests rejected by the rate limiter",
			},
		),
		continuations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "contextd_continuation_attempts_total",
				Help: "Total auto-continuation attempts issued by orchestrators",
			},
		),
	}
}

// Package monitoring exposes Prometheus collectors for the bridge.
package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all bridge collectors. Each instance owns its registry so
// independent bridges (and tests) never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	Inbound         *prometheus.CounterVec
	DecodeFailures  prometheus.Counter
	HandlerFailures *prometheus.CounterVec
	RateLimited     prometheus.Counter
	Outbound        *prometheus.CounterVec
	Permissions     *prometheus.CounterVec
	FileChooser     *prometheus.CounterVec
	Sessions        prometheus.Gauge
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Inbound: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentweb_inbound_envelopes_total",
			Help: "Envelopes received from content, by event type and route",
		}, []string{"event_type", "route"}),
		DecodeFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "agentweb_decode_failures_total",
			Help: "Inbound messages that were not valid envelopes",
		}),
		HandlerFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentweb_handler_failures_total",
			Help: "Handler errors and panics caught at the dispatch boundary",
		}, []string{"event_type", "kind"}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "agentweb_rate_limited_total",
			Help: "Inbound messages dropped by the rate limiter",
		}),
		Outbound: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentweb_outbound_envelopes_total",
			Help: "Envelopes sent to content, by event type",
		}, []string{"event_type"}),
		Permissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentweb_permission_outcomes_total",
			Help: "Content permission requests by outcome",
		}, []string{"outcome"}),
		FileChooser: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentweb_file_chooser_total",
			Help: "File chooser requests by outcome",
		}, []string{"outcome"}),
		Sessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "agentweb_sessions_active",
			Help: "Connected host views",
		}),
	}
}

// Registry is exposed for tests that want to gather values.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

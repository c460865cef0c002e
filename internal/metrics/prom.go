package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/owui/gateway-core/pkg/models"
)

// promCollectors holds the gateway's Prometheus metrics, registered
// against a private registry so multiple Managers (as in tests) never
// collide on the global default registry.
type promCollectors struct {
	registry *prometheus.Registry

	requestsTotal     *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	tokensTotal       *prometheus.CounterVec
	costUSDTotal      *prometheus.CounterVec
	toolCallsTotal    *prometheus.CounterVec
	toolCallDuration   *prometheus.HistogramVec
}

func newPromCollectors() *promCollectors {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &promCollectors{
		registry: reg,

		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total number of chat requests by provider, model, and status.",
			},
			[]string{"provider", "model", "status"},
		),

		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "Duration of chat requests in seconds.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"provider", "model"},
		),

		tokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Total tokens accounted for by provider, model, and kind (input|output|cached).",
			},
			[]string{"provider", "model", "kind"},
		),

		costUSDTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cost_usd_total",
				Help: "Estimated upstream cost in USD by provider and model.",
			},
			[]string{"provider", "model"},
		),

		toolCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tool_calls_total",
				Help: "Total tool calls dispatched by tool name and status.",
			},
			[]string{"tool_name", "status"},
		),

		toolCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_tool_call_duration_seconds",
				Help:    "Duration of dispatched tool calls in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
	}
}

func (p *promCollectors) observeRequest(rec models.RequestRecord) {
	p.requestsTotal.WithLabelValues(rec.Provider, rec.Model, string(rec.Status)).Inc()
	p.requestDuration.WithLabelValues(rec.Provider, rec.Model).Observe(rec.Duration.Seconds())
	if rec.InputTokens > 0 {
		p.tokensTotal.WithLabelValues(rec.Provider, rec.Model, "input").Add(float64(rec.InputTokens))
	}
	if rec.OutputTokens > 0 {
		p.tokensTotal.WithLabelValues(rec.Provider, rec.Model, "output").Add(float64(rec.OutputTokens))
	}
	if rec.CachedInputTokens > 0 {
		p.tokensTotal.WithLabelValues(rec.Provider, rec.Model, "cached").Add(float64(rec.CachedInputTokens))
	}
	if rec.CostUSD > 0 {
		p.costUSDTotal.WithLabelValues(rec.Provider, rec.Model).Add(rec.CostUSD)
	}
}

func (p *promCollectors) observeToolCall(rec models.ToolCallRecord) {
	p.toolCallsTotal.WithLabelValues(rec.Name, rec.Status).Inc()
	p.toolCallDuration.WithLabelValues(rec.Name).Observe(rec.Duration.Seconds())
}

// Handler returns the Prometheus exposition endpoint for this Manager's
// private registry, wired by the HTTP layer at e.g. /metrics.
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.prom.registry, promhttp.HandlerOpts{})
}

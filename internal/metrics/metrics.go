package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the API
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, path, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// IngestEvents counts inbound webhook outcomes by provider and result
	// (accepted, duplicate, rejected).
	IngestEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ingest_events_total", Help: "Inbound webhook events by provider and result."},
		[]string{"provider", "result"},
	)
	// UnsignedWebhooks counts inbound webhooks accepted without a signature
	UnsignedWebhooks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ingest_unsigned_webhooks_total", Help: "Webhooks accepted without signature verification."},
		[]string{"provider"},
	)
	// RouterUnrouted counts canonical events no handler claimed
	RouterUnrouted = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "router_unrouted_events_total", Help: "Canonical events with no registered handler."},
		[]string{"provider_type", "event"},
	)
	// HandlerFailures counts business handler errors after ack
	HandlerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "router_handler_failures_total", Help: "Business handler failures recorded post-ack."},
		[]string{"event"},
	)

	// AdapterCalls counts outbound provider calls by provider, operation, and outcome
	AdapterCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "adapter_calls_total", Help: "Outbound provider API calls."},
		[]string{"provider", "operation", "outcome"},
	)
	// TokenRefreshes counts OAuth refresh attempts by provider and outcome
	TokenRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "oauth_token_refreshes_total", Help: "OAuth token refresh attempts."},
		[]string{"provider", "outcome"},
	)

	// WebhookDeliveries counts outbound delivery outcomes by status
	// (delivered, retried, dead_lettered)
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Outbound webhook deliveries by status."},
		[]string{"status"},
	)
	// WebhookLatency tracks outbound delivery latencies in milliseconds
	WebhookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"status"},
	)
)

// RegisterDefault registers collectors to the dedicated registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(IngestEvents)
		Registry.MustRegister(UnsignedWebhooks)
		Registry.MustRegister(RouterUnrouted)
		Registry.MustRegister(HandlerFailures)
		Registry.MustRegister(AdapterCalls)
		Registry.MustRegister(TokenRefreshes)
		Registry.MustRegister(WebhookDeliveries)
		Registry.MustRegister(WebhookLatency)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once

// Package metrics provides Prometheus metrics for the MiniRAG server
// and worker processes.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus instruments. One instance is created per
// process and shared by every component.
type Metrics struct {
	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Ingestion metrics
	IngestJobs       *prometheus.CounterVec
	IngestDuration   prometheus.Histogram
	ChunksCreated    prometheus.Counter
	ActiveIngestions prometheus.Gauge
	QueueDepth       prometheus.Gauge

	// Provider metrics
	ProviderCalls    *prometheus.CounterVec
	ProviderErrors   *prometheus.CounterVec
	ProviderDuration *prometheus.HistogramVec
	TokensProcessed  *prometheus.CounterVec
	TimeToFirstToken prometheus.Histogram

	// Webhook metrics
	WebhookDeliveries *prometheus.CounterVec
	WebhookDuration   prometheus.Histogram
}

// NewMetrics creates and registers all instruments on the given
// registerer, usually prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "minirag_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "minirag_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"method", "path"}),

		IngestJobs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "minirag_ingest_jobs_total",
			Help: "Total number of ingest jobs by outcome",
		}, []string{"outcome"}),
		IngestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "minirag_ingest_duration_seconds",
			Help:    "Duration of ingest jobs in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		ChunksCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "minirag_chunks_created_total",
			Help: "Total number of chunks created",
		}),
		ActiveIngestions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "minirag_active_ingestions",
			Help: "Number of currently running ingest jobs",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "minirag_queue_depth",
			Help: "Number of messages on the job stream",
		}),

		ProviderCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "minirag_provider_calls_total",
			Help: "Total number of model provider calls",
		}, []string{"provider", "operation"}),
		ProviderErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "minirag_provider_errors_total",
			Help: "Total number of model provider failures",
		}, []string{"provider", "operation"}),
		ProviderDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "minirag_provider_call_duration_seconds",
			Help:    "Duration of model provider calls in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"provider", "operation"}),
		TokensProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "minirag_tokens_total",
			Help: "Total tokens consumed by direction",
		}, []string{"model", "direction"}),
		TimeToFirstToken: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "minirag_time_to_first_token_seconds",
			Help:    "Time from stream start to first delta",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),

		WebhookDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "minirag_webhook_deliveries_total",
			Help: "Total number of webhook deliveries by outcome",
		}, []string{"event", "outcome"}),
		WebhookDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "minirag_webhook_delivery_duration_seconds",
			Help:    "Duration of webhook deliveries in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
	}
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.HTTPRequests.WithLabelValues(method, path, status).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordIngestJob records one finished ingest job.
func (m *Metrics) RecordIngestJob(outcome string, chunks int, duration time.Duration) {
	m.IngestJobs.WithLabelValues(outcome).Inc()
	m.IngestDuration.Observe(duration.Seconds())
	if chunks > 0 {
		m.ChunksCreated.Add(float64(chunks))
	}
}

// RecordProviderCall records one model provider call.
func (m *Metrics) RecordProviderCall(provider, operation string, duration time.Duration, err error) {
	m.ProviderCalls.WithLabelValues(provider, operation).Inc()
	m.ProviderDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
	if err != nil {
		m.ProviderErrors.WithLabelValues(provider, operation).Inc()
	}
}

// RecordTokens records prompt and completion token consumption.
func (m *Metrics) RecordTokens(model string, prompt, completion int) {
	if prompt > 0 {
		m.TokensProcessed.WithLabelValues(model, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		m.TokensProcessed.WithLabelValues(model, "completion").Add(float64(completion))
	}
}

// RecordWebhookDelivery records one webhook delivery attempt.
func (m *Metrics) RecordWebhookDelivery(event string, success bool, duration time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.WebhookDeliveries.WithLabelValues(event, outcome).Inc()
	m.WebhookDuration.Observe(duration.Seconds())
}

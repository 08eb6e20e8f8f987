package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the Prometheus series for the connection layer:
// sync run outcomes, webhook delivery handling, OAuth flow completion,
// ingestion job retries, and HTTP request plumbing.
type Metrics struct {
	// SyncRunDuration measures sync run latency in seconds.
	// Labels: provider, status (success|error)
	SyncRunDuration *prometheus.HistogramVec

	// SyncRunCounter counts sync runs.
	// Labels: provider, status (success|error|skipped)
	SyncRunCounter *prometheus.CounterVec

	// MessagesIngested counts inbound items that produced ticket writes.
	// Labels: provider, transport (poll|push)
	MessagesIngested *prometheus.CounterVec

	// WebhookDeliveries counts inbound webhook deliveries.
	// Labels: provider, outcome (accepted|rejected|duplicate|dropped)
	WebhookDeliveries *prometheus.CounterVec

	// OAuthFlows counts authorization flow completions.
	// Labels: provider, outcome (completed|denied|rejected|error)
	OAuthFlows *prometheus.CounterVec

	// ChannelsSuspended counts automatic suspensions.
	// Labels: provider
	ChannelsSuspended *prometheus.CounterVec

	// JobAttempts counts ingestion job attempts.
	// Labels: kind, status (success|error)
	JobAttempts *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics with the default
// registry. Call once at startup.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(nil)
}

// NewMetricsWithRegistry registers the metrics with the given registerer.
// A nil registerer uses the Prometheus default registry; tests pass their
// own to avoid duplicate-registration panics.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		SyncRunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fluxdesk_sync_run_duration_seconds",
				Help:    "Duration of channel sync runs in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "status"},
		),

		SyncRunCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fluxdesk_sync_runs_total",
				Help: "Total number of channel sync runs by provider and status",
			},
			[]string{"provider", "status"},
		),

		MessagesIngested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fluxdesk_messages_ingested_total",
				Help: "Total inbound items converted to ticket messages",
			},
			[]string{"provider", "transport"},
		),

		WebhookDeliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fluxdesk_webhook_deliveries_total",
				Help: "Total inbound webhook deliveries by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),

		OAuthFlows: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fluxdesk_oauth_flows_total",
				Help: "Total OAuth authorization flow completions by outcome",
			},
			[]string{"provider", "outcome"},
		),

		ChannelsSuspended: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fluxdesk_channels_suspended_total",
				Help: "Total automatic channel suspensions after repeated failures",
			},
			[]string{"provider"},
		),

		JobAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fluxdesk_job_attempts_total",
				Help: "Total ingestion job attempts by kind and status",
			},
			[]string{"kind", "status"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fluxdesk_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fluxdesk_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// RecordSyncRun records one sync run outcome.
func (m *Metrics) RecordSyncRun(provider, status string, durationSeconds float64) {
	m.SyncRunCounter.WithLabelValues(provider, status).Inc()
	m.SyncRunDuration.WithLabelValues(provider, status).Observe(durationSeconds)
}

// RecordIngested adds created ticket messages to the ingestion counter.
func (m *Metrics) RecordIngested(provider, transport string, count int) {
	if count > 0 {
		m.MessagesIngested.WithLabelValues(provider, transport).Add(float64(count))
	}
}

// RecordWebhookDelivery records one inbound webhook delivery outcome.
func (m *Metrics) RecordWebhookDelivery(provider, outcome string) {
	m.WebhookDeliveries.WithLabelValues(provider, outcome).Inc()
}

// RecordOAuthFlow records one authorization flow completion.
func (m *Metrics) RecordOAuthFlow(provider, outcome string) {
	m.OAuthFlows.WithLabelValues(provider, outcome).Inc()
}

// RecordSuspension records one automatic channel suspension.
func (m *Metrics) RecordSuspension(provider string) {
	m.ChannelsSuspended.WithLabelValues(provider).Inc()
}

// RecordJobAttempt records one ingestion job attempt.
func (m *Metrics) RecordJobAttempt(kind, status string) {
	m.JobAttempts.WithLabelValues(kind, status).Inc()
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

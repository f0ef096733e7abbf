package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beacon_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	campaignsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_campaigns_started_total",
			Help: "Campaigns started by campaign type",
		},
		[]string{"campaign_type"},
	)

	messagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_messages_processed_total",
			Help: "Messages handed to a provider by channel and outcome",
		},
		[]string{"channel", "status"},
	)

	sendLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beacon_provider_send_seconds",
			Help:    "Provider send call latency",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		},
		[]string{"channel"},
	)

	webhooksReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_webhooks_total",
			Help: "Delivery webhooks by provider status and outcome",
		},
		[]string{"status", "outcome"},
	)

	webhookReplays = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_webhook_replays_total",
			Help: "Webhook deliveries dropped as replays",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"route"},
	)

	queueJobs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "beacon_queue_jobs",
			Help: "Jobs per queue and state as of the last status read",
		},
		[]string{"queue", "state"},
	)

	providerCircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "beacon_provider_circuit_state",
			Help: "Provider circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"provider"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_db_connections_active",
			Help: "Acquired database connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func RecordCampaignStarted(campaignType string) {
	campaignsStarted.WithLabelValues(campaignType).Inc()
}

// RecordMessageProcessed records the outcome of one provider send
func RecordMessageProcessed(channel, status string, latency time.Duration) {
	messagesProcessed.WithLabelValues(channel, status).Inc()
	sendLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// RecordWebhook records a reconciled delivery webhook. outcome is one of
// applied, ignored, not_found or error.
func RecordWebhook(status, outcome string) {
	webhooksReceived.WithLabelValues(status, outcome).Inc()
}

func RecordWebhookReplay() {
	webhookReplays.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(route string) {
	rateLimitRejections.WithLabelValues(route).Inc()
}

// SetQueueJobs publishes the job count for a queue state
func SetQueueJobs(queue, state string, count int64) {
	queueJobs.WithLabelValues(queue, state).Set(float64(count))
}

// SetCircuitState publishes a provider circuit breaker state
func SetCircuitState(provider string, state int) {
	providerCircuitState.WithLabelValues(provider).Set(float64(state))
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics. Requests
// are labelled by chi route pattern so ids do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}

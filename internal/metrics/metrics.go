package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels shared by the webhook pipeline counters.
const (
	OutcomeAccepted          = "accepted"
	OutcomeDuplicate         = "duplicate"
	OutcomeRejectedSignature = "rejected_signature"
	OutcomeRejectedMalformed = "rejected_malformed"
	OutcomeProcessed         = "processed"
	OutcomeRetried           = "retried"
	OutcomeDeadLettered      = "dead_lettered"
	OutcomeSkipped           = "skipped"
	OutcomeFailed            = "failed"
)

var (
	// WebhookDeliveries counts raw deliveries on the receive path.
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Webhook deliveries by receive outcome",
		},
		[]string{"outcome"},
	)

	// WebhookEvents counts worker-side processing outcomes.
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Webhook events by processing outcome",
		},
		[]string{"event_type", "outcome"},
	)

	// HandlerDuration records how long event handlers run.
	HandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webhook_handler_duration_seconds",
			Help:    "Duration of webhook event handlers in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"event_type"},
	)

	// Reconciliations counts entitlement recomputations.
	Reconciliations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "entitlement_reconciliations_total",
			Help: "Entitlement recomputations performed",
		},
	)

	// RequestCounter counts HTTP requests served by the API.
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration records request duration in seconds.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// JobsProcessed counts background jobs by type and outcome.
	JobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_processed_total",
			Help: "Background jobs by type and outcome",
		},
		[]string{"type", "outcome"},
	)
)

var registerOnce sync.Once

// Register installs every collector in the default registry. Callers may
// race; only the first call registers.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			WebhookDeliveries,
			WebhookEvents,
			HandlerDuration,
			Reconciliations,
			RequestCounter,
			RequestDuration,
			JobsProcessed,
		)
	})
}

// Handler exposes the default registry for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRequest records one served HTTP request.
func ObserveRequest(method, path string, status int, elapsed time.Duration) {
	RequestCounter.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	RequestDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

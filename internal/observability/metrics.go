package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "anymail_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	ESPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "anymail_esp_requests_total", Help: "ESP API call outcomes"},
		[]string{"esp", "result", "http_status"},
	)
	ESPLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "anymail_esp_request_latency_seconds", Help: "ESP API call latency"},
		[]string{"esp"},
	)
	Messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "anymail_messages_total", Help: "Messages handled by the send loop"},
		[]string{"esp", "outcome"},
	)
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "anymail_webhook_events_total", Help: "Normalized webhook events"},
		[]string{"esp", "event_type"},
	)
	WebhookRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "anymail_webhook_rejected_total", Help: "Webhook posts rejected before parsing"},
		[]string{"esp", "reason"},
	)
	EventsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "anymail_events_enqueue_total", Help: "SQS enqueue results for webhook events"},
		[]string{"result"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, ESPRequests, ESPLatency, Messages, WebhookEvents, WebhookRejected, EventsEnqueued)
}

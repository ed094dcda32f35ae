package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"anymail/internal/anymail"
	"anymail/internal/dedupe"
	"anymail/internal/observability"
	"anymail/internal/providers"
	"anymail/internal/store"
)

// EventSink receives normalized webhook events.
type EventSink interface {
	InsertTrackingEvent(ctx context.Context, in store.TrackingEventRecord) error
	InsertInboundEvent(ctx context.Context, in store.InboundEventRecord) error
}

type Webhooks struct {
	// Parsers are keyed by lower-case ESP name, as used in the URL.
	Parsers map[string]providers.Parsers
	Sink    EventSink
	Dedupe  *dedupe.Deduper
	// PublicBaseURL replaces scheme and host of the request URL for ESPs that
	// sign it. When empty they come from the request and X-Forwarded-Proto.
	PublicBaseURL string
	IDGen         func() string
	Now           func() time.Time
}

func (h *Webhooks) Register(r *mux.Router) {
	r.HandleFunc("/anymail/{esp}/tracking/", h.handleTracking).Methods(http.MethodPost, http.MethodHead)
	r.HandleFunc("/anymail/{esp}/inbound/", h.handleInbound).Methods(http.MethodPost, http.MethodHead)
}

func (h *Webhooks) handleTracking(w http.ResponseWriter, r *http.Request) {
	esp := strings.ToLower(mux.Vars(r)["esp"])
	parser := h.Parsers[esp].Tracking
	if parser == nil {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}
	// ESPs check the URL with HEAD when the webhook is configured.
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	req, ok := h.readRequest(w, r, parser.ESPName())
	if !ok {
		return
	}
	events, err := parser.ParseTracking(req)
	if err != nil {
		h.reject(w, parser.ESPName(), "tracking", err)
		return
	}

	now := h.Now()
	for _, ev := range events {
		if !h.Dedupe.FirstDelivery(r.Context(), parser.ESPName(), ev.EventID) {
			continue
		}
		observability.WebhookEvents.WithLabelValues(parser.ESPName(), string(ev.EventType)).Inc()
		rec := store.TrackingEventRecord{ID: h.IDGen(), ESP: parser.ESPName(), Event: ev, ReceivedAt: now}
		if err := h.Sink.InsertTrackingEvent(r.Context(), rec); err != nil {
			h.Dedupe.Forget(context.WithoutCancel(r.Context()), parser.ESPName(), ev.EventID)
			slog.Error("webhook store tracking event failed", "err", err,
				"esp", parser.ESPName(), "event_type", ev.EventType, "message_id", ev.MessageID)
			http.Error(w, ErrDependency, http.StatusInternalServerError)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Webhooks) handleInbound(w http.ResponseWriter, r *http.Request) {
	esp := strings.ToLower(mux.Vars(r)["esp"])
	parser := h.Parsers[esp].Inbound
	if parser == nil {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	req, ok := h.readRequest(w, r, parser.ESPName())
	if !ok {
		return
	}
	events, err := parser.ParseInbound(req)
	if err != nil {
		h.reject(w, parser.ESPName(), "inbound", err)
		return
	}

	now := h.Now()
	for _, ev := range events {
		if !h.Dedupe.FirstDelivery(r.Context(), parser.ESPName(), ev.EventID) {
			continue
		}
		observability.WebhookEvents.WithLabelValues(parser.ESPName(), string(ev.EventType)).Inc()
		rec := store.InboundEventRecord{ID: h.IDGen(), ESP: parser.ESPName(), Event: ev, ReceivedAt: now}
		if err := h.Sink.InsertInboundEvent(r.Context(), rec); err != nil {
			h.Dedupe.Forget(context.WithoutCancel(r.Context()), parser.ESPName(), ev.EventID)
			slog.Error("webhook store inbound event failed", "err", err, "esp", parser.ESPName())
			http.Error(w, ErrDependency, http.StatusInternalServerError)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Webhooks) readRequest(w http.ResponseWriter, r *http.Request, esp string) (*anymail.WebhookRequest, bool) {
	req, err := anymail.NewWebhookRequest(r, h.publicURL(r))
	if err != nil {
		observability.WebhookRejected.WithLabelValues(esp, "body").Inc()
		slog.Warn("webhook body unreadable", "err", err, "esp", esp)
		http.Error(w, ErrBadRequest, http.StatusBadRequest)
		return nil, false
	}
	return req, true
}

// reject answers a failed parse. The error text names the setting to check,
// so it is logged but never echoed to the caller.
func (h *Webhooks) reject(w http.ResponseWriter, esp, kind string, err error) {
	code, reason := webhookStatus(err)
	observability.WebhookRejected.WithLabelValues(esp, reason).Inc()
	if code >= http.StatusInternalServerError {
		slog.Error("webhook misconfigured", "err", err, "esp", esp, "webhook", kind)
	} else {
		slog.Warn("webhook rejected", "err", err, "esp", esp, "webhook", kind, "reason", reason)
	}
	http.Error(w, http.StatusText(code), code)
}

func (h *Webhooks) publicURL(r *http.Request) string {
	if h.PublicBaseURL != "" {
		return strings.TrimSuffix(h.PublicBaseURL, "/") + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// Package resend parses Resend's svix-signed tracking webhook.
package resend

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"anymail/internal/anymail"
)

const (
	Name = "Resend"

	secretSetting = "ANYMAIL_RESEND_SIGNING_SECRET"
	// SignatureTolerance bounds the svix-timestamp age, limiting replays.
	SignatureTolerance = 5 * time.Minute
)

// Webhooks verifies the svix signature when a signing secret is configured;
// otherwise it falls back to basic auth alone.
type Webhooks struct {
	secret []byte
	Auth   *anymail.BasicAuth
	now    func() time.Time
}

// NewWebhooks takes the signing secret as shown in the Resend dashboard
// ("whsec_" followed by base64).
func NewWebhooks(signingSecret, basicAuthSecret string) (*Webhooks, error) {
	w := &Webhooks{Auth: anymail.NewBasicAuth(Name, basicAuthSecret), now: time.Now}
	if signingSecret != "" {
		key, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(signingSecret, "whsec_"))
		if err != nil {
			return nil, &anymail.ConfigurationError{Msg: "Invalid " + secretSetting + ": " + err.Error()}
		}
		w.secret = key
	}
	return w, nil
}

func (w *Webhooks) ESPName() string { return Name }

// Sign returns the svix "v1," signature over id, timestamp and body.
func Sign(key []byte, id string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(id + "." + strconv.FormatInt(ts, 10) + "."))
	mac.Write(body)
	return "v1," + base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (w *Webhooks) verify(req *anymail.WebhookRequest) error {
	if len(w.secret) == 0 {
		return w.Auth.Verify(req)
	}
	if w.Auth.Configured() {
		if err := w.Auth.Verify(req); err != nil {
			return err
		}
	}

	id := req.Header.Get("svix-id")
	ts, err := strconv.ParseFloat(req.Header.Get("svix-timestamp"), 64)
	if id == "" || err != nil {
		return anymail.InvalidSignature(Name, secretSetting)
	}
	sent := time.Unix(int64(ts), 0)
	if age := w.now().Sub(sent); age > SignatureTolerance || age < -SignatureTolerance {
		return anymail.InvalidSignature(Name, secretSetting)
	}
	expected := Sign(w.secret, id, int64(ts), req.Body)
	// svix-signature is a space-separated list, one entry per active secret.
	for _, sig := range strings.Fields(req.Header.Get("svix-signature")) {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return anymail.InvalidSignature(Name, secretSetting)
}

var eventTypes = map[string]anymail.EventType{
	"email.sent":             anymail.EventSent,
	"email.delivered":        anymail.EventDelivered,
	"email.delivery_delayed": anymail.EventDeferred,
	"email.bounced":          anymail.EventBounced,
	"email.complained":       anymail.EventComplained,
	"email.opened":           anymail.EventOpened,
	"email.clicked":          anymail.EventClicked,
}

type payload struct {
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	Data      struct {
		EmailID string   `json:"email_id"`
		To      []string `json:"to"`
		Headers []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"headers"`
		Bounce struct {
			Message string `json:"message"`
		} `json:"bounce"`
		Click struct {
			Link      string `json:"link"`
			UserAgent string `json:"userAgent"`
		} `json:"click"`
	} `json:"data"`
}

func (w *Webhooks) ParseTracking(req *anymail.WebhookRequest) ([]anymail.TrackingEvent, error) {
	if err := w.verify(req); err != nil {
		return nil, err
	}
	var p payload
	if err := json.Unmarshal(req.Body, &p); err != nil {
		return nil, &anymail.Error{Msg: "Resend webhook has invalid JSON", Err: err}
	}

	ev := anymail.TrackingEvent{
		EventType:   anymail.MapEvent(eventTypes, p.Type),
		Timestamp:   p.CreatedAt.UTC(),
		MessageID:   p.Data.EmailID,
		EventID:     req.Header.Get("svix-id"),
		Description: p.Data.Bounce.Message,
		ClickURL:    p.Data.Click.Link,
		UserAgent:   p.Data.Click.UserAgent,
		Tags:        []string{},
		Metadata:    map[string]any{},
		ESPEvent:    json.RawMessage(req.Body),
	}
	if len(p.Data.To) > 0 {
		if addr, err := anymail.ParseAddress(p.Data.To[0]); err == nil {
			ev.Recipient = addr.AddrSpec
		} else {
			ev.Recipient = p.Data.To[0]
		}
	}
	if ev.EventType == anymail.EventBounced {
		ev.RejectReason = anymail.ReasonBounced
		if strings.Contains(strings.ToLower(ev.Description), "suppressed") {
			ev.RejectReason = anymail.ReasonBlocked
		}
	}
	// Anymail's Resend sender carries tags and metadata in these headers.
	for _, h := range p.Data.Headers {
		switch strings.ToLower(h.Name) {
		case "x-tags":
			var tags []string
			if json.Unmarshal([]byte(h.Value), &tags) == nil {
				ev.Tags = tags
			}
		case "x-metadata":
			var md map[string]any
			if json.Unmarshal([]byte(h.Value), &md) == nil {
				ev.Metadata = md
			}
		}
	}
	return []anymail.TrackingEvent{ev}, nil
}

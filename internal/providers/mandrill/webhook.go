package mandrill

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"maps"
	"net/url"
	"slices"
	"strings"
	"time"

	"anymail/internal/anymail"
)

const (
	keySetting = "ANYMAIL_MANDRILL_WEBHOOK_KEY"
	// SignatureHeader carries the base64 HMAC-SHA1 of the webhook URL and params.
	SignatureHeader = "X-Mandrill-Signature"
)

// Webhooks parses Mandrill's mandrill_events form post. Mandrill validates a
// new webhook URL with an unsigned HEAD request before it reveals the key, so
// a missing key only fails POSTs.
type Webhooks struct {
	key []byte
	// url overrides the request URL in the signed data when set.
	url  string
	Auth *anymail.BasicAuth
}

func NewWebhooks(key, webhookURL, secret string) *Webhooks {
	return &Webhooks{key: []byte(key), url: webhookURL, Auth: anymail.NewBasicAuth(Name, secret)}
}

func (w *Webhooks) ESPName() string { return Name }

// Sign computes Mandrill's signature: the URL followed by every form key and
// value, keys sorted.
func Sign(key []byte, fullURL string, form url.Values) string {
	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range slices.Sorted(maps.Keys(form)) {
		b.WriteString(k)
		for _, v := range form[k] {
			b.WriteString(v)
		}
	}
	mac := hmac.New(sha1.New, key)
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (w *Webhooks) verify(req *anymail.WebhookRequest) error {
	if len(w.key) == 0 {
		return anymail.MissingSetting(Name, keySetting)
	}
	if w.Auth.Configured() {
		if err := w.Auth.Verify(req); err != nil {
			return err
		}
	}
	signedURL := w.url
	if signedURL == "" {
		signedURL = req.URL
	}
	provided := req.Header.Get(SignatureHeader)
	if provided == "" || !hmac.Equal([]byte(Sign(w.key, signedURL, req.Form)), []byte(provided)) {
		return anymail.InvalidSignature(Name, keySetting)
	}
	return nil
}

var eventTypes = map[string]anymail.EventType{
	"send":        anymail.EventSent,
	"deferral":    anymail.EventDeferred,
	"soft_bounce": anymail.EventDeferred,
	"hard_bounce": anymail.EventBounced,
	"open":        anymail.EventOpened,
	"click":       anymail.EventClicked,
	"spam":        anymail.EventComplained,
	"unsub":       anymail.EventUnsubscribed,
	"reject":      anymail.EventRejected,
}

var rejectReasons = map[string]anymail.RejectReason{
	"hard_bounce": anymail.ReasonBounced,
	"soft_bounce": anymail.ReasonBounced,
	"spam":        anymail.ReasonSpam,
	"unsub":       anymail.ReasonUnsubscribed,
	"reject":      anymail.ReasonBlocked,
}

type event struct {
	Event     string `json:"event"`
	Type      string `json:"type"`
	ID        string `json:"_id"`
	TS        int64  `json:"ts"`
	URL       string `json:"url"`
	UserAgent string `json:"user_agent"`
	Msg       struct {
		ID                string         `json:"_id"`
		Email             string         `json:"email"`
		Tags              []string       `json:"tags"`
		Metadata          map[string]any `json:"metadata"`
		BounceDescription string         `json:"bounce_description"`
		Diag              string         `json:"diag"`
	} `json:"msg"`
	Reject struct {
		Email  string `json:"email"`
		Reason string `json:"reason"`
	} `json:"reject"`
}

func (w *Webhooks) ParseTracking(req *anymail.WebhookRequest) ([]anymail.TrackingEvent, error) {
	if err := w.verify(req); err != nil {
		return nil, err
	}
	raw := req.Form.Get("mandrill_events")
	var rawEvents []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &rawEvents); err != nil {
		return nil, &anymail.Error{Msg: "Mandrill webhook mandrill_events is not a JSON array", Err: err}
	}

	out := make([]anymail.TrackingEvent, 0, len(rawEvents))
	for _, re := range rawEvents {
		var e event
		if err := json.Unmarshal(re, &e); err != nil {
			return nil, &anymail.Error{Msg: "Mandrill webhook has an invalid event", Err: err}
		}
		if e.Event == "inbound" {
			return nil, anymail.WrongEndpoint(Name, "inbound", "tracking")
		}
		out = append(out, toTrackingEvent(e, re))
	}
	return out, nil
}

func toTrackingEvent(e event, raw json.RawMessage) anymail.TrackingEvent {
	// Sync events (whitelist and blacklist changes) have a type instead of an event.
	if e.Event == "" && e.Type != "" {
		return anymail.TrackingEvent{
			EventType:   anymail.EventUnknown,
			Recipient:   e.Reject.Email,
			Description: e.Reject.Reason,
			ESPEvent:    raw,
		}
	}
	ev := anymail.TrackingEvent{
		EventType:    anymail.MapEvent(eventTypes, e.Event),
		MessageID:    e.Msg.ID,
		EventID:      e.ID,
		Recipient:    e.Msg.Email,
		RejectReason: rejectReasons[e.Event],
		Description:  e.Msg.BounceDescription,
		MTAResponse:  e.Msg.Diag,
		Tags:         e.Msg.Tags,
		Metadata:     e.Msg.Metadata,
		ClickURL:     e.URL,
		UserAgent:    e.UserAgent,
		ESPEvent:     raw,
	}
	if ev.MessageID == "" {
		ev.MessageID = e.ID
	}
	if e.TS > 0 {
		ev.Timestamp = time.Unix(e.TS, 0).UTC()
	}
	return ev
}

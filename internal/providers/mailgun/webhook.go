package mailgun

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"anymail/internal/anymail"
)

const signingKeySetting = "ANYMAIL_MAILGUN_WEBHOOK_SIGNING_KEY"

// Webhooks verifies Mailgun's HMAC-SHA256 webhook signature, plus basic auth
// when a webhook secret is configured.
type Webhooks struct {
	signingKey []byte
	Auth       *anymail.BasicAuth
}

func NewWebhooks(signingKey, secret string) (*Webhooks, error) {
	if signingKey == "" {
		return nil, anymail.MissingSetting(Name, signingKeySetting)
	}
	return &Webhooks{signingKey: []byte(signingKey), Auth: anymail.NewBasicAuth(Name, secret)}, nil
}

func (w *Webhooks) ESPName() string { return Name }

// Sign returns the hex signature Mailgun computes over timestamp+token.
func Sign(key []byte, timestamp, token string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(timestamp + token))
	return hex.EncodeToString(mac.Sum(nil))
}

func (w *Webhooks) verify(req *anymail.WebhookRequest, timestamp, token, signature string) error {
	if w.Auth.Configured() {
		if err := w.Auth.Verify(req); err != nil {
			return err
		}
	}
	expected := Sign(w.signingKey, timestamp, token)
	if signature == "" || !hmac.Equal([]byte(expected), []byte(signature)) {
		return anymail.InvalidSignature(Name, signingKeySetting)
	}
	return nil
}

var eventTypes = map[string]anymail.EventType{
	"accepted":     anymail.EventQueued,
	"rejected":     anymail.EventRejected,
	"delivered":    anymail.EventDelivered,
	"opened":       anymail.EventOpened,
	"clicked":      anymail.EventClicked,
	"unsubscribed": anymail.EventUnsubscribed,
	"complained":   anymail.EventComplained,
	// legacy webhook names
	"dropped": anymail.EventRejected,
	"bounced": anymail.EventBounced,
}

var rejectReasons = map[string]anymail.RejectReason{
	"bounce":               anymail.ReasonBounced,
	"espblock":             anymail.ReasonBlocked,
	"generic":              anymail.ReasonOther,
	"hardfail":             anymail.ReasonOther,
	"old":                  anymail.ReasonTimedOut,
	"suppress-bounce":      anymail.ReasonBounced,
	"suppress-complaint":   anymail.ReasonSpam,
	"suppress-unsubscribe": anymail.ReasonUnsubscribed,
}

// legacyDropCodes are Mailgun's dropped-event codes that name the suppression.
var legacyDropCodes = map[string]anymail.RejectReason{
	"605": anymail.ReasonBounced,
	"606": anymail.ReasonUnsubscribed,
	"607": anymail.ReasonSpam,
}

type signature struct {
	Timestamp string `json:"timestamp"`
	Token     string `json:"token"`
	Signature string `json:"signature"`
}

type eventData struct {
	Event     string         `json:"event"`
	ID        string         `json:"id"`
	Timestamp float64        `json:"timestamp"`
	Recipient string         `json:"recipient"`
	Severity  string         `json:"severity"`
	Reason    string         `json:"reason"`
	Tags      []string       `json:"tags"`
	UserVars  map[string]any `json:"user-variables"`
	URL       string         `json:"url"`
	Message   struct {
		Headers struct {
			MessageID string `json:"message-id"`
		} `json:"headers"`
	} `json:"message"`
	DeliveryStatus struct {
		Message     string `json:"message"`
		Description string `json:"description"`
	} `json:"delivery-status"`
	Reject struct {
		Reason      string `json:"reason"`
		Description string `json:"description"`
	} `json:"reject"`
	ClientInfo struct {
		UserAgent string `json:"user-agent"`
	} `json:"client-info"`
}

type trackingBody struct {
	Signature *signature      `json:"signature"`
	EventData json.RawMessage `json:"event-data"`
}

func (w *Webhooks) ParseTracking(req *anymail.WebhookRequest) ([]anymail.TrackingEvent, error) {
	if len(req.Form) > 0 {
		f := req.Form
		if err := w.verify(req, f.Get("timestamp"), f.Get("token"), f.Get("signature")); err != nil {
			return nil, err
		}
		if isInboundForm(req) {
			return nil, anymail.WrongEndpoint(Name, "inbound", "tracking")
		}
		return w.parseLegacyTracking(req)
	}

	var body trackingBody
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return nil, &anymail.Error{Msg: "Mailgun tracking webhook has invalid JSON", Err: err}
	}
	if body.Signature == nil {
		return nil, anymail.InvalidSignature(Name, signingKeySetting)
	}
	if err := w.verify(req, body.Signature.Timestamp, body.Signature.Token, body.Signature.Signature); err != nil {
		return nil, err
	}

	var ed eventData
	if err := json.Unmarshal(body.EventData, &ed); err != nil {
		return nil, &anymail.Error{Msg: "Mailgun tracking webhook has invalid event-data", Err: err}
	}
	ev := anymail.TrackingEvent{
		EventType:   anymail.MapEvent(eventTypes, ed.Event),
		Timestamp:   floatTime(ed.Timestamp),
		MessageID:   bracketed(ed.Message.Headers.MessageID),
		EventID:     ed.ID,
		Recipient:   ed.Recipient,
		Tags:        ed.Tags,
		Metadata:    ed.UserVars,
		ClickURL:    ed.URL,
		UserAgent:   ed.ClientInfo.UserAgent,
		Description: ed.DeliveryStatus.Description,
		MTAResponse: ed.DeliveryStatus.Message,
		ESPEvent:    body.EventData,
	}
	switch ed.Event {
	case "failed":
		if ed.Severity == "temporary" {
			ev.EventType = anymail.EventDeferred
		} else {
			ev.EventType = anymail.EventBounced
		}
		ev.RejectReason = anymail.MapReject(rejectReasons, ed.Reason)
		if ev.RejectReason == "" {
			ev.RejectReason = anymail.ReasonBounced
		}
	case "rejected":
		ev.RejectReason = anymail.ReasonOther
		ev.Description = ed.Reject.Description
		if ed.Reject.Reason != "" && ev.Description == "" {
			ev.Description = ed.Reject.Reason
		}
	case "unsubscribed":
		ev.RejectReason = anymail.ReasonUnsubscribed
	case "complained":
		ev.RejectReason = anymail.ReasonSpam
	}
	return []anymail.TrackingEvent{ev}, nil
}

// parseLegacyTracking expects a form whose signature was already verified.
func (w *Webhooks) parseLegacyTracking(req *anymail.WebhookRequest) ([]anymail.TrackingEvent, error) {
	f := req.Form
	name := f.Get("event")
	ev := anymail.TrackingEvent{
		EventType:   anymail.MapEvent(eventTypes, name),
		Timestamp:   unixString(f.Get("timestamp")),
		MessageID:   f.Get("Message-Id"),
		EventID:     f.Get("token"),
		Recipient:   f.Get("recipient"),
		Description: f.Get("description"),
		MTAResponse: f.Get("error"),
		ClickURL:    f.Get("url"),
		UserAgent:   f.Get("user-agent"),
		Tags:        f["tag"],
		Metadata:    map[string]any{},
		ESPEvent:    anymail.FormJSON(f),
	}
	if ev.Tags == nil {
		ev.Tags = f["X-Mailgun-Tag"]
	}
	if ev.Tags == nil {
		ev.Tags = []string{}
	}
	switch name {
	case "dropped":
		if r, ok := legacyDropCodes[f.Get("code")]; ok {
			ev.RejectReason = r
		} else {
			ev.RejectReason = anymail.MapReject(rejectReasons, f.Get("reason"))
		}
	case "bounced":
		ev.RejectReason = anymail.ReasonBounced
	case "complained":
		ev.RejectReason = anymail.ReasonSpam
	case "unsubscribed":
		ev.RejectReason = anymail.ReasonUnsubscribed
	}

	if raw := headerValue(parseMessageHeaders(f.Get("message-headers")), "X-Mailgun-Variables"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &ev.Metadata); err != nil {
			return nil, &anymail.Error{Msg: "Mailgun tracking webhook has invalid X-Mailgun-Variables", Err: err}
		}
	}
	return []anymail.TrackingEvent{ev}, nil
}

func isInboundForm(req *anymail.WebhookRequest) bool {
	for _, k := range []string{"body-mime", "body-plain", "body-html", "stripped-text"} {
		if req.Form.Has(k) {
			return true
		}
	}
	return false
}

func (w *Webhooks) ParseInbound(req *anymail.WebhookRequest) ([]anymail.InboundEvent, error) {
	if len(req.Form) == 0 {
		var body trackingBody
		if err := json.Unmarshal(req.Body, &body); err == nil && len(body.EventData) > 0 {
			if body.Signature == nil {
				return nil, anymail.InvalidSignature(Name, signingKeySetting)
			}
			if err := w.verify(req, body.Signature.Timestamp, body.Signature.Token, body.Signature.Signature); err != nil {
				return nil, err
			}
			var ed eventData
			if err := json.Unmarshal(body.EventData, &ed); err != nil {
				return nil, &anymail.Error{Msg: "Mailgun tracking webhook has invalid event-data", Err: err}
			}
			return nil, anymail.WrongEndpoint(Name, ed.Event+" tracking", "inbound")
		}
		return nil, &anymail.Error{Msg: "Mailgun inbound webhook expects a form post"}
	}

	f := req.Form
	if err := w.verify(req, f.Get("timestamp"), f.Get("token"), f.Get("signature")); err != nil {
		return nil, err
	}
	if f.Has("event") && !isInboundForm(req) {
		return nil, anymail.WrongEndpoint(Name, f.Get("event")+" tracking", "inbound")
	}
	if f.Has("attachments") {
		return nil, &anymail.ConfigurationError{
			Msg: "You seem to have configured Mailgun's receiving route using the store() action. Anymail's inbound webhook requires the forward() action.",
		}
	}

	headers := parseMessageHeaders(f.Get("message-headers"))
	msg := &anymail.InboundMessage{
		Headers:           headers,
		Subject:           f.Get("subject"),
		TextBody:          f.Get("body-plain"),
		HTMLBody:          f.Get("body-html"),
		StrippedText:      f.Get("stripped-text"),
		EnvelopeSender:    f.Get("sender"),
		EnvelopeRecipient: f.Get("recipient"),
	}
	if msg.Subject == "" {
		msg.Subject = msg.Header("Subject")
	}
	if from, err := anymail.ParseAddress(msg.Header("From")); err == nil {
		msg.From = &from
	}
	msg.To, _ = anymail.ParseAddressList(msg.Header("To"))
	msg.Cc, _ = anymail.ParseAddressList(msg.Header("Cc"))
	if d, err := mail.ParseDate(msg.Header("Date")); err == nil {
		msg.Date = d
	}
	if s := msg.Header("X-Mailgun-Sflag"); s != "" {
		spam := strings.EqualFold(s, "yes")
		msg.SpamDetected = &spam
	}
	if s := msg.Header("X-Mailgun-Sscore"); s != "" {
		if score, err := strconv.ParseFloat(s, 64); err == nil {
			msg.SpamScore = &score
		}
	}

	inline := map[string]string{}
	if raw := f.Get("content-id-map"); raw != "" {
		var cids map[string]string
		if err := json.Unmarshal([]byte(raw), &cids); err == nil {
			for cid, field := range cids {
				inline[field] = cid
			}
		}
	}
	count, _ := strconv.Atoi(f.Get("attachment-count"))
	for i := 1; i <= count; i++ {
		field := fmt.Sprintf("attachment-%d", i)
		att, ok := req.Files[field]
		if !ok {
			continue
		}
		if cid, ok := inline[field]; ok {
			att.Inline = true
			att.ContentID = cid
		}
		msg.Attachments = append(msg.Attachments, att)
	}

	return []anymail.InboundEvent{{
		EventType: anymail.EventInbound,
		Timestamp: unixString(f.Get("timestamp")),
		EventID:   f.Get("token"),
		Message:   msg,
		ESPEvent:  anymail.FormJSON(f),
	}}, nil
}

// parseMessageHeaders decodes Mailgun's [[name, value], ...] header list.
// Values that are not strings (Content-Type is sent pre-parsed) are skipped.
func parseMessageHeaders(raw string) []anymail.Header {
	if raw == "" {
		return nil
	}
	var pairs [][]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &pairs); err != nil {
		return nil
	}
	out := make([]anymail.Header, 0, len(pairs))
	for _, pair := range pairs {
		if len(pair) != 2 {
			continue
		}
		var name, value string
		if json.Unmarshal(pair[0], &name) != nil || json.Unmarshal(pair[1], &value) != nil {
			continue
		}
		out = append(out, anymail.Header{Name: name, Value: value})
	}
	return out
}

func headerValue(headers []anymail.Header, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// bracketed matches the "<id@domain>" form the send API returns.
func bracketed(id string) string {
	if id == "" || strings.HasPrefix(id, "<") {
		return id
	}
	return "<" + id + ">"
}

func floatTime(secs float64) time.Time {
	if secs == 0 {
		return time.Time{}
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC()
}

func unixString(s string) time.Time {
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}
	}
	return floatTime(secs)
}

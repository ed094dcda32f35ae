// Package postal parses Postal's RSA-signed tracking webhook.
package postal

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"anymail/internal/anymail"
)

const (
	Name = "Postal"

	keySetting = "ANYMAIL_POSTAL_WEBHOOK_KEY"
	// SignatureHeader is the base64 RSA signature of the raw body.
	SignatureHeader = "X-Postal-Signature"
)

type Webhooks struct {
	key  *rsa.PublicKey
	Auth *anymail.BasicAuth
}

// NewWebhooks takes the server's public key as Postal displays it: base64
// DER, with or without PEM armor and line breaks.
func NewWebhooks(publicKey, secret string) (*Webhooks, error) {
	if strings.TrimSpace(publicKey) == "" {
		return nil, anymail.MissingSetting(Name, keySetting)
	}
	key, err := ParsePublicKey(publicKey)
	if err != nil {
		return nil, &anymail.ConfigurationError{Msg: "Invalid " + keySetting + ": " + err.Error()}
	}
	return &Webhooks{key: key, Auth: anymail.NewBasicAuth(Name, secret)}, nil
}

func ParsePublicKey(s string) (*rsa.PublicKey, error) {
	var b64 strings.Builder
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "-----") {
			continue
		}
		b64.WriteString(line)
	}
	der, err := base64.StdEncoding.DecodeString(b64.String())
	if err != nil {
		return nil, err
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, err
	}
	key, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, &anymail.Error{Msg: "not an RSA public key"}
	}
	return key, nil
}

func (w *Webhooks) ESPName() string { return Name }

func (w *Webhooks) verify(req *anymail.WebhookRequest) error {
	if w.Auth.Configured() {
		if err := w.Auth.Verify(req); err != nil {
			return err
		}
	}
	sig, err := base64.StdEncoding.DecodeString(req.Header.Get(SignatureHeader))
	if err != nil || len(sig) == 0 {
		return anymail.InvalidSignature(Name, keySetting)
	}
	digest := sha1.Sum(req.Body)
	if err := rsa.VerifyPKCS1v15(w.key, crypto.SHA1, digest[:], sig); err != nil {
		return anymail.InvalidSignature(Name, keySetting)
	}
	return nil
}

var statusTypes = map[string]anymail.EventType{
	"Sent":     anymail.EventDelivered,
	"SoftFail": anymail.EventDeferred,
	"HardFail": anymail.EventFailed,
	"Held":     anymail.EventQueued,
}

var eventTypes = map[string]anymail.EventType{
	"MessageSent":           anymail.EventDelivered,
	"MessageDelayed":        anymail.EventDeferred,
	"MessageDeliveryFailed": anymail.EventFailed,
	"MessageHeld":           anymail.EventQueued,
	"MessageBounced":        anymail.EventBounced,
	"MessageLinkClicked":    anymail.EventClicked,
	"MessageLoaded":         anymail.EventOpened,
}

type message struct {
	ID        json.Number `json:"id"`
	Direction string      `json:"direction"`
	To        string      `json:"to"`
	Tag       *string     `json:"tag"`
}

type event struct {
	Event     string  `json:"event"`
	Timestamp float64 `json:"timestamp"`
	UUID      string  `json:"uuid"`
	RcptTo    *string `json:"rcpt_to"`
	Payload   struct {
		Status          *string          `json:"status"`
		Details         string           `json:"details"`
		Output          string           `json:"output"`
		URL             string           `json:"url"`
		UserAgent       string           `json:"user_agent"`
		Bounce          *json.RawMessage `json:"bounce"`
		Message         *message         `json:"message"`
		OriginalMessage *message         `json:"original_message"`
	} `json:"payload"`
}

// ParseTracking returns no events for messages Postal received rather than
// sent; Postal reports those too when an HTTP route fails.
func (w *Webhooks) ParseTracking(req *anymail.WebhookRequest) ([]anymail.TrackingEvent, error) {
	if err := w.verify(req); err != nil {
		return nil, err
	}
	var e event
	if err := json.Unmarshal(req.Body, &e); err != nil {
		return nil, &anymail.Error{Msg: "Postal webhook has invalid JSON", Err: err}
	}
	if e.RcptTo != nil {
		return nil, anymail.WrongEndpoint(Name, "inbound", "tracking")
	}

	p := e.Payload
	var eventType anymail.EventType
	switch {
	case p.Status != nil:
		eventType = anymail.MapEvent(statusTypes, *p.Status)
	case p.Bounce != nil:
		eventType = anymail.EventBounced
	case p.URL != "":
		eventType = anymail.EventClicked
	default:
		eventType = anymail.MapEvent(eventTypes, e.Event)
	}

	ev := anymail.TrackingEvent{
		EventType:   eventType,
		EventID:     e.UUID,
		Description: p.Details,
		MTAResponse: p.Output,
		ClickURL:    p.URL,
		UserAgent:   p.UserAgent,
		Tags:        []string{},
		ESPEvent:    json.RawMessage(req.Body),
	}
	if e.Timestamp > 0 {
		ev.Timestamp = time.Unix(int64(e.Timestamp), 0).UTC()
	}
	if eventType == anymail.EventBounced {
		ev.RejectReason = anymail.ReasonBounced
	}

	msg := p.Message
	if msg == nil {
		msg = p.OriginalMessage
	}
	if msg != nil {
		if msg.Direction == "incoming" {
			return nil, nil
		}
		ev.MessageID = msg.ID.String()
		ev.Recipient = msg.To
		if msg.Tag != nil && *msg.Tag != "" {
			ev.Tags = []string{*msg.Tag}
		}
	}
	return []anymail.TrackingEvent{ev}, nil
}

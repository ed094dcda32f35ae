// Package mailjet parses Mailjet's event tracking webhook.
package mailjet

import (
	"bytes"
	"encoding/json"
	"time"

	"anymail/internal/anymail"
)

const Name = "Mailjet"

// Webhooks is protected only by the shared basic auth secret.
type Webhooks struct {
	Auth *anymail.BasicAuth
}

func NewWebhooks(secret string) *Webhooks {
	return &Webhooks{Auth: anymail.NewBasicAuth(Name, secret)}
}

func (w *Webhooks) ESPName() string { return Name }

var eventTypes = map[string]anymail.EventType{
	"sent":    anymail.EventDelivered, // accepted by the receiving MTA
	"open":    anymail.EventOpened,
	"click":   anymail.EventClicked,
	"bounce":  anymail.EventBounced,
	"blocked": anymail.EventRejected,
	"spam":    anymail.EventComplained,
	"unsub":   anymail.EventUnsubscribed,
}

var rejectReasons = map[string]anymail.RejectReason{
	// related to the recipient
	"user unknown":     anymail.ReasonBounced,
	"mailbox inactive": anymail.ReasonBounced,
	"quota exceeded":   anymail.ReasonBounced,
	"blacklisted":      anymail.ReasonBlocked,
	"spam reporter":    anymail.ReasonSpam,
	// related to the domain
	"invalid domain":      anymail.ReasonBounced,
	"no mail host":        anymail.ReasonBounced,
	"relay/access denied": anymail.ReasonBounced,
	"greylisted":          anymail.ReasonOther,
	"typofix":             anymail.ReasonInvalid,
	// Mailjet policy and filtering
	"sender blocked":  anymail.ReasonBlocked,
	"content blocked": anymail.ReasonBlocked,
	"policy issue":    anymail.ReasonBlocked,
	"preblocked":      anymail.ReasonBlocked,

	"duplicate in campaign": anymail.ReasonOther,
}

type event struct {
	Event          string      `json:"event"`
	Time           int64       `json:"time"`
	MessageID      json.Number `json:"MessageID"`
	Email          string      `json:"email"`
	Error          *string     `json:"error"`
	HardBounce     bool        `json:"hard_bounce"`
	SMTPReply      string      `json:"smtp_reply"`
	CustomCampaign string      `json:"customcampaign"`
	Payload        string      `json:"Payload"`
	URL            string      `json:"url"`
	Agent          string      `json:"agent"`
}

// ParseTracking accepts a single event object or, when Mailjet groups
// events, an array of them.
func (w *Webhooks) ParseTracking(req *anymail.WebhookRequest) ([]anymail.TrackingEvent, error) {
	if err := w.Auth.Verify(req); err != nil {
		return nil, err
	}

	var raws []json.RawMessage
	body := bytes.TrimSpace(req.Body)
	if len(body) > 0 && body[0] == '{' {
		raws = []json.RawMessage{body}
	} else if err := json.Unmarshal(body, &raws); err != nil {
		return nil, &anymail.Error{Msg: "Mailjet webhook body is not a JSON event or array", Err: err}
	}

	out := make([]anymail.TrackingEvent, 0, len(raws))
	for _, raw := range raws {
		var e event
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&e); err != nil {
			return nil, &anymail.Error{Msg: "Mailjet webhook has an invalid event", Err: err}
		}
		out = append(out, toTrackingEvent(e, raw))
	}
	return out, nil
}

func toTrackingEvent(e event, raw json.RawMessage) anymail.TrackingEvent {
	ev := anymail.TrackingEvent{
		EventType:   anymail.MapEvent(eventTypes, e.Event),
		MessageID:   e.MessageID.String(),
		Recipient:   e.Email,
		MTAResponse: e.SMTPReply,
		ClickURL:    e.URL,
		UserAgent:   e.Agent,
		Tags:        []string{},
		Metadata:    map[string]any{},
		ESPEvent:    raw,
	}
	if e.Time > 0 {
		ev.Timestamp = time.Unix(e.Time, 0).UTC()
	}
	if e.Error != nil {
		// greylisting is temporary; Mailjet retries delivery
		if *e.Error == "greylisted" && !e.HardBounce {
			ev.EventType = anymail.EventDeferred
		}
		ev.RejectReason = anymail.MapReject(rejectReasons, *e.Error)
		if ev.RejectReason == "" {
			ev.RejectReason = anymail.ReasonOther
		}
	}
	if e.CustomCampaign != "" {
		ev.Tags = []string{e.CustomCampaign}
	}
	if e.Payload != "" {
		var md map[string]any
		if err := json.Unmarshal([]byte(e.Payload), &md); err == nil {
			ev.Metadata = md
		}
	}
	return ev
}

package sendgrid

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"anymail/internal/anymail"
)

// Webhooks parses the SendGrid Event Webhook. Only basic auth protects it.
type Webhooks struct {
	Auth *anymail.BasicAuth
}

func NewWebhooks(secret string) *Webhooks {
	return &Webhooks{Auth: anymail.NewBasicAuth(Name, secret)}
}

func (w *Webhooks) ESPName() string { return Name }

var eventTypes = map[string]anymail.EventType{
	"processed":         anymail.EventQueued,
	"deferred":          anymail.EventDeferred,
	"delivered":         anymail.EventDelivered,
	"bounce":            anymail.EventBounced,
	"dropped":           anymail.EventRejected,
	"spamreport":        anymail.EventComplained,
	"unsubscribe":       anymail.EventUnsubscribed,
	"group_unsubscribe": anymail.EventUnsubscribed,
	"group_resubscribe": anymail.EventUnknown,
	"open":              anymail.EventOpened,
	"click":             anymail.EventClicked,
}

// dropReasons is keyed by the lower-cased dropped-event reason.
var dropReasons = map[string]anymail.RejectReason{
	"invalid":                anymail.ReasonInvalid,
	"invalid smtpapi header": anymail.ReasonOther,
	"spam content":           anymail.ReasonSpam,
	"unsubscribed address":   anymail.ReasonUnsubscribed,
	"bounced address":        anymail.ReasonBounced,
	"spam reporting address": anymail.ReasonSpam,
}

// standardFields are SendGrid's own event keys; anything else is custom_args.
var standardFields = map[string]bool{
	"email": true, "timestamp": true, "event": true, "sg_event_id": true,
	"sg_message_id": true, "smtp-id": true, "category": true, "reason": true,
	"status": true, "response": true, "type": true, "url": true, "url_offset": true,
	"useragent": true, "ip": true, "tls": true, "cert_err": true, "attempt": true,
	"asm_group_id": true, "anymail_id": true, "marketing_campaign_id": true,
	"marketing_campaign_name": true, "marketing_campaign_version": true,
	"marketing_campaign_split_id": true, "newsletter": true, "pool": true,
	"send_at": true, "sg_content_type": true, "sg_machine_open": true,
	"sg_template_id": true, "sg_template_name": true, "bounce_classification": true,
	"post_type": true,
}

func (w *Webhooks) ParseTracking(req *anymail.WebhookRequest) ([]anymail.TrackingEvent, error) {
	if err := w.Auth.Verify(req); err != nil {
		return nil, err
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(req.Body, &raw); err != nil {
		return nil, &anymail.Error{Msg: "SendGrid tracking webhook expects a JSON array", Err: err}
	}
	out := make([]anymail.TrackingEvent, 0, len(raw))
	for _, r := range raw {
		ev, err := parseEvent(r)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func parseEvent(raw json.RawMessage) (anymail.TrackingEvent, error) {
	var fields map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return anymail.TrackingEvent{}, &anymail.Error{Msg: "SendGrid event is not a JSON object", Err: err}
	}
	str := func(k string) string {
		switch v := fields[k].(type) {
		case string:
			return v
		case json.Number:
			return v.String()
		}
		return ""
	}

	name := str("event")
	ev := anymail.TrackingEvent{
		EventType: anymail.MapEvent(eventTypes, name),
		EventID:   str("sg_event_id"),
		MessageID: str("anymail_id"),
		Recipient: str("email"),
		ClickURL:  str("url"),
		UserAgent: str("useragent"),
		ESPEvent:  raw,
	}
	if ev.MessageID == "" {
		ev.MessageID = str("sg_message_id")
	}
	if n, ok := fields["timestamp"].(json.Number); ok {
		if secs, err := n.Int64(); err == nil {
			ev.Timestamp = time.Unix(secs, 0).UTC()
		}
	}

	switch name {
	case "bounce":
		ev.RejectReason = anymail.ReasonBounced
		if str("type") == "blocked" {
			ev.RejectReason = anymail.ReasonBlocked
		}
		ev.Description = str("reason")
		ev.MTAResponse = str("status")
	case "dropped":
		ev.RejectReason = anymail.MapReject(dropReasons, strings.ToLower(str("reason")))
		ev.Description = str("reason")
	case "spamreport":
		ev.RejectReason = anymail.ReasonSpam
	case "unsubscribe", "group_unsubscribe":
		ev.RejectReason = anymail.ReasonUnsubscribed
	case "deferred":
		ev.MTAResponse = str("response")
	}

	switch c := fields["category"].(type) {
	case string:
		ev.Tags = []string{c}
	case []any:
		for _, t := range c {
			if s, ok := t.(string); ok {
				ev.Tags = append(ev.Tags, s)
			}
		}
	}

	for k, v := range fields {
		if standardFields[k] {
			continue
		}
		if ev.Metadata == nil {
			ev.Metadata = map[string]any{}
		}
		if n, ok := v.(json.Number); ok {
			v = n.String()
		}
		ev.Metadata[k] = v
	}
	return ev, nil
}

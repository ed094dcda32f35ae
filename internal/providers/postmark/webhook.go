package postmark

import (
	"encoding/base64"
	"encoding/json"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"anymail/internal/anymail"
)

// Webhooks parses Postmark tracking and inbound posts. Postmark does not sign
// webhooks, so only basic auth protects them.
type Webhooks struct {
	Auth *anymail.BasicAuth
}

func NewWebhooks(secret string) *Webhooks {
	return &Webhooks{Auth: anymail.NewBasicAuth(Name, secret)}
}

func (w *Webhooks) ESPName() string { return Name }

// bounceTypes maps a Bounce record's Type to event type and reject reason.
var bounceTypes = map[string]struct {
	event  anymail.EventType
	reason anymail.RejectReason
}{
	"HardBounce":              {anymail.EventBounced, anymail.ReasonBounced},
	"Transient":               {anymail.EventDeferred, anymail.ReasonOther},
	"Unsubscribe":             {anymail.EventUnsubscribed, anymail.ReasonUnsubscribed},
	"Subscribe":               {anymail.EventUnknown, ""},
	"AutoResponder":           {anymail.EventUnknown, ""},
	"AddressChange":           {anymail.EventUnknown, ""},
	"DnsError":                {anymail.EventDeferred, anymail.ReasonOther},
	"SpamNotification":        {anymail.EventComplained, anymail.ReasonSpam},
	"OpenRelayTest":           {anymail.EventDeferred, anymail.ReasonOther},
	"Unknown":                 {anymail.EventUnknown, ""},
	"SoftBounce":              {anymail.EventDeferred, anymail.ReasonBounced},
	"VirusNotification":       {anymail.EventBounced, anymail.ReasonOther},
	"ChallengeVerification":   {anymail.EventDeferred, ""},
	"BadEmailAddress":         {anymail.EventRejected, anymail.ReasonInvalid},
	"SpamComplaint":           {anymail.EventComplained, anymail.ReasonSpam},
	"ManuallyDeactivated":     {anymail.EventRejected, anymail.ReasonBlocked},
	"Unconfirmed":             {anymail.EventRejected, ""},
	"Blocked":                 {anymail.EventRejected, anymail.ReasonBlocked},
	"SMTPApiError":            {anymail.EventFailed, ""},
	"InboundError":            {anymail.EventFailed, ""},
	"DMARCPolicy":             {anymail.EventRejected, anymail.ReasonBlocked},
	"TemplateRenderingFailed": {anymail.EventFailed, ""},
}

var recordTypes = map[string]anymail.EventType{
	"Delivery":      anymail.EventDelivered,
	"Open":          anymail.EventOpened,
	"Click":         anymail.EventClicked,
	"SpamComplaint": anymail.EventComplained,
}

var suppressionReasons = map[string]anymail.RejectReason{
	"HardBounce":        anymail.ReasonBounced,
	"SpamComplaint":     anymail.ReasonSpam,
	"ManualSuppression": anymail.ReasonUnsubscribed,
}

type trackingRecord struct {
	RecordType  string          `json:"RecordType"`
	ID          json.Number     `json:"ID"`
	Type        string          `json:"Type"`
	MessageID   string          `json:"MessageID"`
	Recipient   string          `json:"Recipient"`
	Email       string          `json:"Email"`
	Tag         string          `json:"Tag"`
	Metadata    map[string]any  `json:"Metadata"`
	Description string          `json:"Description"`
	Details     string          `json:"Details"`
	UserAgent   string          `json:"UserAgent"`
	OriginalURL string          `json:"OriginalLink"`
	FirstOpen   *bool           `json:"FirstOpen"`
	DeliveredAt string          `json:"DeliveredAt"`
	BouncedAt   string          `json:"BouncedAt"`
	ReceivedAt  string          `json:"ReceivedAt"`
	ChangedAt   string          `json:"ChangedAt"`
	Suppress    *bool           `json:"SuppressSending"`
	Reason      string          `json:"SuppressionReason"`
	FromFull    json.RawMessage `json:"FromFull"`
}

func (w *Webhooks) ParseTracking(req *anymail.WebhookRequest) ([]anymail.TrackingEvent, error) {
	if err := w.Auth.Verify(req); err != nil {
		return nil, err
	}
	var rec trackingRecord
	if err := json.Unmarshal(req.Body, &rec); err != nil {
		return nil, &anymail.Error{Msg: "Postmark tracking webhook has invalid JSON", Err: err}
	}
	if rec.RecordType == "" && len(rec.FromFull) > 0 {
		return nil, anymail.WrongEndpoint(Name, "inbound", "tracking")
	}

	ev := anymail.TrackingEvent{
		EventType:   anymail.EventUnknown,
		MessageID:   rec.MessageID,
		EventID:     rec.ID.String(),
		Recipient:   rec.Recipient,
		Description: rec.Description,
		MTAResponse: rec.Details,
		Metadata:    rec.Metadata,
		ClickURL:    rec.OriginalURL,
		UserAgent:   rec.UserAgent,
		ESPEvent:    json.RawMessage(req.Body),
	}
	if rec.Tag != "" {
		ev.Tags = []string{rec.Tag}
	}
	if ev.Recipient == "" {
		ev.Recipient = rec.Email
	}

	recordType := rec.RecordType
	if recordType == "" {
		recordType = inferRecordType(&rec)
	}
	switch recordType {
	case "Bounce":
		if bt, ok := bounceTypes[rec.Type]; ok {
			ev.EventType, ev.RejectReason = bt.event, bt.reason
		} else {
			ev.RejectReason = anymail.ReasonOther
		}
		ev.Timestamp = parseTime(rec.BouncedAt)
	case "SpamComplaint":
		ev.EventType, ev.RejectReason = anymail.EventComplained, anymail.ReasonSpam
		ev.Timestamp = parseTime(rec.BouncedAt)
	case "SubscriptionChange":
		if rec.Suppress != nil && *rec.Suppress {
			ev.EventType = anymail.EventUnsubscribed
			ev.RejectReason = anymail.MapReject(suppressionReasons, rec.Reason)
		}
		ev.Timestamp = parseTime(rec.ChangedAt)
	default:
		ev.EventType = anymail.MapEvent(recordTypes, recordType)
		ev.Timestamp = parseTime(firstNonEmpty(rec.DeliveredAt, rec.ReceivedAt))
	}
	return []anymail.TrackingEvent{ev}, nil
}

// inferRecordType handles payloads from before Postmark added RecordType.
func inferRecordType(rec *trackingRecord) string {
	switch {
	case rec.Type != "":
		return "Bounce"
	case rec.DeliveredAt != "":
		return "Delivery"
	case rec.OriginalURL != "":
		return "Click"
	case rec.FirstOpen != nil:
		return "Open"
	}
	return ""
}

type inboundAddress struct {
	Email string `json:"Email"`
	Name  string `json:"Name"`
}

type inboundAttachment struct {
	Name        string `json:"Name"`
	Content     string `json:"Content"`
	ContentType string `json:"ContentType"`
	ContentID   string `json:"ContentID"`
}

type inboundRecord struct {
	RecordType        string              `json:"RecordType"`
	MessageID         string              `json:"MessageID"`
	FromFull          *inboundAddress     `json:"FromFull"`
	ToFull            []inboundAddress    `json:"ToFull"`
	CcFull            []inboundAddress    `json:"CcFull"`
	BccFull           []inboundAddress    `json:"BccFull"`
	OriginalRecipient string              `json:"OriginalRecipient"`
	ReplyTo           string              `json:"ReplyTo"`
	Subject           string              `json:"Subject"`
	Date              string              `json:"Date"`
	TextBody          string              `json:"TextBody"`
	HtmlBody          string              `json:"HtmlBody"`
	StrippedTextReply string              `json:"StrippedTextReply"`
	Headers           []anymail.Header    `json:"Headers"`
	Attachments       []inboundAttachment `json:"Attachments"`
}

func (w *Webhooks) ParseInbound(req *anymail.WebhookRequest) ([]anymail.InboundEvent, error) {
	if err := w.Auth.Verify(req); err != nil {
		return nil, err
	}
	var rec inboundRecord
	if err := json.Unmarshal(req.Body, &rec); err != nil {
		return nil, &anymail.Error{Msg: "Postmark inbound webhook has invalid JSON", Err: err}
	}
	if rec.RecordType != "" && rec.RecordType != "Inbound" {
		return nil, anymail.WrongEndpoint(Name, "tracking", "inbound")
	}

	msg := &anymail.InboundMessage{
		To:                addresses(rec.ToFull),
		Cc:                addresses(rec.CcFull),
		Bcc:               addresses(rec.BccFull),
		Subject:           rec.Subject,
		TextBody:          rec.TextBody,
		HTMLBody:          rec.HtmlBody,
		StrippedText:      rec.StrippedTextReply,
		EnvelopeRecipient: rec.OriginalRecipient,
	}
	if rec.FromFull != nil {
		msg.From = &anymail.EmailAddress{Name: rec.FromFull.Name, AddrSpec: rec.FromFull.Email}
	}
	if t, err := mail.ParseDate(rec.Date); err == nil {
		msg.Date = t
	}

	// Postmark leaves a stale Return-Path from the sending relay in the list;
	// the first one is the envelope sender.
	seenReturnPath := false
	for _, h := range rec.Headers {
		if strings.EqualFold(h.Name, "Return-Path") {
			if !seenReturnPath {
				msg.EnvelopeSender = strings.Trim(h.Value, "<>")
				seenReturnPath = true
			}
			continue
		}
		msg.Headers = append(msg.Headers, h)
	}
	if rec.ReplyTo != "" {
		msg.Headers = append(msg.Headers, anymail.Header{Name: "Reply-To", Value: rec.ReplyTo})
	}
	if s := msg.Header("X-Spam-Status"); s != "" {
		spam := strings.HasPrefix(strings.ToLower(s), "yes")
		msg.SpamDetected = &spam
	}
	if s := msg.Header("X-Spam-Score"); s != "" {
		if score, err := strconv.ParseFloat(s, 64); err == nil {
			msg.SpamScore = &score
		}
	}

	for _, a := range rec.Attachments {
		content, err := base64.StdEncoding.DecodeString(a.Content)
		if err != nil {
			return nil, &anymail.Error{Msg: "Postmark inbound attachment has invalid base64 content", Err: err}
		}
		ct := a.ContentType
		if i := strings.Index(ct, ";"); i >= 0 {
			ct = strings.TrimSpace(ct[:i])
		}
		msg.Attachments = append(msg.Attachments, anymail.Attachment{
			Name:      a.Name,
			Content:   content,
			MimeType:  ct,
			Inline:    a.ContentID != "",
			ContentID: a.ContentID,
		})
	}

	return []anymail.InboundEvent{{
		EventType: anymail.EventInbound,
		EventID:   rec.MessageID,
		Message:   msg,
		ESPEvent:  json.RawMessage(req.Body),
	}}, nil
}

func addresses(list []inboundAddress) []anymail.EmailAddress {
	if len(list) == 0 {
		return nil
	}
	out := make([]anymail.EmailAddress, len(list))
	for i, a := range list {
		out[i] = anymail.EmailAddress{Name: a.Name, AddrSpec: a.Email}
	}
	return out
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

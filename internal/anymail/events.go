package anymail

import (
	"encoding/json"
	"strings"
	"time"
)

// EventType is the normalized webhook event type.
type EventType string

const (
	EventQueued       EventType = "queued"
	EventSent         EventType = "sent"
	EventDelivered    EventType = "delivered"
	EventDeferred     EventType = "deferred"
	EventBounced      EventType = "bounced"
	EventRejected     EventType = "rejected"
	EventComplained   EventType = "complained"
	EventUnsubscribed EventType = "unsubscribed"
	EventOpened       EventType = "opened"
	EventClicked      EventType = "clicked"
	EventFailed       EventType = "failed"
	EventUnknown      EventType = "unknown"
	EventInbound      EventType = "inbound"
)

// RejectReason is the normalized reason a message was not delivered.
type RejectReason string

const (
	ReasonBounced      RejectReason = "bounced"
	ReasonBlocked      RejectReason = "blocked"
	ReasonSpam         RejectReason = "spam"
	ReasonUnsubscribed RejectReason = "unsubscribed"
	ReasonInvalid      RejectReason = "invalid"
	ReasonTimedOut     RejectReason = "timed_out"
	ReasonOther        RejectReason = "other"
)

// MapEvent looks name up in an ESP's event table. Unmapped names are unknown.
func MapEvent(table map[string]EventType, name string) EventType {
	if t, ok := table[name]; ok {
		return t
	}
	return EventUnknown
}

// MapReject looks s up in an ESP's reject-reason table. Empty input has no
// reason; any other unmapped string is other.
func MapReject(table map[string]RejectReason, s string) RejectReason {
	if s == "" {
		return ""
	}
	if r, ok := table[s]; ok {
		return r
	}
	return ReasonOther
}

// TrackingEvent is one normalized delivery or engagement event.
type TrackingEvent struct {
	EventType    EventType       `json:"event_type"`
	Timestamp    time.Time       `json:"timestamp,omitzero"`
	MessageID    string          `json:"message_id,omitempty"`
	EventID      string          `json:"event_id,omitempty"`
	Recipient    string          `json:"recipient,omitempty"`
	RejectReason RejectReason    `json:"reject_reason,omitempty"`
	Description  string          `json:"description,omitempty"`
	MTAResponse  string          `json:"mta_response,omitempty"`
	Tags         []string        `json:"tags,omitempty"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
	ClickURL     string          `json:"click_url,omitempty"`
	UserAgent    string          `json:"user_agent,omitempty"`
	ESPEvent     json.RawMessage `json:"esp_event,omitempty"`
}

// InboundMessage is a received email, assembled from fields the ESP already
// parsed.
type InboundMessage struct {
	From         *EmailAddress  `json:"from,omitempty"`
	To           []EmailAddress `json:"to,omitempty"`
	Cc           []EmailAddress `json:"cc,omitempty"`
	Bcc          []EmailAddress `json:"bcc,omitempty"`
	Subject      string         `json:"subject,omitempty"`
	Date         time.Time      `json:"date,omitzero"`
	TextBody     string         `json:"text,omitempty"`
	HTMLBody     string         `json:"html,omitempty"`
	StrippedText string         `json:"stripped_text,omitempty"`
	Headers      []Header       `json:"headers,omitempty"`
	Attachments  []Attachment   `json:"attachments,omitempty"`

	EnvelopeSender    string   `json:"envelope_sender,omitempty"`
	EnvelopeRecipient string   `json:"envelope_recipient,omitempty"`
	SpamDetected      *bool    `json:"spam_detected,omitempty"`
	SpamScore         *float64 `json:"spam_score,omitempty"`
}

// Header is one raw header line. Order and repeats are preserved.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Header returns the first value of the named header.
func (m *InboundMessage) Header(name string) string {
	for _, h := range m.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// HeaderValues returns every value of the named header, in order.
func (m *InboundMessage) HeaderValues(name string) []string {
	var out []string
	for _, h := range m.Headers {
		if strings.EqualFold(h.Name, name) {
			out = append(out, h.Value)
		}
	}
	return out
}

// InboundEvent wraps a received message.
type InboundEvent struct {
	EventType EventType       `json:"event_type"`
	Timestamp time.Time       `json:"timestamp,omitzero"`
	EventID   string          `json:"event_id,omitempty"`
	Message   *InboundMessage `json:"message"`
	ESPEvent  json.RawMessage `json:"esp_event,omitempty"`
}

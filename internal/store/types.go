package store

import (
	"time"

	"anymail/internal/anymail"
)

// TrackingEventRecord is a normalized tracking event as persisted.
type TrackingEventRecord struct {
	ID         string
	ESP        string
	Event      anymail.TrackingEvent
	ReceivedAt time.Time
}

type InboundEventRecord struct {
	ID         string
	ESP        string
	Event      anymail.InboundEvent
	ReceivedAt time.Time
}

// SendResult is one recipient's outcome of a send.
type SendResult struct {
	ID        string
	ESP       string
	MessageID string
	Recipient string
	Status    anymail.SendStatus
	Subject   string
	CreatedAt time.Time
}

// SendResultsFor flattens a sent message's status into one row per recipient.
func SendResultsFor(esp string, msg *anymail.Message, newID func() string, now time.Time) []SendResult {
	if msg.Status == nil {
		return nil
	}
	out := make([]SendResult, 0, len(msg.Status.Recipients))
	seen := make(map[string]bool, len(msg.Status.Recipients))
	for _, addr := range msg.Recipients() {
		key := recipientKey(addr)
		rs, ok := msg.Status.Recipients[key]
		if !ok || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, SendResult{
			ID:        newID(),
			ESP:       esp,
			MessageID: rs.MessageID,
			Recipient: key,
			Status:    rs.Status,
			Subject:   msg.Subject,
			CreatedAt: now,
		})
	}
	return out
}

func recipientKey(addr string) string {
	parsed, err := anymail.ParseAddress(addr)
	if err != nil {
		return addr
	}
	return parsed.AddrSpec
}

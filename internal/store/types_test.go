package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anymail/internal/anymail"
)

func TestSendResultsFor(t *testing.T) {
	msg := &anymail.Message{
		Subject: "Receipt",
		To:      []string{"Alice <alice@example.com>", "bob@example.com"},
		Cc:      []string{"alice@example.com"},
		Bcc:     []string{"carol@example.com"},
		Status: &anymail.AggregateStatus{Recipients: map[string]anymail.RecipientStatus{
			"alice@example.com": {MessageID: "m1", Status: anymail.StatusSent},
			"bob@example.com":   {MessageID: "m2", Status: anymail.StatusRejected},
		}},
	}
	n := 0
	newID := func() string { n++; return fmt.Sprintf("id%d", n) }
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	got := SendResultsFor("Postmark", msg, newID, now)
	require.Len(t, got, 2)
	assert.Equal(t, SendResult{
		ID: "id1", ESP: "Postmark", MessageID: "m1", Recipient: "alice@example.com",
		Status: anymail.StatusSent, Subject: "Receipt", CreatedAt: now,
	}, got[0])
	assert.Equal(t, "bob@example.com", got[1].Recipient)
	assert.Equal(t, anymail.StatusRejected, got[1].Status)
}

func TestSendResultsFor_NoStatus(t *testing.T) {
	assert.Nil(t, SendResultsFor("Test", &anymail.Message{To: []string{"a@example.com"}}, nil, time.Time{}))
}

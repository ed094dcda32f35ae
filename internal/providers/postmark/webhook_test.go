package postmark

import (
	"encoding/base64"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anymail/internal/anymail"
)

func jsonRequest(body string) *anymail.WebhookRequest {
	return &anymail.WebhookRequest{
		Method: http.MethodPost,
		URL:    "https://example.com/anymail/postmark/tracking/",
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   []byte(body),
	}
}

func withBasicAuth(req *anymail.WebhookRequest, cred string) *anymail.WebhookRequest {
	req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(cred)))
	return req
}

func TestParseTracking_Bounce(t *testing.T) {
	w := NewWebhooks("")
	events, err := w.ParseTracking(jsonRequest(`{
		"RecordType": "Bounce",
		"ID": 901542550,
		"Type": "HardBounce",
		"MessageID": "2706ee8a-737c-4285-b032-ccd317af53ed",
		"Description": "The server was unable to deliver your message.",
		"Details": "smtp;550 5.1.1 The email account does not exist.",
		"Email": "bounce@example.com",
		"BouncedAt": "2016-04-27T16:28:50.3963933-04:00",
		"Tag": "welcome"
	}`))
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, anymail.EventBounced, ev.EventType)
	assert.Equal(t, anymail.ReasonBounced, ev.RejectReason)
	assert.Equal(t, "901542550", ev.EventID)
	assert.Equal(t, "bounce@example.com", ev.Recipient)
	assert.Equal(t, "2706ee8a-737c-4285-b032-ccd317af53ed", ev.MessageID)
	assert.Equal(t, "smtp;550 5.1.1 The email account does not exist.", ev.MTAResponse)
	assert.Equal(t, []string{"welcome"}, ev.Tags)
	want := time.Date(2016, 4, 27, 16, 28, 50, 396393300, time.FixedZone("", -4*3600))
	assert.True(t, want.Equal(ev.Timestamp), ev.Timestamp)
}

func TestParseTracking_LegacyRecordsWithoutRecordType(t *testing.T) {
	w := NewWebhooks("")

	events, err := w.ParseTracking(jsonRequest(`{"MessageID":"m1","Recipient":"r@example.com","DeliveredAt":"2014-08-01T13:28:10.2735393-04:00"}`))
	require.NoError(t, err)
	assert.Equal(t, anymail.EventDelivered, events[0].EventType)

	events, err = w.ParseTracking(jsonRequest(`{"FirstOpen":true,"MessageID":"m1","Recipient":"r@example.com","UserAgent":"Mozilla/5.0","ReceivedAt":"2016-04-27T16:21:41.2493688-04:00"}`))
	require.NoError(t, err)
	assert.Equal(t, anymail.EventOpened, events[0].EventType)
	assert.Equal(t, "Mozilla/5.0", events[0].UserAgent)
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestParseTracking_UnknownBounceTypeAndRecordType(t *testing.T) {
	w := NewWebhooks("")

	events, err := w.ParseTracking(jsonRequest(`{"RecordType":"Bounce","Type":"SomethingNew","Email":"x@example.com"}`))
	require.NoError(t, err)
	assert.Equal(t, anymail.EventUnknown, events[0].EventType)
	assert.Equal(t, anymail.ReasonOther, events[0].RejectReason)

	events, err = w.ParseTracking(jsonRequest(`{"RecordType":"Teleport","Recipient":"x@example.com"}`))
	require.NoError(t, err)
	assert.Equal(t, anymail.EventUnknown, events[0].EventType)
}

func TestParseTracking_SubscriptionChange(t *testing.T) {
	w := NewWebhooks("")
	events, err := w.ParseTracking(jsonRequest(`{
		"RecordType": "SubscriptionChange",
		"MessageID": "m2",
		"Recipient": "r@example.com",
		"SuppressSending": true,
		"SuppressionReason": "ManualSuppression",
		"ChangedAt": "2020-01-01T00:00:00Z"
	}`))
	require.NoError(t, err)
	assert.Equal(t, anymail.EventUnsubscribed, events[0].EventType)
	assert.Equal(t, anymail.ReasonUnsubscribed, events[0].RejectReason)
}

func TestParseTracking_InboundPayloadOnTrackingURL(t *testing.T) {
	w := NewWebhooks("")
	_, err := w.ParseTracking(jsonRequest(`{"FromFull":{"Email":"from@example.org"},"Subject":"hi"}`))
	var cfgErr *anymail.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, err.Error(), "inbound")
}

func TestParseTracking_BasicAuth(t *testing.T) {
	w := NewWebhooks("user:pass,rotated:secret")

	_, err := w.ParseTracking(jsonRequest(`{"RecordType":"Delivery"}`))
	var suspicious *anymail.SuspiciousOperationError
	require.ErrorAs(t, err, &suspicious)
	assert.Contains(t, err.Error(), "ANYMAIL_WEBHOOK_SECRET")
	assert.False(t, anymail.IsAnymailError(err))

	_, err = w.ParseTracking(withBasicAuth(jsonRequest(`{"RecordType":"Delivery"}`), "user:wrong"))
	require.ErrorAs(t, err, &suspicious)

	_, err = w.ParseTracking(withBasicAuth(jsonRequest(`{"RecordType":"Delivery"}`), "rotated:secret"))
	require.NoError(t, err)
}

func TestParseInbound(t *testing.T) {
	w := NewWebhooks("")
	events, err := w.ParseInbound(jsonRequest(`{
		"FromFull": {"Email": "from+test@example.org", "Name": "Displayed From"},
		"ToFull": [{"Email": "test@inbound.example.com", "Name": "Test Inbound"}, {"Email": "other@example.com", "Name": ""}],
		"CcFull": [{"Email": "cc@example.com", "Name": ""}],
		"OriginalRecipient": "test@inbound.example.com",
		"ReplyTo": "from+test@milter.example.org",
		"Subject": "Test subject",
		"MessageID": "22c74902-a0c1-4511-804f2-341342852c90",
		"Date": "Wed, 11 Oct 2017 18:31:04 -0700",
		"TextBody": "Test body plain",
		"HtmlBody": "<div>Test body html</div>",
		"StrippedTextReply": "stripped plaintext body",
		"Headers": [
			{"Name": "Return-Path", "Value": "<envelope-from@example.org>"},
			{"Name": "Received", "Value": "from mail.example.org"},
			{"Name": "X-Spam-Status", "Value": "No"},
			{"Name": "X-Spam-Score", "Value": "1.7"},
			{"Name": "Received", "Value": "by 10.10.1.71"},
			{"Name": "Return-Path", "Value": "<fake-return-path@postmark-should-have-removed>"}
		],
		"Attachments": [
			{"Name": "test.txt", "Content": "dGVzdCBhdHRhY2htZW50", "ContentType": "text/plain"},
			{"Name": "image.png", "Content": "iVBO", "ContentType": "image/png", "ContentID": "abc123"}
		]
	}`))
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, anymail.EventInbound, ev.EventType)
	assert.True(t, ev.Timestamp.IsZero())
	assert.Equal(t, "22c74902-a0c1-4511-804f2-341342852c90", ev.EventID)

	msg := ev.Message
	assert.Equal(t, "Displayed From", msg.From.Name)
	assert.Equal(t, "from+test@example.org", msg.From.AddrSpec)
	assert.Equal(t, "Test Inbound <test@inbound.example.com>", msg.To[0].String())
	assert.Equal(t, "other@example.com", msg.To[1].String())
	assert.Equal(t, "envelope-from@example.org", msg.EnvelopeSender)
	assert.Equal(t, "test@inbound.example.com", msg.EnvelopeRecipient)
	assert.Equal(t, "stripped plaintext body", msg.StrippedText)
	assert.Equal(t, []string{"from mail.example.org", "by 10.10.1.71"}, msg.HeaderValues("Received"))
	assert.Equal(t, "from+test@milter.example.org", msg.Header("Reply-To"))
	require.NotNil(t, msg.SpamDetected)
	assert.False(t, *msg.SpamDetected)
	require.NotNil(t, msg.SpamScore)
	assert.InDelta(t, 1.7, *msg.SpamScore, 1e-9)
	assert.Equal(t, 2017, msg.Date.Year())

	require.Len(t, msg.Attachments, 2)
	assert.Equal(t, "test attachment", string(msg.Attachments[0].Content))
	assert.False(t, msg.Attachments[0].Inline)
	assert.True(t, msg.Attachments[1].Inline)
	assert.Equal(t, "abc123", msg.Attachments[1].CID())
}

func TestParseInbound_TrackingPayloadOnInboundURL(t *testing.T) {
	w := NewWebhooks("")
	_, err := w.ParseInbound(jsonRequest(`{"RecordType":"Delivery","MessageID":"m"}`))
	var cfgErr *anymail.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, err.Error(), "tracking")
}

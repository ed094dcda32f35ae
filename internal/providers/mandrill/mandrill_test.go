package mandrill

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anymail/internal/anymail"
)

type captured struct {
	Path string
	Body map[string]any
}

type fakeMandrill struct {
	mu       sync.Mutex
	requests []captured
	reply    string
}

func (f *fakeMandrill) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)
	f.mu.Lock()
	f.requests = append(f.requests, captured{Path: r.URL.Path, Body: body})
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, f.reply)
}

func newBackend(t *testing.T, f *fakeMandrill, settings anymail.Settings) *anymail.Backend {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	esp, err := New(Config{APIKey: "test-api-key", APIURL: srv.URL + "/api/1.0"})
	require.NoError(t, err)
	return anymail.New(esp, settings)
}

func (f *fakeMandrill) message(t *testing.T, i int) map[string]any {
	t.Helper()
	require.Greater(t, len(f.requests), i)
	m, ok := f.requests[i].Body["message"].(map[string]any)
	require.True(t, ok)
	return m
}

func TestNew_RequiresAPIKey(t *testing.T) {
	_, err := New(Config{})
	var cfgErr *anymail.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, err.Error(), "ANYMAIL_MANDRILL_API_KEY")
}

func TestSend_Message(t *testing.T) {
	f := &fakeMandrill{reply: `[
		{"email":"to@example.com","status":"sent","_id":"abc123"},
		{"email":"cc@example.com","status":"sent","_id":"abc124"}]`}
	b := newBackend(t, f, anymail.Settings{})

	msg := &anymail.Message{
		From:     "From Name <from@example.com>",
		To:       []string{"Recipient <to@example.com>"},
		Cc:       []string{"cc@example.com"},
		ReplyTo:  []string{"reply@example.com"},
		Subject:  "Subject",
		TextBody: "text",
		HTMLBody: "<p>html</p>",
		Headers:  map[string]string{"X-Custom": "1"},
		Attachments: []anymail.Attachment{
			{Name: "sample.txt", Content: []byte("hello"), MimeType: "text/plain"},
			{Name: "logo.png", Content: []byte("png"), MimeType: "image/png", Inline: true, ContentID: "<logo@example>"},
		},
	}
	msg.SendAt = anymail.Some(anymail.SendAt{Time: time.Date(2022, 10, 11, 12, 13, 14, 567, time.FixedZone("", -8*3600))})
	msg.Tags = anymail.Some([]string{"receipt"})
	msg.TrackClicks = anymail.Some(false)

	sent, err := b.SendMessages(context.Background(), []*anymail.Message{msg})
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	assert.Equal(t, "/api/1.0/messages/send.json", f.requests[0].Path)
	body := f.requests[0].Body
	assert.Equal(t, "test-api-key", body["key"])
	assert.Equal(t, "2022-10-11 20:13:14", body["send_at"])

	m := f.message(t, 0)
	assert.Equal(t, "from@example.com", m["from_email"])
	assert.Equal(t, "From Name", m["from_name"])
	assert.Equal(t, []any{
		map[string]any{"email": "to@example.com", "name": "Recipient", "type": "to"},
		map[string]any{"email": "cc@example.com", "type": "cc"},
	}, m["to"])
	assert.Equal(t, map[string]any{"Reply-To": "reply@example.com", "X-Custom": "1"}, m["headers"])
	assert.Equal(t, "<p>html</p>", m["html"])
	assert.Equal(t, []any{"receipt"}, m["tags"])
	assert.Equal(t, false, m["track_clicks"])
	assert.Equal(t, []any{map[string]any{"type": "text/plain", "name": "sample.txt", "content": "aGVsbG8="}}, m["attachments"])
	assert.Equal(t, []any{map[string]any{"type": "image/png", "name": "logo@example", "content": "cG5n"}}, m["images"])

	st, ok := msg.Status.Single()
	require.True(t, ok)
	assert.Equal(t, anymail.StatusSent, st)
	assert.Equal(t, "abc123", msg.Status.Recipients["to@example.com"].MessageID)
}

func TestSend_OnlyOneHTMLAlternative(t *testing.T) {
	f := &fakeMandrill{reply: `[]`}
	b := newBackend(t, f, anymail.Settings{})
	msg := &anymail.Message{
		From: "from@example.com", To: []string{"to@example.com"}, HTMLBody: "<p>1</p>",
		Alternatives: []anymail.Alternative{{Content: "<p>2</p>", MimeType: "text/html"}},
	}
	_, err := b.SendMessages(context.Background(), []*anymail.Message{msg})
	var unsupported *anymail.UnsupportedFeatureError
	require.ErrorAs(t, err, &unsupported)

	msg.HTMLBody = ""
	msg.Alternatives = []anymail.Alternative{{Content: "{}", MimeType: "application/json"}}
	_, err = b.SendMessages(context.Background(), []*anymail.Message{msg})
	require.ErrorAs(t, err, &unsupported)
	assert.Empty(t, f.requests)
}

func TestSend_TemplateAndMergeData(t *testing.T) {
	f := &fakeMandrill{reply: `[
		{"email":"alice@example.com","status":"scheduled","_id":"1"},
		{"email":"bob@example.com","status":"queued","_id":"2"}]`}
	b := newBackend(t, f, anymail.Settings{})

	msg := &anymail.Message{From: "from@example.com", To: []string{"bob@example.com", "Alice <alice@example.com>"}}
	msg.TemplateID = anymail.Some("welcome")
	msg.MergeGlobalData = anymail.Some(map[string]any{"site": "Example", "year": 2024})
	msg.MergeData = anymail.Some(map[string]map[string]any{
		"alice@example.com":    {"name": "Alice", "group": "A"},
		"bob@example.com":      {"name": "Bob"},
		"stranger@example.com": {"name": "Nobody"},
	})
	msg.MergeMetadata = anymail.Some(map[string]map[string]any{
		"bob@example.com":   {"order": "B7"},
		"alice@example.com": {"order": "A1"},
	})

	_, err := b.SendMessages(context.Background(), []*anymail.Message{msg})
	require.NoError(t, err)
	require.Len(t, f.requests, 1)
	assert.Equal(t, "/api/1.0/messages/send-template.json", f.requests[0].Path)
	assert.Equal(t, "welcome", f.requests[0].Body["template_name"])
	assert.Equal(t, []any{}, f.requests[0].Body["template_content"])

	m := f.message(t, 0)
	assert.Equal(t, false, m["preserve_recipients"])
	assert.Equal(t, []any{
		map[string]any{"name": "site", "content": "Example"},
		map[string]any{"name": "year", "content": float64(2024)},
	}, m["global_merge_vars"])
	assert.Equal(t, []any{
		map[string]any{"rcpt": "bob@example.com", "vars": []any{
			map[string]any{"name": "name", "content": "Bob"},
		}},
		map[string]any{"rcpt": "alice@example.com", "vars": []any{
			map[string]any{"name": "group", "content": "A"},
			map[string]any{"name": "name", "content": "Alice"},
		}},
	}, m["merge_vars"])
	assert.Equal(t, []any{
		map[string]any{"rcpt": "alice@example.com", "values": map[string]any{"order": "A1"}},
		map[string]any{"rcpt": "bob@example.com", "values": map[string]any{"order": "B7"}},
	}, m["recipient_metadata"])

	assert.Equal(t, []anymail.SendStatus{anymail.StatusQueued}, msg.Status.Status)
}

func TestSend_EmptyMergeDataIsBatch(t *testing.T) {
	f := &fakeMandrill{reply: `[{"email":"to@example.com","status":"sent","_id":"1"}]`}
	b := newBackend(t, f, anymail.Settings{})
	msg := &anymail.Message{From: "from@example.com", To: []string{"to@example.com"}}
	msg.MergeData = anymail.Some(map[string]map[string]any{})

	_, err := b.SendMessages(context.Background(), []*anymail.Message{msg})
	require.NoError(t, err)
	m := f.message(t, 0)
	assert.Equal(t, []any{}, m["merge_vars"])
	assert.Equal(t, false, m["preserve_recipients"])
}

func TestSend_ESPExtraDeepMerge(t *testing.T) {
	f := &fakeMandrill{reply: `[{"email":"to@example.com","status":"sent","_id":"1"}]`}
	b := newBackend(t, f, anymail.Settings{})
	msg := &anymail.Message{From: "from@example.com", To: []string{"to@example.com"}, Subject: "Hi"}
	msg.ESPExtra = anymail.Some(map[string]any{
		"ip_pool": "Main Pool",
		"message": map[string]any{"important": true, "subaccount": "marketing"},
	})

	_, err := b.SendMessages(context.Background(), []*anymail.Message{msg})
	require.NoError(t, err)
	assert.Equal(t, "Main Pool", f.requests[0].Body["ip_pool"])
	m := f.message(t, 0)
	assert.Equal(t, true, m["important"])
	assert.Equal(t, "marketing", m["subaccount"])
	assert.Equal(t, "Hi", m["subject"])
	assert.Equal(t, "from@example.com", m["from_email"])
}

func TestSend_RecipientStatuses(t *testing.T) {
	f := &fakeMandrill{reply: `[
		{"email":"ok@example.com","status":"sent","_id":"1"},
		{"email":"bad@example.com","status":"rejected","_id":"2","reject_reason":"hard-bounce"}]`}
	b := newBackend(t, f, anymail.Settings{})
	msg := &anymail.Message{From: "from@example.com", To: []string{"ok@example.com", "bad@example.com"}}

	_, err := b.SendMessages(context.Background(), []*anymail.Message{msg})
	require.NoError(t, err)
	assert.Equal(t, []anymail.SendStatus{anymail.StatusRejected, anymail.StatusSent}, msg.Status.Status)
	assert.Equal(t, []string{"1", "2"}, msg.Status.MessageIDs)
}

func TestSend_AllRejectedRaises(t *testing.T) {
	f := &fakeMandrill{reply: `[
		{"email":"a@example.com","status":"rejected","_id":"1"},
		{"email":"b@example.com","status":"invalid","_id":"2"}]`}
	b := newBackend(t, f, anymail.Settings{})
	msg := &anymail.Message{From: "from@example.com", To: []string{"a@example.com", "b@example.com"}}

	_, err := b.SendMessages(context.Background(), []*anymail.Message{msg})
	var refused *anymail.RecipientsRefusedError
	require.ErrorAs(t, err, &refused)

	b = newBackend(t, f, anymail.Settings{IgnoreRecipientStatus: true})
	_, err = b.SendMessages(context.Background(), []*anymail.Message{msg})
	require.NoError(t, err)
	assert.True(t, msg.Status.AllRefused())
}

func TestSend_InvalidResponse(t *testing.T) {
	f := &fakeMandrill{reply: `{"status":"error","code":-1,"name":"Invalid_Key","message":"Invalid API key"}`}
	b := newBackend(t, f, anymail.Settings{})
	msg := &anymail.Message{From: "from@example.com", To: []string{"to@example.com"}}

	_, err := b.SendMessages(context.Background(), []*anymail.Message{msg})
	var apiErr *anymail.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Nil(t, msg.Status)
	assert.Contains(t, string(apiErr.Payload), `"to@example.com"`)
}

func TestSerialize_Repeatable(t *testing.T) {
	esp, err := New(Config{APIKey: "k"})
	require.NoError(t, err)
	msg := &anymail.Message{From: "from@example.com", To: []string{"a@example.com", "b@example.com"}}
	msg.MergeData = anymail.Some(map[string]map[string]any{"a@example.com": {"x": 1}})
	msg.ESPExtra = anymail.Some(map[string]any{"message": map[string]any{"preserve_recipients": false}})

	p, err := anymail.BuildPayload(esp, msg, anymail.Settings{})
	require.NoError(t, err)
	first, err := p.Serialize()
	require.NoError(t, err)
	second, err := p.Serialize()
	require.NoError(t, err)
	assert.Equal(t, first[0].Body, second[0].Body)
}

func TestSend_InlineAttachmentNeedsContentID(t *testing.T) {
	f := &fakeMandrill{reply: `[{"email":"to@example.com","status":"sent","_id":"abc"}]`}
	msg := &anymail.Message{
		From:        "from@example.com",
		To:          []string{"to@example.com"},
		Attachments: []anymail.Attachment{{Name: "logo.png", Content: []byte("png"), Inline: true}},
	}

	_, err := newBackend(t, f, anymail.Settings{}).SendMessages(context.Background(), []*anymail.Message{msg})
	var unsupported *anymail.UnsupportedFeatureError
	require.ErrorAs(t, err, &unsupported)
	assert.Contains(t, unsupported.Feature, "Content-ID")
	assert.Empty(t, f.requests)

	_, err = newBackend(t, f, anymail.Settings{IgnoreUnsupportedFeatures: true}).SendMessages(context.Background(), []*anymail.Message{msg})
	require.NoError(t, err)
	assert.NotContains(t, f.message(t, 0), "images")
}

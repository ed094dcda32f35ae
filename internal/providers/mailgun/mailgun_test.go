package mailgun

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anymail/internal/anymail"
)

type fakeMailgun struct {
	mu    sync.Mutex
	paths []string
	auth  []string
	forms []url.Values
	files map[string]string
}

func (f *fakeMailgun) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	form := url.Values{}
	files := map[string]string{}
	ct, params, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "multipart/form-data" {
		mr := multipart.NewReader(r.Body, params["boundary"])
		for {
			part, err := mr.NextPart()
			if err != nil {
				break
			}
			b, _ := io.ReadAll(part)
			if part.FileName() != "" {
				files[part.FormName()+":"+part.FileName()] = string(b)
			} else {
				form.Add(part.FormName(), string(b))
			}
		}
	} else {
		b, _ := io.ReadAll(r.Body)
		form, _ = url.ParseQuery(string(b))
	}

	f.mu.Lock()
	f.paths = append(f.paths, r.URL.Path)
	f.auth = append(f.auth, r.Header.Get("Authorization"))
	f.forms = append(f.forms, form)
	f.files = files
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"id":"<20160306015544.116301.25145@example.com>","message":"Queued. Thank you."}`)
}

func newBackend(t *testing.T, f *fakeMailgun, cfg Config) *anymail.Backend {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	cfg.APIURL = srv.URL + "/v3"
	if cfg.APIKey == "" {
		cfg.APIKey = "key-test"
	}
	esp, err := New(cfg)
	require.NoError(t, err)
	return anymail.New(esp, anymail.Settings{})
}

func TestSend_FormFields(t *testing.T) {
	f := &fakeMailgun{}
	b := newBackend(t, f, Config{})

	msg := &anymail.Message{
		From:     "Sender <from@example.com>",
		To:       []string{"to1@example.com", "Two <to2@example.com>"},
		Bcc:      []string{"bcc@example.com"},
		ReplyTo:  []string{"reply@example.com"},
		Subject:  "Subject",
		TextBody: "text",
		Headers:  map[string]string{"X-Custom": "1"},
	}
	msg.Metadata = anymail.Some(map[string]any{"user": "u1", "count": 3})
	msg.Tags = anymail.Some([]string{"a", "b"})
	msg.TrackOpens = anymail.Some(true)
	msg.SendAt = anymail.Some(anymail.SendAt{Time: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)})

	sent, err := b.SendMessages(context.Background(), []*anymail.Message{msg})
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	require.Len(t, f.forms, 1)
	form := f.forms[0]
	assert.Equal(t, "/v3/example.com/messages", f.paths[0])
	assert.True(t, strings.HasPrefix(f.auth[0], "Basic "))
	assert.Equal(t, []string{"to1@example.com", `"Two" <to2@example.com>`}, form["to"])
	assert.Equal(t, "bcc@example.com", form.Get("bcc"))
	assert.Equal(t, "reply@example.com", form.Get("h:Reply-To"))
	assert.Equal(t, "1", form.Get("h:X-Custom"))
	assert.Equal(t, "u1", form.Get("v:user"))
	assert.Equal(t, "3", form.Get("v:count"))
	assert.Equal(t, []string{"a", "b"}, form["o:tag"])
	assert.Equal(t, "yes", form.Get("o:tracking-opens"))
	assert.Equal(t, "Wed, 01 May 2024 12:00:00 +0000", form.Get("o:deliverytime"))
	assert.False(t, form.Has("recipient-variables"))

	assert.Equal(t, []anymail.SendStatus{anymail.StatusQueued}, msg.Status.Status)
	assert.Equal(t, "<20160306015544.116301.25145@example.com>", msg.Status.MessageID)
	assert.Len(t, msg.Status.Recipients, 3)
}

func TestSend_AttachmentsUseMultipart(t *testing.T) {
	f := &fakeMailgun{}
	b := newBackend(t, f, Config{})

	msg := &anymail.Message{
		From:     "from@example.com",
		To:       []string{"to@example.com"},
		HTMLBody: `<img src="cid:logo">`,
		Attachments: []anymail.Attachment{
			{Name: "report.txt", Content: []byte("report")},
			{Name: "logo.png", Content: []byte("png"), Inline: true, ContentID: "<logo>"},
		},
	}
	_, err := b.SendMessages(context.Background(), []*anymail.Message{msg})
	require.NoError(t, err)
	assert.Equal(t, `<img src="cid:logo">`, f.forms[0].Get("html"))
	assert.Equal(t, "report", f.files["attachment:report.txt"])
	assert.Equal(t, "png", f.files["inline:logo"])
}

func TestSend_RecipientVariables(t *testing.T) {
	f := &fakeMailgun{}
	b := newBackend(t, f, Config{})

	msg := &anymail.Message{From: "from@example.com", To: []string{"alice@example.com", "bob@example.com"}}
	msg.MergeGlobalData = anymail.Some(map[string]any{"site": "Example"})
	msg.MergeData = anymail.Some(map[string]map[string]any{
		"alice@example.com":    {"name": "Alice"},
		"stranger@example.com": {"name": "Nobody"},
	})
	msg.Metadata = anymail.Some(map[string]any{"order": "none"})
	msg.MergeMetadata = anymail.Some(map[string]map[string]any{"bob@example.com": {"order": "B7"}})

	_, err := b.SendMessages(context.Background(), []*anymail.Message{msg})
	require.NoError(t, err)

	form := f.forms[0]
	assert.Equal(t, "%recipient.v:order%", form.Get("v:order"))
	var vars map[string]map[string]any
	require.NoError(t, json.Unmarshal([]byte(form.Get("recipient-variables")), &vars))
	assert.Equal(t, map[string]map[string]any{
		"alice@example.com": {"site": "Example", "name": "Alice", "v:order": "none"},
		"bob@example.com":   {"site": "Example", "v:order": "B7"},
	}, vars)
}

func TestSend_EmptyMergeDataSendsRecipientVariables(t *testing.T) {
	f := &fakeMailgun{}
	b := newBackend(t, f, Config{})

	msg := &anymail.Message{From: "from@example.com", To: []string{"a@example.com", "b@example.com"}}
	msg.MergeData = anymail.Some(map[string]map[string]any{})

	_, err := b.SendMessages(context.Background(), []*anymail.Message{msg})
	require.NoError(t, err)
	assert.Equal(t, "{}", f.forms[0].Get("recipient-variables"))
}

func TestSend_SenderDomain(t *testing.T) {
	f := &fakeMailgun{}
	b := newBackend(t, f, Config{SenderDomain: "mg.example.com"})
	msg := &anymail.Message{From: "from@example.com", To: []string{"to@example.com"}}
	_, err := b.SendMessages(context.Background(), []*anymail.Message{msg})
	require.NoError(t, err)
	assert.Equal(t, "/v3/mg.example.com/messages", f.paths[0])

	msg.ESPExtra = anymail.Some(map[string]any{"sender_domain": "other.example.com", "o:testmode": "yes"})
	_, err = b.SendMessages(context.Background(), []*anymail.Message{msg})
	require.NoError(t, err)
	assert.Equal(t, "/v3/other.example.com/messages", f.paths[1])
	assert.Equal(t, "yes", f.forms[1].Get("o:testmode"))
	assert.False(t, f.forms[1].Has("sender_domain"))
}

func TestSend_SlashInSenderDomain(t *testing.T) {
	f := &fakeMailgun{}
	b := newBackend(t, f, Config{})
	msg := &anymail.Message{From: "from@example.com", To: []string{"to@example.com"}}
	msg.ESPExtra = anymail.Some(map[string]any{"sender_domain": "example.com/bad"})

	_, err := b.SendMessages(context.Background(), []*anymail.Message{msg})
	var generic *anymail.Error
	require.ErrorAs(t, err, &generic)
	assert.Contains(t, err.Error(), "Invalid '/'")
	assert.Empty(t, f.paths)
}

func TestSerialize_Repeatable(t *testing.T) {
	esp, err := New(Config{APIKey: "k"})
	require.NoError(t, err)
	msg := &anymail.Message{
		From:        "from@example.com",
		To:          []string{"a@example.com", "b@example.com"},
		Attachments: []anymail.Attachment{{Name: "notes.txt", Content: []byte("notes")}},
	}
	msg.MergeData = anymail.Some(map[string]map[string]any{"a@example.com": {"x": 1}})

	p, err := anymail.BuildPayload(esp, msg, anymail.Settings{})
	require.NoError(t, err)
	first, err := p.Serialize()
	require.NoError(t, err)
	second, err := p.Serialize()
	require.NoError(t, err)
	assert.Equal(t, first[0].Body, second[0].Body)
	assert.Equal(t, first[0].Header.Get("Content-Type"), second[0].Header.Get("Content-Type"))
}

func TestParseRecipientStatus_UnexpectedMessage(t *testing.T) {
	esp, err := New(Config{APIKey: "k"})
	require.NoError(t, err)
	msg := &anymail.Message{From: "from@example.com", To: []string{"to@example.com"}}
	p, err := anymail.BuildPayload(esp, msg, anymail.Settings{})
	require.NoError(t, err)
	reqs, err := p.Serialize()
	require.NoError(t, err)

	_, err = esp.ParseRecipientStatus(p, []*anymail.Response{{StatusCode: 200, Body: []byte(`{"id":"x","message":"Mailgun Magnificent API"}`)}})
	var apiErr *anymail.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, reqs[0].Body, apiErr.Payload)

	_, err = esp.ParseRecipientStatus(p, []*anymail.Response{{StatusCode: 200, Body: []byte(`not json`)}})
	require.ErrorAs(t, err, &apiErr)
}

package anymail

import (
	"bytes"
	"encoding/base64"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWebhookRequest_Form(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/anymail/fake/tracking/?x=1", strings.NewReader("event=open&id=abc"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	req, err := NewWebhookRequest(r, "")
	require.NoError(t, err)
	assert.Equal(t, "/anymail/fake/tracking/?x=1", req.URL)
	assert.Equal(t, "open", req.Form.Get("event"))
	assert.JSONEq(t, `{"event": "open", "id": "abc"}`, string(FormJSON(req.Form)))

	r = httptest.NewRequest(http.MethodPost, "/anymail/fake/tracking/", strings.NewReader("{}"))
	r.Header.Set("Content-Type", "application/json")
	req, err = NewWebhookRequest(r, "https://hooks.example.com/anymail/fake/tracking/")
	require.NoError(t, err)
	assert.Equal(t, "https://hooks.example.com/anymail/fake/tracking/", req.URL)
	assert.Equal(t, []byte("{}"), req.Body)
	assert.Empty(t, req.Form)
}

func TestNewWebhookRequest_Multipart(t *testing.T) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("subject", "Hello"))
	fw, err := mw.CreateFormFile("attachment-1", "notes.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte("file body"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	r := httptest.NewRequest(http.MethodPost, "/anymail/fake/inbound/", &buf)
	r.Header.Set("Content-Type", mw.FormDataContentType())

	req, err := NewWebhookRequest(r, "")
	require.NoError(t, err)
	assert.Equal(t, "Hello", req.Form.Get("subject"))
	require.Contains(t, req.Files, "attachment-1")
	assert.Equal(t, "notes.txt", req.Files["attachment-1"].Name)
	assert.Equal(t, []byte("file body"), req.Files["attachment-1"].Content)
}

func basicHeader(cred string) http.Header {
	return http.Header{"Authorization": {"Basic " + base64.StdEncoding.EncodeToString([]byte(cred))}}
}

func TestBasicAuth(t *testing.T) {
	auth := NewBasicAuth("Fake", "user:pass, rotated:secret")
	require.True(t, auth.Configured())

	assert.NoError(t, auth.Verify(&WebhookRequest{Header: basicHeader("rotated:secret")}))

	err := auth.Verify(&WebhookRequest{Header: basicHeader("user:wrong")})
	var suspicious *SuspiciousOperationError
	require.ErrorAs(t, err, &suspicious)
	assert.Contains(t, err.Error(), "ANYMAIL_WEBHOOK_SECRET")

	assert.Error(t, auth.Verify(&WebhookRequest{Header: http.Header{}}))

	open := NewBasicAuth("Fake", "")
	assert.False(t, open.Configured())
	assert.NoError(t, open.Verify(&WebhookRequest{Header: http.Header{}}))
}

func TestWebhookErrors(t *testing.T) {
	err := WrongEndpoint("Fake", "inbound", "tracking")
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, err.Error(), "*inbound* webhook")

	err = InvalidSignature("Fake", "ANYMAIL_FAKE_KEY")
	assert.Contains(t, err.Error(), "ANYMAIL_FAKE_KEY")
	assert.False(t, IsAnymailError(err))
}

package anymail

import (
	"bytes"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// MaxWebhookBody bounds how much of a webhook post is read.
const MaxWebhookBody = 32 << 20

// WebhookRequest is an ESP webhook post, decoupled from net/http so parsers
// can be exercised directly.
type WebhookRequest struct {
	Method string
	// URL is the public URL the ESP posted to, which some signatures cover.
	URL    string
	Header http.Header
	Body   []byte
	// Form holds urlencoded or multipart fields; Files holds multipart uploads
	// keyed by field name.
	Form  url.Values
	Files map[string]Attachment
}

// NewWebhookRequest reads r. publicURL, when set, replaces r's URL so that
// signatures computed by the ESP over its configured URL still match behind
// proxies.
func NewWebhookRequest(r *http.Request, publicURL string) (*WebhookRequest, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxWebhookBody))
	if err != nil {
		return nil, err
	}
	req := &WebhookRequest{
		Method: r.Method,
		URL:    publicURL,
		Header: r.Header,
		Body:   body,
		Form:   url.Values{},
	}
	if req.URL == "" {
		req.URL = r.URL.String()
	}

	ct, params, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch ct {
	case "application/x-www-form-urlencoded":
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, err
		}
		req.Form = form
	case "multipart/form-data":
		mf, err := multipart.NewReader(bytes.NewReader(body), params["boundary"]).ReadForm(MaxWebhookBody)
		if err != nil {
			return nil, err
		}
		defer func() { _ = mf.RemoveAll() }()
		req.Form = url.Values(mf.Value)
		req.Files = map[string]Attachment{}
		for field, headers := range mf.File {
			if len(headers) == 0 {
				continue
			}
			att, err := readFormFile(headers[0])
			if err != nil {
				return nil, err
			}
			req.Files[field] = att
		}
	}
	return req, nil
}

func readFormFile(fh *multipart.FileHeader) (Attachment, error) {
	f, err := fh.Open()
	if err != nil {
		return Attachment{}, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return Attachment{}, err
	}
	return Attachment{Name: fh.Filename, Content: content, MimeType: fh.Header.Get("Content-Type")}, nil
}

// FormJSON renders form fields as a JSON object, for ESPEvent on form posts.
func FormJSON(form url.Values) json.RawMessage {
	flat := make(map[string]string, len(form))
	for k := range form {
		flat[k] = form.Get(k)
	}
	b, _ := json.Marshal(flat)
	return b
}

// TrackingParser verifies and normalizes an ESP's tracking webhook.
type TrackingParser interface {
	ESPName() string
	ParseTracking(req *WebhookRequest) ([]TrackingEvent, error)
}

// InboundParser verifies and normalizes an ESP's inbound webhook.
type InboundParser interface {
	ESPName() string
	ParseInbound(req *WebhookRequest) ([]InboundEvent, error)
}

// InvalidSignature is the verification failure for a signature scheme keyed
// by the named setting.
func InvalidSignature(esp, setting string) error {
	return &SuspiciousOperationError{
		Msg: fmt.Sprintf("%s webhook called with incorrect signature (check Anymail %s setting)", esp, setting),
	}
}

// WrongEndpoint reports a webhook posted to the other Anymail URL for esp.
func WrongEndpoint(esp, posted, endpoint string) error {
	return &ConfigurationError{
		Msg: fmt.Sprintf("You seem to have set %s's *%s* webhook to Anymail's %s *%s* webhook URL.", esp, posted, esp, endpoint),
	}
}

// BasicAuth checks the shared webhook secret. With no credentials configured
// every request passes and a warning is logged once.
type BasicAuth struct {
	ESP         string
	Credentials []string

	warnOnce sync.Once
}

// NewBasicAuth splits secret, a comma-separated list of "user:password"
// pairs, so credentials can be rotated.
func NewBasicAuth(esp, secret string) *BasicAuth {
	var creds []string
	for _, c := range strings.Split(secret, ",") {
		if c = strings.TrimSpace(c); c != "" {
			creds = append(creds, c)
		}
	}
	return &BasicAuth{ESP: esp, Credentials: creds}
}

func (b *BasicAuth) Verify(req *WebhookRequest) error {
	if len(b.Credentials) == 0 {
		b.warnOnce.Do(func() {
			slog.Warn("insecure webhook: basic auth is not configured",
				"esp", b.ESP,
				"setting", "ANYMAIL_WEBHOOK_SECRET",
			)
		})
		return nil
	}
	if got, ok := basicAuthCredential(req.Header.Get("Authorization")); ok {
		for _, want := range b.Credentials {
			if subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1 {
				return nil
			}
		}
	}
	return &SuspiciousOperationError{
		Msg: fmt.Sprintf("Missing or invalid basic auth in Anymail %s webhook (check Anymail ANYMAIL_WEBHOOK_SECRET setting)", b.ESP),
	}
}

// Configured reports whether credentials are set.
func (b *BasicAuth) Configured() bool { return len(b.Credentials) > 0 }

func basicAuthCredential(header string) (string, bool) {
	enc, ok := strings.CutPrefix(header, "Basic ")
	if !ok {
		return "", false
	}
	dec, err := base64.StdEncoding.DecodeString(strings.TrimSpace(enc))
	if err != nil || !strings.Contains(string(dec), ":") {
		return "", false
	}
	return string(dec), true
}

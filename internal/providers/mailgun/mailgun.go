// Package mailgun sends through the Mailgun messages API and parses its
// signed tracking and inbound webhooks.
package mailgun

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"maps"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"slices"
	"strings"
	"time"

	"anymail/internal/anymail"
)

const (
	Name          = "Mailgun"
	DefaultAPIURL = "https://api.mailgun.net/v3/"
)

type Config struct {
	APIKey       string
	SenderDomain string
	APIURL       string
}

type ESP struct {
	apiKey       string
	senderDomain string
	apiURL       string
}

func New(cfg Config) (*ESP, error) {
	if cfg.APIKey == "" {
		return nil, anymail.MissingSetting(Name, "ANYMAIL_MAILGUN_API_KEY")
	}
	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if !strings.HasSuffix(apiURL, "/") {
		apiURL += "/"
	}
	return &ESP{apiKey: cfg.APIKey, senderDomain: cfg.SenderDomain, apiURL: apiURL}, nil
}

func (e *ESP) Name() string { return Name }

func (e *ESP) NewPayload(_ *anymail.Message, base anymail.BasePayload) (anymail.Payload, error) {
	return &Payload{
		BasePayload:  base,
		apiKey:       e.apiKey,
		apiURL:       e.apiURL,
		senderDomain: e.senderDomain,
		fields:       map[string][]string{},
	}, nil
}

type file struct {
	field    string
	name     string
	content  []byte
	mimetype string
}

// Payload builds a Mailgun form post. Fields are multi-valued; attachments
// switch the body to multipart/form-data.
type Payload struct {
	anymail.BasePayload

	apiKey       string
	apiURL       string
	senderDomain string

	fields map[string][]string
	files  []file

	to         []anymail.EmailAddress
	recipients []anymail.EmailAddress

	metadata        map[string]any
	hasMergeData    bool
	mergeData       map[string]map[string]any
	mergeGlobalData map[string]any
	mergeMetadata   map[string]map[string]any

	boundary string
	// sent is the last serialized body, carried by response errors.
	sent []byte
}

func (p *Payload) set(field string, values ...string) { p.fields[field] = values }

func (p *Payload) SetFrom(addr anymail.EmailAddress) error {
	p.set("from", addr.Address())
	if p.senderDomain == "" {
		p.senderDomain = addr.Domain()
	}
	return nil
}

func (p *Payload) AddRecipient(kind anymail.RecipientKind, addr anymail.EmailAddress) error {
	field := string(kind)
	p.fields[field] = append(p.fields[field], addr.Address())
	if kind == anymail.KindTo {
		p.to = append(p.to, addr)
	}
	p.recipients = append(p.recipients, addr)
	return nil
}

func (p *Payload) SetSubject(subject string) error {
	p.set("subject", subject)
	return nil
}

func (p *Payload) SetReplyTo(addrs []anymail.EmailAddress) error {
	p.set("h:Reply-To", anymail.JoinAddresses(addrs))
	return nil
}

func (p *Payload) SetExtraHeaders(headers map[string]string) error {
	for k, v := range headers {
		p.set("h:"+k, v)
	}
	return nil
}

func (p *Payload) SetTextBody(body string) error {
	p.set("text", body)
	return nil
}

func (p *Payload) SetHTMLBody(body string) error {
	if err := p.ClaimHTMLBody(); err != nil {
		return err
	}
	p.set("html", body)
	return nil
}

func (p *Payload) AddAttachment(att anymail.Attachment) error {
	f := file{field: "attachment", name: att.Name, content: att.Content, mimetype: att.ContentType()}
	if att.Inline {
		f.field, f.name = "inline", att.CID()
		if f.name == "" {
			return p.Unsupported("inline attachments without Content-ID")
		}
	} else if f.name == "" {
		return p.Unsupported("attachments without filenames")
	}
	p.files = append(p.files, f)
	return nil
}

// customVar renders a metadata value the way Mailgun stores user variables.
func customVar(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(v)
	return string(b), err
}

func (p *Payload) SetMetadata(metadata map[string]any) error {
	p.metadata = metadata
	for k, v := range metadata {
		s, err := customVar(v)
		if err != nil {
			return &anymail.SerializationError{ESP: Name, Field: "metadata." + k, Type: fmt.Sprintf("%T", v), Err: err}
		}
		p.set("v:"+k, s)
	}
	return nil
}

func (p *Payload) SetSendAt(sendAt anymail.SendAt) error {
	if sendAt.IsRaw() {
		p.set("o:deliverytime", sendAt.Raw)
		return nil
	}
	p.set("o:deliverytime", sendAt.Time.UTC().Format(time.RFC1123Z))
	return nil
}

func (p *Payload) SetTags(tags []string) error {
	p.fields["o:tag"] = slices.Clone(tags)
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func (p *Payload) SetTrackClicks(track bool) error {
	p.set("o:tracking-clicks", yesNo(track))
	return nil
}

func (p *Payload) SetTrackOpens(track bool) error {
	p.set("o:tracking-opens", yesNo(track))
	return nil
}

func (p *Payload) SetTemplateID(id string) error {
	p.set("template", id)
	return nil
}

func (p *Payload) SetMergeData(data map[string]map[string]any) error {
	p.hasMergeData = true
	p.mergeData = data
	return nil
}

func (p *Payload) SetMergeGlobalData(data map[string]any) error {
	p.mergeGlobalData = data
	return nil
}

func (p *Payload) SetMergeMetadata(data map[string]map[string]any) error {
	p.mergeMetadata = data
	return nil
}

func (p *Payload) SetESPExtra(extra map[string]any) error {
	for k, v := range extra {
		if k == "sender_domain" {
			if s, ok := v.(string); ok {
				p.senderDomain = s
			}
			continue
		}
		switch vv := v.(type) {
		case []any:
			vals := make([]string, 0, len(vv))
			for _, item := range vv {
				s, err := customVar(item)
				if err != nil {
					return &anymail.SerializationError{ESP: Name, Field: "esp_extra." + k, Type: fmt.Sprintf("%T", item), Err: err}
				}
				vals = append(vals, s)
			}
			p.fields[k] = vals
		default:
			s, err := customVar(v)
			if err != nil {
				return &anymail.SerializationError{ESP: Name, Field: "esp_extra." + k, Type: fmt.Sprintf("%T", v), Err: err}
			}
			p.set(k, s)
		}
	}
	return nil
}

// recipientVariables builds Mailgun's batch-send recipient-variables. Mailgun
// has no global variables, so global data is folded into every recipient,
// and merge_metadata keys become %recipient.v:key% substitutions.
func (p *Payload) recipientVariables() (map[string]map[string]any, map[string]string) {
	mdKeys := map[string]bool{}
	for _, md := range p.mergeMetadata {
		for k := range md {
			mdKeys[k] = true
		}
	}
	substitutions := map[string]string{}
	base := map[string]any{}
	for k := range mdKeys {
		v := "v:" + k
		substitutions[v] = "%recipient." + v + "%"
		if val, ok := p.metadata[k]; ok {
			base[v] = val
		} else {
			base[v] = ""
		}
	}

	vars := map[string]map[string]any{}
	for _, rc := range anymail.Personalize(p.to, p.mergeData, p.mergeGlobalData) {
		data := maps.Clone(base)
		if md, ok := lookupFold(p.mergeMetadata, rc.To.AddrSpec); ok {
			for k, v := range md {
				data["v:"+k] = v
			}
		}
		maps.Copy(data, rc.Data)
		if len(data) > 0 {
			vars[rc.To.AddrSpec] = data
		}
	}
	return vars, substitutions
}

func lookupFold[V any](m map[string]V, key string) (V, bool) {
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	var zero V
	return zero, false
}

func (p *Payload) endpoint() (string, error) {
	if p.senderDomain == "" {
		return "", &anymail.Error{Msg: "Cannot call Mailgun with an unknown sender domain. Provide a valid from address or set esp_extra sender_domain"}
	}
	if strings.Contains(p.senderDomain, "/") || strings.Contains(strings.ToLower(p.senderDomain), "%2f") {
		return "", &anymail.Error{Msg: fmt.Sprintf("Invalid '/' in sender domain %q", p.senderDomain)}
	}
	return p.apiURL + url.PathEscape(p.senderDomain) + "/messages", nil
}

func (p *Payload) Serialize() ([]*anymail.Request, error) {
	endpoint, err := p.endpoint()
	if err != nil {
		return nil, err
	}

	fields := maps.Clone(p.fields)
	if p.hasMergeData || len(p.mergeMetadata) > 0 || len(p.mergeGlobalData) > 0 {
		vars, subs := p.recipientVariables()
		for k, v := range subs {
			fields[k] = []string{v}
		}
		b, err := anymail.SerializeJSON(Name, vars)
		if err != nil {
			return nil, err
		}
		fields["recipient-variables"] = []string{string(b)}
	}

	header := http.Header{"Accept": {"application/json"}}
	var body []byte
	if len(p.files) == 0 {
		header.Set("Content-Type", "application/x-www-form-urlencoded")
		body = []byte(url.Values(fields).Encode())
	} else {
		var ct string
		body, ct, err = p.multipartBody(fields)
		if err != nil {
			return nil, &anymail.SerializationError{ESP: Name, Err: err}
		}
		header.Set("Content-Type", ct)
	}

	p.sent = body
	req := &anymail.Request{Method: http.MethodPost, URL: endpoint, Header: header, Body: body}
	req.Header.Set("Authorization", "Basic "+basicAuth("api", p.apiKey))
	return []*anymail.Request{req}, nil
}

func (p *Payload) multipartBody(fields map[string][]string) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if p.boundary == "" {
		p.boundary = w.Boundary()
	} else if err := w.SetBoundary(p.boundary); err != nil {
		return nil, "", err
	}
	for _, k := range slices.Sorted(maps.Keys(fields)) {
		for _, v := range fields[k] {
			if err := w.WriteField(k, v); err != nil {
				return nil, "", err
			}
		}
	}
	for _, f := range p.files {
		h := make(textproto.MIMEHeader)
		// Mailgun expects RFC 7578 raw UTF-8 filenames, not RFC 2231 encoding.
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, f.field, f.name))
		h.Set("Content-Type", f.mimetype)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(f.content); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

type sendResponse struct {
	ID      *string `json:"id"`
	Message *string `json:"message"`
}

// ParseRecipientStatus marks every recipient queued under the single message
// ID Mailgun returns; rejections only surface later through webhooks.
func (e *ESP) ParseRecipientStatus(ap anymail.Payload, responses []*anymail.Response) (map[string]anymail.RecipientStatus, error) {
	p := ap.(*Payload)
	resp := responses[0]
	var r sendResponse
	if err := json.Unmarshal(resp.Body, &r); err != nil || r.ID == nil || r.Message == nil {
		return nil, &anymail.APIError{ESP: Name, Msg: "invalid response format", StatusCode: resp.StatusCode, Body: resp.Body, Payload: p.sent, Err: err}
	}
	if !strings.HasPrefix(*r.Message, "Queued") {
		return nil, &anymail.APIError{ESP: Name, Msg: fmt.Sprintf("unrecognized message %q", *r.Message), StatusCode: resp.StatusCode, Body: resp.Body, Payload: p.sent}
	}
	out := make(map[string]anymail.RecipientStatus, len(p.recipients))
	for _, a := range p.recipients {
		out[a.AddrSpec] = anymail.RecipientStatus{MessageID: *r.ID, Status: anymail.StatusQueued}
	}
	return out, nil
}

func basicAuth(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}

// Package mandrill sends through the Mandrill messages API and parses its
// signed tracking webhook.
package mandrill

import (
	"encoding/json"
	"maps"
	"net/http"
	"slices"
	"strings"

	"anymail/internal/anymail"
)

const (
	Name          = "Mandrill"
	DefaultAPIURL = "https://mandrillapp.com/api/1.0/"

	// sendAtLayout is the UTC date format Mandrill's API accepts.
	sendAtLayout = "2006-01-02 15:04:05"
)

type Config struct {
	APIKey string
	APIURL string
}

type ESP struct {
	apiKey string
	apiURL string
}

func New(cfg Config) (*ESP, error) {
	if cfg.APIKey == "" {
		return nil, anymail.MissingSetting(Name, "ANYMAIL_MANDRILL_API_KEY")
	}
	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if !strings.HasSuffix(apiURL, "/") {
		apiURL += "/"
	}
	return &ESP{apiKey: cfg.APIKey, apiURL: apiURL}, nil
}

func (e *ESP) Name() string { return Name }

func (e *ESP) NewPayload(_ *anymail.Message, base anymail.BasePayload) (anymail.Payload, error) {
	return &Payload{
		BasePayload: base,
		apiURL:      e.apiURL,
		data:        map[string]any{"key": e.apiKey},
		message:     map[string]any{},
	}, nil
}

// Payload builds Mandrill's send body. Per-recipient merge vars are native,
// so merge_data never fans out.
type Payload struct {
	anymail.BasePayload

	apiURL  string
	data    map[string]any
	message map[string]any

	to         []anymail.EmailAddress
	recipients []anymail.EmailAddress

	hasMergeData bool
	mergeData    map[string]map[string]any

	// sent is the last serialized body, carried by response errors.
	sent []byte
}

// expandVars converts a map to Mandrill's [{name, content}] list, sorted by
// name. Plain maps keep the payload mergeable with esp_extra.
func expandVars(vars map[string]any) []any {
	out := make([]any, 0, len(vars))
	for _, k := range slices.Sorted(maps.Keys(vars)) {
		out = append(out, map[string]any{"name": k, "content": vars[k]})
	}
	return out
}

func (p *Payload) headers() map[string]any {
	h, ok := p.message["headers"].(map[string]any)
	if !ok {
		h = map[string]any{}
		p.message["headers"] = h
	}
	return h
}

func (p *Payload) SetFrom(addr anymail.EmailAddress) error {
	p.message["from_email"] = addr.AddrSpec
	if addr.Name != "" {
		p.message["from_name"] = addr.Name
	}
	return nil
}

func (p *Payload) AddRecipient(kind anymail.RecipientKind, addr anymail.EmailAddress) error {
	to, _ := p.message["to"].([]any)
	entry := map[string]any{"email": addr.AddrSpec, "type": string(kind)}
	if addr.Name != "" {
		entry["name"] = addr.Name
	}
	p.message["to"] = append(to, entry)
	if kind == anymail.KindTo {
		p.to = append(p.to, addr)
	}
	p.recipients = append(p.recipients, addr)
	return nil
}

func (p *Payload) SetSubject(subject string) error {
	if subject != "" {
		p.message["subject"] = subject
	}
	return nil
}

func (p *Payload) SetReplyTo(addrs []anymail.EmailAddress) error {
	p.headers()["Reply-To"] = anymail.JoinAddresses(addrs)
	return nil
}

func (p *Payload) SetExtraHeaders(headers map[string]string) error {
	h := p.headers()
	for k, v := range headers {
		h[k] = v
	}
	return nil
}

func (p *Payload) SetTextBody(body string) error {
	p.message["text"] = body
	return nil
}

func (p *Payload) SetHTMLBody(body string) error {
	if err := p.ClaimHTMLBody(); err != nil {
		return err
	}
	p.message["html"] = body
	return nil
}

func (p *Payload) AddAttachment(att anymail.Attachment) error {
	key, name := "attachments", att.Name
	if att.Inline {
		key, name = "images", att.CID()
		if name == "" {
			return p.Unsupported("inline attachments without Content-ID")
		}
	}
	list, _ := p.message[key].([]any)
	p.message[key] = append(list, map[string]any{
		"type":    att.ContentType(),
		"name":    name,
		"content": att.Base64(),
	})
	return nil
}

func (p *Payload) SetMetadata(metadata map[string]any) error {
	p.message["metadata"] = metadata
	return nil
}

func (p *Payload) SetSendAt(sendAt anymail.SendAt) error {
	if sendAt.IsRaw() {
		p.data["send_at"] = sendAt.Raw
		return nil
	}
	p.data["send_at"] = sendAt.Time.UTC().Format(sendAtLayout)
	return nil
}

func (p *Payload) SetTags(tags []string) error {
	p.message["tags"] = tags
	return nil
}

func (p *Payload) SetTrackClicks(track bool) error {
	p.message["track_clicks"] = track
	return nil
}

func (p *Payload) SetTrackOpens(track bool) error {
	p.message["track_opens"] = track
	return nil
}

func (p *Payload) SetTemplateID(id string) error {
	p.data["template_name"] = id
	if _, ok := p.data["template_content"]; !ok {
		p.data["template_content"] = []any{}
	}
	return nil
}

func (p *Payload) SetMergeData(data map[string]map[string]any) error {
	p.hasMergeData = true
	p.mergeData = data
	p.message["preserve_recipients"] = false
	return nil
}

func (p *Payload) SetMergeGlobalData(data map[string]any) error {
	p.message["global_merge_vars"] = expandVars(data)
	return nil
}

func (p *Payload) SetMergeMetadata(data map[string]map[string]any) error {
	list := make([]any, 0, len(data))
	for _, rcpt := range slices.Sorted(maps.Keys(data)) {
		list = append(list, map[string]any{"rcpt": rcpt, "values": data[rcpt]})
	}
	p.message["recipient_metadata"] = list
	return nil
}

func (p *Payload) SetESPExtra(extra map[string]any) error {
	p.data["message"] = p.message
	merged, err := anymail.DeepMerge(p.data, extra)
	if err != nil {
		return err
	}
	p.data = merged
	if m, ok := merged["message"].(map[string]any); ok {
		p.message = m
	}
	return nil
}

// mergeVars lists each `to` recipient that has merge_data, in `to` order.
// Keys naming other addresses are left out.
func (p *Payload) mergeVars() []any {
	out := []any{}
	for _, rc := range anymail.Personalize(p.to, p.mergeData, nil) {
		if rc.HasData {
			out = append(out, map[string]any{"rcpt": rc.To.AddrSpec, "vars": expandVars(rc.Data)})
		}
	}
	return out
}

func (p *Payload) Serialize() ([]*anymail.Request, error) {
	data := maps.Clone(p.data)
	message := maps.Clone(p.message)
	if p.hasMergeData {
		message["merge_vars"] = p.mergeVars()
	}
	data["message"] = message

	method := "messages/send.json"
	if _, ok := data["template_name"]; ok {
		method = "messages/send-template.json"
	}
	body, err := anymail.SerializeJSON(Name, data)
	if err != nil {
		return nil, err
	}
	p.sent = body
	return []*anymail.Request{{
		Method: http.MethodPost,
		URL:    p.apiURL + method,
		Header: http.Header{"Content-Type": {"application/json"}, "Accept": {"application/json"}},
		Body:   body,
	}}, nil
}

type sendResult struct {
	Email        string  `json:"email"`
	Status       *string `json:"status"`
	ID           string  `json:"_id"`
	RejectReason string  `json:"reject_reason"`
}

var sendStatuses = map[string]anymail.SendStatus{
	"sent":      anymail.StatusSent,
	"queued":    anymail.StatusQueued,
	"scheduled": anymail.StatusQueued,
	"rejected":  anymail.StatusRejected,
	"invalid":   anymail.StatusInvalid,
}

// ParseRecipientStatus reads Mandrill's per-recipient result list.
func (e *ESP) ParseRecipientStatus(ap anymail.Payload, responses []*anymail.Response) (map[string]anymail.RecipientStatus, error) {
	p := ap.(*Payload)
	resp := responses[0]
	var results []sendResult
	if err := json.Unmarshal(resp.Body, &results); err != nil {
		return nil, &anymail.APIError{ESP: Name, Msg: "invalid Mandrill API response format", StatusCode: resp.StatusCode, Body: resp.Body, Payload: p.sent, Err: err}
	}
	out := anymail.UnknownStatuses(p.recipients)
	for _, r := range results {
		if r.Status == nil {
			return nil, &anymail.APIError{ESP: Name, Msg: "invalid Mandrill API response format", StatusCode: resp.StatusCode, Body: resp.Body, Payload: p.sent}
		}
		st, ok := sendStatuses[*r.Status]
		if !ok {
			st = anymail.StatusUnknown
		}
		anymail.SetRecipientStatus(out, r.Email, anymail.RecipientStatus{MessageID: r.ID, Status: st})
	}
	return out, nil
}

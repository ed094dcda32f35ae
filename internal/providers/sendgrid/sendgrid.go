// Package sendgrid sends through the SendGrid v3 mail/send API, which has a
// native per-recipient personalization array.
package sendgrid

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strings"

	"github.com/google/uuid"

	"anymail/internal/anymail"
)

const (
	Name          = "SendGrid"
	DefaultAPIURL = "https://api.sendgrid.com/v3/"
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
		return nil, anymail.MissingSetting(Name, "ANYMAIL_SENDGRID_API_KEY")
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
		apiKey:      e.apiKey,
		apiURL:      e.apiURL,
		data:        map[string]any{},
	}, nil
}

type address struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

func toAddress(a anymail.EmailAddress) address {
	return address{Email: a.AddrSpec, Name: a.Name}
}

type content struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type attachment struct {
	Content     string `json:"content"`
	Filename    string `json:"filename,omitempty"`
	Type        string `json:"type"`
	Disposition string `json:"disposition"`
	ContentID   string `json:"content_id,omitempty"`
}

// Payload builds the mail/send body. Personalizations are assembled in
// Serialize once every recipient and merge attribute is known.
type Payload struct {
	anymail.BasePayload

	apiKey string
	apiURL string
	data   map[string]any

	to, cc, bcc []anymail.EmailAddress

	text, html   *content
	alternatives []content

	metadata        map[string]any
	hasMergeData    bool
	mergeData       map[string]map[string]any
	mergeGlobalData map[string]any
	mergeMetadata   map[string]map[string]any
	extra           map[string]any

	// anymailIDs holds one ID per personalization, generated on the first
	// Serialize so repeated calls produce identical bodies.
	anymailIDs []string
	// recipientIDs maps each addr-spec to the anymail_id of the first
	// personalization it appears in.
	recipientIDs map[string]string
}

func (p *Payload) SetFrom(addr anymail.EmailAddress) error {
	p.data["from"] = toAddress(addr)
	return nil
}

func (p *Payload) AddRecipient(kind anymail.RecipientKind, addr anymail.EmailAddress) error {
	switch kind {
	case anymail.KindTo:
		p.to = append(p.to, addr)
	case anymail.KindCc:
		p.cc = append(p.cc, addr)
	case anymail.KindBcc:
		p.bcc = append(p.bcc, addr)
	}
	return nil
}

func (p *Payload) SetSubject(subject string) error {
	if subject != "" {
		p.data["subject"] = subject
	}
	return nil
}

func (p *Payload) SetReplyTo(addrs []anymail.EmailAddress) error {
	if len(addrs) == 1 {
		p.data["reply_to"] = toAddress(addrs[0])
		return nil
	}
	list := make([]address, len(addrs))
	for i, a := range addrs {
		list[i] = toAddress(a)
	}
	p.data["reply_to_list"] = list
	return nil
}

func (p *Payload) SetExtraHeaders(headers map[string]string) error {
	p.data["headers"] = maps.Clone(headers)
	return nil
}

func (p *Payload) SetTextBody(body string) error {
	p.text = &content{Type: "text/plain", Value: body}
	return nil
}

func (p *Payload) SetHTMLBody(body string) error {
	if err := p.ClaimHTMLBody(); err != nil {
		return err
	}
	p.html = &content{Type: "text/html", Value: body}
	return nil
}

func (p *Payload) AddAlternative(body, mimetype string) error {
	p.alternatives = append(p.alternatives, content{Type: mimetype, Value: body})
	return nil
}

func (p *Payload) AddAttachment(att anymail.Attachment) error {
	a := attachment{
		Content:     att.Base64(),
		Filename:    att.Name,
		Type:        att.ContentType(),
		Disposition: "attachment",
	}
	if att.Inline {
		if att.CID() == "" {
			return p.Unsupported("inline attachments without Content-ID")
		}
		a.Disposition = "inline"
		a.ContentID = att.CID()
	}
	list, _ := p.data["attachments"].([]attachment)
	p.data["attachments"] = append(list, a)
	return nil
}

func (p *Payload) SetMetadata(metadata map[string]any) error {
	p.metadata = metadata
	return nil
}

func (p *Payload) SetSendAt(sendAt anymail.SendAt) error {
	if sendAt.IsRaw() {
		return p.Unsupported("send_at " + sendAt.Raw)
	}
	p.data["send_at"] = sendAt.Time.Unix()
	return nil
}

func (p *Payload) SetTags(tags []string) error {
	p.data["categories"] = tags
	return nil
}

func (p *Payload) trackingSettings() map[string]any {
	ts, ok := p.data["tracking_settings"].(map[string]any)
	if !ok {
		ts = map[string]any{}
		p.data["tracking_settings"] = ts
	}
	return ts
}

func (p *Payload) SetTrackClicks(track bool) error {
	p.trackingSettings()["click_tracking"] = map[string]any{"enable": track}
	return nil
}

func (p *Payload) SetTrackOpens(track bool) error {
	p.trackingSettings()["open_tracking"] = map[string]any{"enable": track}
	return nil
}

func (p *Payload) SetTemplateID(id string) error {
	p.data["template_id"] = id
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
	p.extra = extra
	return nil
}

type personalization struct {
	To                  []address         `json:"to"`
	Cc                  []address         `json:"cc,omitempty"`
	Bcc                 []address         `json:"bcc,omitempty"`
	CustomArgs          map[string]string `json:"custom_args"`
	DynamicTemplateData map[string]any    `json:"dynamic_template_data,omitempty"`
}

func addresses(list []anymail.EmailAddress) []address {
	if len(list) == 0 {
		return nil
	}
	out := make([]address, len(list))
	for i, a := range list {
		out[i] = toAddress(a)
	}
	return out
}

// customArgs stringifies metadata; SendGrid only accepts string values.
func customArgs(metadata map[string]any, anymailID string) (map[string]string, error) {
	out := make(map[string]string, len(metadata)+1)
	for _, k := range slices.Sorted(maps.Keys(metadata)) {
		v := metadata[k]
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, &anymail.SerializationError{ESP: Name, Field: "metadata." + k, Type: fmt.Sprintf("%T", v), Err: err}
		}
		out[k] = string(b)
	}
	out["anymail_id"] = anymailID
	return out, nil
}

func (p *Payload) personalizations() ([]personalization, error) {
	type group struct {
		to   []anymail.EmailAddress
		data map[string]any
		md   map[string]any
	}
	var groups []group
	if p.hasMergeData {
		for _, rc := range anymail.Personalize(p.to, p.mergeData, p.mergeGlobalData) {
			groups = append(groups, group{
				to:   []anymail.EmailAddress{rc.To},
				data: rc.Data,
				md:   anymail.RecipientMetadata(p.metadata, p.mergeMetadata, rc.To),
			})
		}
	}
	if len(groups) == 0 {
		md := p.metadata
		if len(p.to) == 1 {
			md = anymail.RecipientMetadata(p.metadata, p.mergeMetadata, p.to[0])
		}
		groups = []group{{to: p.to, data: p.mergeGlobalData, md: md}}
	}

	if p.anymailIDs == nil {
		p.anymailIDs = make([]string, len(groups))
		for i := range groups {
			p.anymailIDs[i] = uuid.NewString()
		}
	}

	p.recipientIDs = map[string]string{}
	out := make([]personalization, len(groups))
	for i, g := range groups {
		id := p.anymailIDs[i]
		args, err := customArgs(g.md, id)
		if err != nil {
			return nil, err
		}
		out[i] = personalization{
			To:                  addresses(g.to),
			Cc:                  addresses(p.cc),
			Bcc:                 addresses(p.bcc),
			CustomArgs:          args,
			DynamicTemplateData: g.data,
		}
		for _, a := range slices.Concat(g.to, p.cc, p.bcc) {
			if _, seen := p.recipientIDs[a.AddrSpec]; !seen {
				p.recipientIDs[a.AddrSpec] = id
			}
		}
	}
	return out, nil
}

func (p *Payload) Serialize() ([]*anymail.Request, error) {
	pers, err := p.personalizations()
	if err != nil {
		return nil, err
	}
	data := maps.Clone(p.data)
	data["personalizations"] = pers

	var parts []content
	if p.text != nil {
		parts = append(parts, *p.text)
	}
	if p.html != nil {
		parts = append(parts, *p.html)
	}
	parts = append(parts, p.alternatives...)
	if len(parts) > 0 {
		data["content"] = parts
	}

	if len(p.extra) > 0 {
		// esp_extra merges into plain JSON maps, so typed values are
		// flattened first.
		plain, err := toPlainMap(data)
		if err != nil {
			return nil, err
		}
		data, err = anymail.DeepMerge(plain, p.extra)
		if err != nil {
			return nil, err
		}
	}

	body, err := anymail.SerializeJSON(Name, data)
	if err != nil {
		return nil, err
	}
	return []*anymail.Request{{
		Method: http.MethodPost,
		URL:    p.apiURL + "mail/send",
		Header: http.Header{
			"Authorization": {"Bearer " + p.apiKey},
			"Content-Type":  {"application/json"},
			"Accept":        {"application/json"},
		},
		Body: body,
	}}, nil
}

func toPlainMap(v map[string]any) (map[string]any, error) {
	b, err := anymail.SerializeJSON(Name, v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, &anymail.SerializationError{ESP: Name, Err: err}
	}
	return out, nil
}

// ParseRecipientStatus marks every recipient queued. SendGrid's 202 carries
// no body; each recipient's message ID is its personalization's anymail_id.
func (e *ESP) ParseRecipientStatus(ap anymail.Payload, _ []*anymail.Response) (map[string]anymail.RecipientStatus, error) {
	p := ap.(*Payload)
	out := make(map[string]anymail.RecipientStatus, len(p.recipientIDs))
	for addr, id := range p.recipientIDs {
		out[addr] = anymail.RecipientStatus{MessageID: id, Status: anymail.StatusQueued}
	}
	return out, nil
}

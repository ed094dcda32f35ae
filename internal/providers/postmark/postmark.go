// Package postmark sends through the Postmark API and parses its tracking
// and inbound webhooks.
package postmark

import (
	"encoding/json"
	"maps"
	"net/http"
	"regexp"
	"slices"
	"strings"

	"anymail/internal/anymail"
)

const (
	Name          = "Postmark"
	DefaultAPIURL = "https://api.postmarkapp.com/"
)

type Config struct {
	ServerToken string
	APIURL      string
}

type ESP struct {
	serverToken string
	apiURL      string
}

func New(cfg Config) (*ESP, error) {
	if cfg.ServerToken == "" {
		return nil, anymail.MissingSetting(Name, "ANYMAIL_POSTMARK_SERVER_TOKEN")
	}
	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if !strings.HasSuffix(apiURL, "/") {
		apiURL += "/"
	}
	return &ESP{serverToken: cfg.ServerToken, apiURL: apiURL}, nil
}

func (e *ESP) Name() string { return Name }

// AcceptsStatus lets 422 bodies through; they carry per-recipient errors.
func (e *ESP) AcceptsStatus(code int) bool { return code == http.StatusUnprocessableEntity }

func (e *ESP) NewPayload(_ *anymail.Message, base anymail.BasePayload) (anymail.Payload, error) {
	return &Payload{
		BasePayload: base,
		apiURL:      e.apiURL,
		serverToken: e.serverToken,
		data:        map[string]any{},
	}, nil
}

// Payload builds Postmark's JSON send body. With merge_data it fans out into
// one request per `to` recipient.
type Payload struct {
	anymail.BasePayload

	apiURL      string
	serverToken string
	data        map[string]any

	to         []anymail.EmailAddress
	recipients []anymail.EmailAddress

	batch         bool
	mergeData     map[string]map[string]any
	metadata      map[string]any
	mergeMetadata map[string]map[string]any

	requests []*anymail.Request
}

func (p *Payload) SetFrom(addr anymail.EmailAddress) error {
	p.data["From"] = addr.Address()
	return nil
}

func (p *Payload) AddRecipient(kind anymail.RecipientKind, addr anymail.EmailAddress) error {
	field := map[anymail.RecipientKind]string{anymail.KindTo: "To", anymail.KindCc: "Cc", anymail.KindBcc: "Bcc"}[kind]
	if cur, ok := p.data[field].(string); ok && cur != "" {
		p.data[field] = cur + ", " + addr.Address()
	} else {
		p.data[field] = addr.Address()
	}
	if kind == anymail.KindTo {
		p.to = append(p.to, addr)
	}
	p.recipients = append(p.recipients, addr)
	return nil
}

func (p *Payload) SetSubject(subject string) error {
	p.data["Subject"] = subject
	return nil
}

func (p *Payload) SetReplyTo(addrs []anymail.EmailAddress) error {
	p.data["ReplyTo"] = anymail.JoinAddresses(addrs)
	return nil
}

type header struct {
	Name  string `json:"Name"`
	Value string `json:"Value"`
}

func (p *Payload) SetExtraHeaders(headers map[string]string) error {
	hs := make([]header, 0, len(headers))
	for _, k := range slices.Sorted(maps.Keys(headers)) {
		hs = append(hs, header{Name: k, Value: headers[k]})
	}
	p.data["Headers"] = hs
	return nil
}

func (p *Payload) SetTextBody(body string) error {
	p.data["TextBody"] = body
	return nil
}

func (p *Payload) SetHTMLBody(body string) error {
	if err := p.ClaimHTMLBody(); err != nil {
		return err
	}
	p.data["HtmlBody"] = body
	return nil
}

type attachment struct {
	Name        string `json:"Name"`
	Content     string `json:"Content"`
	ContentType string `json:"ContentType"`
	ContentID   string `json:"ContentID,omitempty"`
}

func (p *Payload) AddAttachment(att anymail.Attachment) error {
	a := attachment{Name: att.Name, Content: att.Base64(), ContentType: att.ContentType()}
	if att.Inline {
		if att.CID() == "" {
			return p.Unsupported("inline attachments without Content-ID")
		}
		a.ContentID = "cid:" + att.CID()
	}
	list, _ := p.data["Attachments"].([]attachment)
	p.data["Attachments"] = append(list, a)
	return nil
}

func (p *Payload) SetMetadata(metadata map[string]any) error {
	p.metadata = metadata
	p.data["Metadata"] = metadata
	return nil
}

func (p *Payload) SetTags(tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	p.data["Tag"] = tags[0]
	if len(tags) > 1 {
		return p.Unsupported("multiple tags")
	}
	return nil
}

func (p *Payload) SetTrackClicks(track bool) error {
	if track {
		p.data["TrackLinks"] = "HtmlAndText"
	} else {
		p.data["TrackLinks"] = "None"
	}
	return nil
}

func (p *Payload) SetTrackOpens(track bool) error {
	p.data["TrackOpens"] = track
	return nil
}

func (p *Payload) SetTemplateID(id string) error {
	p.data["TemplateId"] = id
	// Postmark refuses these alongside a template, even when empty.
	for _, field := range []string{"Subject", "TextBody", "HtmlBody"} {
		if s, ok := p.data[field].(string); ok && s == "" {
			delete(p.data, field)
		}
	}
	return nil
}

func (p *Payload) SetMergeData(data map[string]map[string]any) error {
	p.batch = true
	p.mergeData = data
	return nil
}

func (p *Payload) SetMergeGlobalData(data map[string]any) error {
	p.data["TemplateModel"] = data
	return nil
}

func (p *Payload) SetMergeMetadata(data map[string]map[string]any) error {
	p.batch = true
	p.mergeMetadata = data
	return nil
}

func (p *Payload) SetESPExtra(extra map[string]any) error {
	if tok, ok := extra["server_token"].(string); ok {
		p.serverToken = tok
		extra = maps.Clone(extra)
		delete(extra, "server_token")
	}
	merged, err := anymail.DeepMerge(p.data, extra)
	if err != nil {
		return err
	}
	p.data = merged
	return nil
}

func endpoint(data map[string]any) string {
	_, tmpl := data["TemplateId"]
	_, model := data["TemplateModel"]
	if tmpl || model {
		return "email/withTemplate/"
	}
	return "email"
}

func (p *Payload) Serialize() ([]*anymail.Request, error) {
	bodies := []map[string]any{p.data}
	if p.batch && len(p.to) > 0 {
		global, _ := p.data["TemplateModel"].(map[string]any)
		contexts, err := p.FanOutMergeData(p.to, p.mergeData, global)
		if err != nil {
			return nil, err
		}
		bodies = bodies[:0]
		for _, rc := range contexts {
			data := maps.Clone(p.data)
			data["To"] = rc.To.Address()
			if p.mergeData != nil && (rc.HasData || global != nil) {
				data["TemplateModel"] = rc.Data
			}
			if md := anymail.RecipientMetadata(p.metadata, p.mergeMetadata, rc.To); md != nil {
				data["Metadata"] = md
			}
			bodies = append(bodies, data)
		}
	}

	p.requests = p.requests[:0]
	for _, data := range bodies {
		body, err := anymail.SerializeJSON(Name, data)
		if err != nil {
			return nil, err
		}
		p.requests = append(p.requests, &anymail.Request{
			Method: http.MethodPost,
			URL:    p.apiURL + endpoint(data),
			Header: http.Header{
				"Content-Type":            {"application/json"},
				"Accept":                  {"application/json"},
				"X-Postmark-Server-Token": {p.serverToken},
			},
			Body: body,
		})
	}
	return p.requests, nil
}

var (
	inactiveRe = regexp.MustCompile(`(?m)inactive addresses:\s*(.*)\.\s*Inactive recipients`)
	invalidRe  = regexp.MustCompile(`(?m)address:?\s*'(.*?)'`)
)

type sendResponse struct {
	ErrorCode *int   `json:"ErrorCode"`
	Message   string `json:"Message"`
	To        string `json:"To"`
	MessageID string `json:"MessageID"`
}

func (e *ESP) ParseRecipientStatus(ap anymail.Payload, responses []*anymail.Response) (map[string]anymail.RecipientStatus, error) {
	p := ap.(*Payload)
	statuses := anymail.UnknownStatuses(p.recipients)

	for i, resp := range responses {
		apiErr := func(msg string, err error) error {
			var sent []byte
			if i < len(p.requests) {
				sent = p.requests[i].Body
			}
			return &anymail.APIError{ESP: Name, Msg: msg, StatusCode: resp.StatusCode, Body: resp.Body, Payload: sent, Err: err}
		}

		var r sendResponse
		if err := json.Unmarshal(resp.Body, &r); err != nil {
			return nil, apiErr("invalid response format", err)
		}
		if r.ErrorCode == nil {
			return nil, apiErr("invalid response format", nil)
		}

		switch *r.ErrorCode {
		case 0:
			if r.To == "" || r.MessageID == "" {
				return nil, apiErr("invalid success response format", nil)
			}
			to, err := anymail.ParseAddressList(r.To)
			if err != nil {
				return nil, apiErr("invalid success response format", err)
			}
			for _, a := range to {
				anymail.SetRecipientStatus(statuses, a.AddrSpec, anymail.RecipientStatus{MessageID: r.MessageID, Status: anymail.StatusSent})
			}
			for _, addr := range addrSpecsFromMessage(r.Message, inactiveRe) {
				anymail.SetRecipientStatus(statuses, addr, anymail.RecipientStatus{Status: anymail.StatusRejected})
			}
		case 300:
			if strings.Contains(r.Message, "'From' address") {
				return nil, apiErr("", nil)
			}
			for _, addr := range addrSpecsFromMessage(r.Message, invalidRe) {
				anymail.SetRecipientStatus(statuses, addr, anymail.RecipientStatus{Status: anymail.StatusInvalid})
			}
		case 406:
			for _, addr := range addrSpecsFromMessage(r.Message, inactiveRe) {
				anymail.SetRecipientStatus(statuses, addr, anymail.RecipientStatus{Status: anymail.StatusRejected})
			}
		default:
			return nil, apiErr("", nil)
		}
	}
	return statuses, nil
}

// addrSpecsFromMessage extracts the comma-separated addresses captured by
// re's first group from Postmark's human-readable error text.
func addrSpecsFromMessage(msg string, re *regexp.Regexp) []string {
	m := re.FindStringSubmatch(msg)
	if m == nil {
		return nil
	}
	var out []string
	for _, s := range strings.Split(m[1], ",") {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

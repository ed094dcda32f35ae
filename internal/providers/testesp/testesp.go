// Package testesp is an in-process ESP for tests and local development. Its
// payload records the normalized send parameters as JSON, and Outbox answers
// them without any network traffic.
package testesp

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/http"

	"anymail/internal/anymail"
)

const (
	Name = "Test"
	// SendURL is never dialed; Outbox intercepts requests to it.
	SendURL = "https://esp.test.invalid/send"
)

type ESP struct{}

func New() *ESP { return &ESP{} }

func (e *ESP) Name() string { return Name }

func (e *ESP) NewPayload(_ *anymail.Message, base anymail.BasePayload) (anymail.Payload, error) {
	return &Payload{BasePayload: base, params: map[string]any{}}, nil
}

// Payload supports every Anymail feature.
type Payload struct {
	anymail.BasePayload

	params     map[string]any
	recipients []string
}

func (p *Payload) appendParam(key string, v any) {
	list, _ := p.params[key].([]any)
	p.params[key] = append(list, v)
}

func (p *Payload) SetFrom(addr anymail.EmailAddress) error {
	p.params["from"] = addr.Address()
	return nil
}

func (p *Payload) AddRecipient(kind anymail.RecipientKind, addr anymail.EmailAddress) error {
	p.appendParam(string(kind), addr.Address())
	p.recipients = append(p.recipients, addr.AddrSpec)
	return nil
}

func (p *Payload) SetSubject(subject string) error {
	p.params["subject"] = subject
	return nil
}

func (p *Payload) SetReplyTo(addrs []anymail.EmailAddress) error {
	for _, a := range addrs {
		p.appendParam("reply_to", a.Address())
	}
	return nil
}

func (p *Payload) SetExtraHeaders(headers map[string]string) error {
	p.params["headers"] = maps.Clone(headers)
	return nil
}

func (p *Payload) SetTextBody(body string) error {
	p.params["text_body"] = body
	return nil
}

func (p *Payload) SetHTMLBody(body string) error {
	if err := p.ClaimHTMLBody(); err != nil {
		return err
	}
	p.params["html_body"] = body
	return nil
}

func (p *Payload) AddAlternative(content, mimetype string) error {
	p.appendParam("alternatives", map[string]any{"content": content, "mimetype": mimetype})
	return nil
}

func (p *Payload) AddAttachment(att anymail.Attachment) error {
	p.appendParam("attachments", map[string]any{
		"name":       att.Name,
		"mimetype":   att.ContentType(),
		"content":    att.Base64(),
		"inline":     att.Inline,
		"content_id": att.CID(),
	})
	return nil
}

func (p *Payload) SetMetadata(metadata map[string]any) error {
	p.params["metadata"] = metadata
	return nil
}

func (p *Payload) SetSendAt(sendAt anymail.SendAt) error {
	p.params["send_at"] = sendAt
	return nil
}

func (p *Payload) SetTags(tags []string) error {
	p.params["tags"] = tags
	return nil
}

func (p *Payload) SetTrackClicks(track bool) error {
	p.params["track_clicks"] = track
	return nil
}

func (p *Payload) SetTrackOpens(track bool) error {
	p.params["track_opens"] = track
	return nil
}

func (p *Payload) SetTemplateID(id string) error {
	p.params["template_id"] = id
	return nil
}

func (p *Payload) SetMergeData(data map[string]map[string]any) error {
	p.params["merge_data"] = data
	return nil
}

func (p *Payload) SetMergeGlobalData(data map[string]any) error {
	p.params["merge_global_data"] = data
	return nil
}

func (p *Payload) SetMergeMetadata(data map[string]map[string]any) error {
	p.params["merge_metadata"] = data
	return nil
}

func (p *Payload) SetESPExtra(extra map[string]any) error {
	merged, err := anymail.DeepMerge(p.params, extra)
	if err != nil {
		return err
	}
	p.params = merged
	return nil
}

// Params returns the normalized send parameters collected so far.
func (p *Payload) Params() map[string]any { return p.params }

func (p *Payload) Serialize() ([]*anymail.Request, error) {
	body, err := anymail.SerializeJSON(Name, p.params)
	if err != nil {
		return nil, err
	}
	return []*anymail.Request{{
		Method: http.MethodPost,
		URL:    SendURL,
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   body,
	}}, nil
}

type sendResponse struct {
	Recipients map[string]anymail.RecipientStatus `json:"recipients"`
}

func (e *ESP) ParseRecipientStatus(ap anymail.Payload, responses []*anymail.Response) (map[string]anymail.RecipientStatus, error) {
	p := ap.(*Payload)
	resp := responses[0]
	var r sendResponse
	if err := json.Unmarshal(resp.Body, &r); err != nil {
		return nil, &anymail.APIError{ESP: Name, Msg: "invalid response format", StatusCode: resp.StatusCode, Body: resp.Body, Err: err}
	}
	out := make(map[string]anymail.RecipientStatus, len(p.recipients))
	for _, addr := range p.recipients {
		st, ok := r.Recipients[addr]
		if !ok {
			return nil, &anymail.APIError{ESP: Name, Msg: fmt.Sprintf("no status for %s", addr), StatusCode: resp.StatusCode, Body: resp.Body}
		}
		out[addr] = st
	}
	return out, nil
}

package anymail

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"
)

// fakeESP posts one JSON document per message and expects
// {"id": ..., "status": ...} back, applied to every recipient.
type fakeESP struct {
	url string
}

func (e *fakeESP) Name() string { return "Fake" }

func (e *fakeESP) NewPayload(_ *Message, base BasePayload) (Payload, error) {
	return &fakePayload{BasePayload: base, url: e.url, data: map[string]any{}}, nil
}

func (e *fakeESP) ParseRecipientStatus(p Payload, responses []*Response) (map[string]RecipientStatus, error) {
	fp := p.(*fakePayload)
	var body struct {
		ID     string     `json:"id"`
		Status SendStatus `json:"status"`
	}
	if err := json.Unmarshal(responses[0].Body, &body); err != nil {
		return nil, &APIError{ESP: e.Name(), Msg: "invalid JSON in response", Body: responses[0].Body, Err: err}
	}
	out := UnknownStatuses(fp.recipients)
	for _, r := range fp.recipients {
		SetRecipientStatus(out, r.AddrSpec, RecipientStatus{MessageID: body.ID, Status: body.Status})
	}
	return out, nil
}

type fakePayload struct {
	BasePayload
	url        string
	recipients []EmailAddress
	data       map[string]any
}

func (p *fakePayload) SetFrom(a EmailAddress) error {
	p.data["from"] = a.Address()
	return nil
}

func (p *fakePayload) AddRecipient(kind RecipientKind, a EmailAddress) error {
	p.recipients = append(p.recipients, a)
	list, _ := p.data[string(kind)].([]any)
	p.data[string(kind)] = append(list, a.Address())
	return nil
}

func (p *fakePayload) SetSubject(s string) error {
	p.data["subject"] = s
	return nil
}

func (p *fakePayload) SetTextBody(s string) error {
	p.data["text"] = s
	return nil
}

func (p *fakePayload) SetHTMLBody(s string) error {
	if err := p.ClaimHTMLBody(); err != nil {
		return err
	}
	p.data["html"] = s
	return nil
}

func (p *fakePayload) SetMetadata(m map[string]any) error {
	p.data["metadata"] = m
	return nil
}

func (p *fakePayload) SetTags(tags []string) error {
	p.data["tags"] = tags
	return nil
}

func (p *fakePayload) SetESPExtra(extra map[string]any) error {
	merged, err := DeepMerge(p.data, extra)
	if err != nil {
		return err
	}
	p.data = merged
	return nil
}

func (p *fakePayload) Serialize() ([]*Request, error) {
	body, err := SerializeJSON(p.ESP, p.data)
	if err != nil {
		return nil, err
	}
	return []*Request{{
		URL:    p.url,
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   body,
	}}, nil
}

// fakeServer replies with a fixed status code and body and records requests.
type fakeServer struct {
	mu     sync.Mutex
	code   int
	reply  string
	bodies []map[string]any
	agents []string
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)
	f.mu.Lock()
	f.bodies = append(f.bodies, body)
	f.agents = append(f.agents, r.Header.Get("User-Agent"))
	code := f.code
	f.mu.Unlock()
	if code == 0 {
		code = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = io.WriteString(w, f.reply)
}

func (f *fakeServer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bodies)
}

package testesp

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/mail"
	"sync"

	"anymail/internal/util"
)

// Sent is one request the Outbox answered.
type Sent struct {
	Params map[string]any
	Header http.Header
}

// Outbox is an anymail.Doer that records test ESP sends and answers them
// with one message ID per recipient.
type Outbox struct {
	// Status is returned for every recipient not listed in StatusFor.
	// Empty means "sent".
	Status    string
	StatusFor map[string]string
	// HTTPStatus, when set, replaces the 200 response with an error body.
	HTTPStatus int

	mu   sync.Mutex
	sent []Sent
}

func NewOutbox() *Outbox { return &Outbox{} }

func (o *Outbox) Do(req *http.Request) (*http.Response, error) {
	if err := req.Context().Err(); err != nil {
		return nil, err
	}
	var params map[string]any
	if req.Body != nil {
		if err := json.NewDecoder(req.Body).Decode(&params); err != nil {
			return reply(req, http.StatusBadRequest, map[string]any{"error": err.Error()}), nil
		}
	}

	o.mu.Lock()
	o.sent = append(o.sent, Sent{Params: params, Header: req.Header.Clone()})
	status, httpStatus := o.Status, o.HTTPStatus
	statusFor := o.StatusFor
	o.mu.Unlock()

	if httpStatus != 0 && httpStatus != http.StatusOK {
		return reply(req, httpStatus, map[string]any{"error": http.StatusText(httpStatus)}), nil
	}
	if status == "" {
		status = "sent"
	}

	recipients := map[string]any{}
	for _, kind := range []string{"to", "cc", "bcc"} {
		list, _ := params[kind].([]any)
		for _, v := range list {
			s, _ := v.(string)
			addr := s
			if a, err := mail.ParseAddress(s); err == nil {
				addr = a.Address
			}
			st := status
			if override, ok := statusFor[addr]; ok {
				st = override
			}
			recipients[addr] = map[string]any{"message_id": util.NewMessageID(), "status": st}
		}
	}
	return reply(req, http.StatusOK, map[string]any{"recipients": recipients}), nil
}

func reply(req *http.Request, code int, body any) *http.Response {
	b, _ := json.Marshal(body)
	return &http.Response{
		StatusCode: code,
		Status:     http.StatusText(code),
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       io.NopCloser(bytes.NewReader(b)),
		Request:    req,
	}
}

// Sent returns a copy of every request answered so far.
func (o *Outbox) Sent() []Sent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Sent(nil), o.sent...)
}

func (o *Outbox) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = nil
}

package anymail

import (
	"net/http"
	"slices"
	"strings"
)

// SendStatus is the canonical per-recipient send outcome.
type SendStatus string

const (
	StatusSent     SendStatus = "sent"
	StatusQueued   SendStatus = "queued"
	StatusRejected SendStatus = "rejected"
	StatusInvalid  SendStatus = "invalid"
	StatusUnknown  SendStatus = "unknown"
)

// RecipientStatus is one recipient's outcome. An empty MessageID means the ESP
// did not assign one.
type RecipientStatus struct {
	MessageID string     `json:"message_id,omitempty"`
	Status    SendStatus `json:"status"`
}

// Response is a raw ESP HTTP response, kept for diagnosis.
type Response struct {
	StatusCode int         `json:"status_code"`
	Header     http.Header `json:"-"`
	Body       []byte      `json:"-"`
}

// AggregateStatus summarizes the per-recipient outcomes of one message.
// MessageID is only set when every recipient shares the same ID; otherwise
// MessageIDs lists the distinct IDs (including "" for recipients without one).
type AggregateStatus struct {
	Status       []SendStatus               `json:"status"`
	MessageID    string                     `json:"message_id,omitempty"`
	MessageIDs   []string                   `json:"message_ids,omitempty"`
	Recipients   map[string]RecipientStatus `json:"recipients"`
	ESPResponses []*Response                `json:"-"`
}

// NewAggregateStatus collapses recipient outcomes into an AggregateStatus.
func NewAggregateStatus(recipients map[string]RecipientStatus, responses []*Response) *AggregateStatus {
	agg := &AggregateStatus{Recipients: recipients, ESPResponses: responses}
	var statuses []SendStatus
	var ids []string
	for _, rs := range recipients {
		if !slices.Contains(statuses, rs.Status) {
			statuses = append(statuses, rs.Status)
		}
		if !slices.Contains(ids, rs.MessageID) {
			ids = append(ids, rs.MessageID)
		}
	}
	slices.Sort(statuses)
	slices.Sort(ids)
	agg.Status = statuses
	if len(ids) == 1 {
		agg.MessageID = ids[0]
	} else {
		agg.MessageIDs = ids
	}
	return agg
}

// Single returns the status when all recipients share it.
func (a *AggregateStatus) Single() (SendStatus, bool) {
	if a == nil || len(a.Status) != 1 {
		return "", false
	}
	return a.Status[0], true
}

// AllRefused reports whether every recipient was rejected or invalid.
func (a *AggregateStatus) AllRefused() bool {
	if a == nil || len(a.Recipients) == 0 {
		return false
	}
	for _, rs := range a.Recipients {
		if rs.Status != StatusRejected && rs.Status != StatusInvalid {
			return false
		}
	}
	return true
}

func (a *AggregateStatus) String() string {
	parts := make([]string, len(a.Status))
	for i, s := range a.Status {
		parts[i] = string(s)
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// UnknownStatuses starts a recipient map with every address marked unknown.
func UnknownStatuses(addrs []EmailAddress) map[string]RecipientStatus {
	out := make(map[string]RecipientStatus, len(addrs))
	for _, a := range addrs {
		out[a.AddrSpec] = RecipientStatus{Status: StatusUnknown}
	}
	return out
}

// SetRecipientStatus records st for addr, reusing an existing key that
// matches case-insensitively so ESPs that lower-case addresses still update
// the recipient as it was given.
func SetRecipientStatus(m map[string]RecipientStatus, addr string, st RecipientStatus) {
	for k := range m {
		if strings.EqualFold(k, addr) {
			m[k] = st
			return
		}
	}
	m[addr] = st
}

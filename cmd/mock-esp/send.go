package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

type sendRequest struct {
	Key     string `json:"key"`
	Message struct {
		Subject string `json:"subject"`
		To      []struct {
			Email string `json:"email"`
			Type  string `json:"type"`
		} `json:"to"`
		Tags     []string       `json:"tags"`
		Metadata map[string]any `json:"metadata"`
	} `json:"message"`
}

type recipientResult struct {
	Email        string `json:"email"`
	Status       string `json:"status"`
	ID           string `json:"_id"`
	RejectReason string `json:"reject_reason,omitempty"`
}

func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusInternalServerError, -2, "ValidationError", "You must specify a key value")
		return
	}
	if req.Key != s.cfg.APIKey {
		writeError(w, http.StatusInternalServerError, -1, "Invalid_Key", "Invalid API key")
		return
	}

	if s.cfg.Delay > 0 {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(s.cfg.Delay):
		}
	}

	results := make([]recipientResult, 0, len(req.Message.To))
	var deliveries []delivery
	for _, to := range req.Message.To {
		out := classifyOutcome(s.nextOutcome())
		if out.httpStatus != http.StatusOK {
			if out.timeout {
				s.sleep(s.cfg.TimeoutDelay)
			}
			writeError(w, out.httpStatus, -1, out.errName, out.errName)
			return
		}
		res := recipientResult{Email: strings.ToLower(to.Email), Status: out.status, ID: s.newID(), RejectReason: out.rejectReason}
		results = append(results, res)
		deliveries = append(deliveries, delivery{
			result:   res,
			subject:  req.Message.Subject,
			tags:     req.Message.Tags,
			metadata: req.Message.Metadata,
			events:   out.events,
		})
	}

	writeJSON(w, http.StatusOK, results)
	s.deliverWebhooks(s.cfg.WebhookURL, deliveries)
}

type outcome struct {
	status       string
	rejectReason string
	// events are the tracking events posted for the recipient, in order.
	events     []string
	httpStatus int
	errName    string
	timeout    bool
}

// classifyOutcome maps an outcome token such as "sent", "bounce" or
// "rejected:spam" to the API result and the tracking events that follow.
func classifyOutcome(raw string) outcome {
	kind, arg, _ := strings.Cut(strings.TrimSpace(raw), ":")
	switch kind {
	case "", "ok", "sent":
		return outcome{status: "sent", events: []string{"send", "open"}, httpStatus: http.StatusOK}
	case "queued":
		return outcome{status: "queued", events: []string{"deferral", "send"}, httpStatus: http.StatusOK}
	case "scheduled":
		return outcome{status: "scheduled", httpStatus: http.StatusOK}
	case "bounce", "hard_bounce":
		return outcome{status: "sent", events: []string{"hard_bounce"}, httpStatus: http.StatusOK}
	case "soft_bounce":
		return outcome{status: "sent", events: []string{"soft_bounce"}, httpStatus: http.StatusOK}
	case "spam":
		return outcome{status: "sent", events: []string{"send", "spam"}, httpStatus: http.StatusOK}
	case "rejected", "reject":
		if arg == "" {
			arg = "hard-bounce"
		}
		return outcome{status: "rejected", rejectReason: arg, events: []string{"reject"}, httpStatus: http.StatusOK}
	case "invalid":
		return outcome{status: "invalid", httpStatus: http.StatusOK}
	case "rate_limit", "429":
		return outcome{httpStatus: http.StatusTooManyRequests, errName: "Rate_Limit"}
	case "server_error", "500":
		return outcome{httpStatus: http.StatusInternalServerError, errName: "GeneralError"}
	case "timeout":
		return outcome{httpStatus: http.StatusGatewayTimeout, errName: "Timeout", timeout: true}
	default:
		return outcome{httpStatus: http.StatusInternalServerError, errName: "mock error: " + kind}
	}
}

func (s *server) nextOutcome() string {
	outcomes := s.cfg.Outcomes
	switch s.cfg.OutcomeMode {
	case "round_robin":
		return outcomes[s.nextIndex()%len(outcomes)]
	case "weighted":
		s.rngMu.Lock()
		ok := s.rng.Float64() <= s.cfg.SuccessRate
		r := s.rng.Float64()
		s.rngMu.Unlock()
		if ok {
			return "sent"
		}
		return pickWeighted(r, s.weights)
	case "random":
		s.rngMu.Lock()
		i := s.rng.Intn(len(outcomes))
		s.rngMu.Unlock()
		return outcomes[i]
	default:
		return outcomes[0]
	}
}

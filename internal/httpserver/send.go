package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"anymail/internal/anymail"
	"anymail/internal/store"
)

// MaxMessageBody bounds a send request, attachments included.
const MaxMessageBody = 25 << 20

type SendStore interface {
	InsertSendResults(ctx context.Context, rows []store.SendResult) error
	ListSendResults(ctx context.Context, messageID string) ([]store.SendResult, error)
	ListTrackingEvents(ctx context.Context, messageID string) ([]store.TrackingEventRecord, error)
}

type Sender interface {
	Send(ctx context.Context, msg *anymail.Message) (bool, error)
}

var _ Sender = (*anymail.Backend)(nil)

type SendAPI struct {
	Backend Sender
	ESP     string
	Store   SendStore
	IDGen   func() string
	Now     func() time.Time
}

func (a *SendAPI) Register(r *mux.Router) {
	r.HandleFunc("/v1/messages", a.handleSend).Methods(http.MethodPost)
	r.HandleFunc("/v1/messages/{message_id}", a.handleGetMessage).Methods(http.MethodGet)
}

type sendResponse struct {
	Sent bool `json:"sent"`
	*anymail.AggregateStatus
	Error string `json:"error,omitempty"`
}

func (a *SendAPI) handleSend(w http.ResponseWriter, r *http.Request) {
	var msg anymail.Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxMessageBody)).Decode(&msg); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}

	sent, sendErr := a.Backend.Send(r.Context(), &msg)

	if msg.Status != nil {
		rows := store.SendResultsFor(a.ESP, &msg, a.IDGen, a.Now())
		if err := a.Store.InsertSendResults(r.Context(), rows); err != nil {
			slog.Error("record send results failed", "err", err, "esp", a.ESP, "message_id", msg.Status.MessageID)
		}
	}

	if sendErr != nil {
		code := sendStatus(sendErr)
		if code >= http.StatusInternalServerError {
			slog.Error("send message failed", "err", sendErr, "esp", a.ESP, "subject", msg.Subject)
		} else {
			slog.Warn("send message rejected", "err", sendErr, "esp", a.ESP, "subject", msg.Subject)
		}
		writeJSON(w, code, sendResponse{AggregateStatus: msg.Status, Error: sendErr.Error()})
		return
	}
	writeJSON(w, http.StatusOK, sendResponse{Sent: sent, AggregateStatus: msg.Status})
}

type resultView struct {
	ESP       string             `json:"esp"`
	Recipient string             `json:"recipient"`
	Status    anymail.SendStatus `json:"status"`
	Subject   string             `json:"subject,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

type messageView struct {
	MessageID string                  `json:"message_id"`
	Results   []resultView            `json:"results"`
	Events    []anymail.TrackingEvent `json:"events"`
}

func (a *SendAPI) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["message_id"]
	if id == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}
	results, err := a.Store.ListSendResults(r.Context(), id)
	if err != nil {
		slog.Error("list send results failed", "err", err, "message_id", id)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	events, err := a.Store.ListTrackingEvents(r.Context(), id)
	if err != nil {
		slog.Error("list tracking events failed", "err", err, "message_id", id)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if len(results) == 0 && len(events) == 0 {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}

	view := messageView{MessageID: id, Results: []resultView{}, Events: []anymail.TrackingEvent{}}
	for _, res := range results {
		view.Results = append(view.Results, resultView{
			ESP: res.ESP, Recipient: res.Recipient, Status: res.Status, Subject: res.Subject, CreatedAt: res.CreatedAt,
		})
	}
	for _, ev := range events {
		view.Events = append(view.Events, ev.Event)
	}
	writeJSON(w, http.StatusOK, view)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

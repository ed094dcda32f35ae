// Command mock-esp is a Mandrill-compatible fake for local runs and load
// tests. It answers messages/send.json with configurable outcomes and posts
// signed mandrill_events tracking webhooks back, retrying like Mandrill does.
package main

import (
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	"anymail/internal/config"
	"anymail/internal/httpserver"
	"anymail/internal/logging"
	"anymail/internal/util"
)

type server struct {
	cfg     config.MockESPConfig
	weights []weightedOutcome

	idx    uint64
	rng    *rand.Rand
	rngMu  sync.Mutex
	client *http.Client
	newID  func() string
	now    func() time.Time
	sleep  func(time.Duration)
	// wg tracks webhook deliveries in flight.
	wg sync.WaitGroup
}

func newServer(cfg config.MockESPConfig) *server {
	cfg.OutcomeMode = strings.ToLower(cfg.OutcomeMode)
	if len(cfg.Outcomes) == 0 {
		cfg.Outcomes = []string{"sent"}
	}
	return &server{
		cfg:     cfg,
		weights: parseWeightedOutcomes(cfg.FailureWeights),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		client:  &http.Client{Timeout: 5 * time.Second},
		newID:   func() string { return strings.ToLower(util.NewID("")) },
		now:     time.Now,
		sleep:   time.Sleep,
	}
}

func (s *server) routes() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/api/1.0/messages/send.json", s.handleSend).Methods(http.MethodPost)
	router.HandleFunc("/api/1.0/messages/send-template.json", s.handleSend).Methods(http.MethodPost)
	router.HandleFunc("/healthz", httpserver.Healthz()).Methods(http.MethodGet)
	return router
}

func main() {
	cfg := config.LoadMockESP()
	logging.Init("mock-esp", cfg.LogFormat, cfg.LogLevel)

	s := newServer(cfg)
	slog.Info("mock esp listening", "port", cfg.Port, "mode", s.cfg.OutcomeMode, "webhook_url", cfg.WebhookURL)
	if err := http.ListenAndServe(":"+cfg.Port, httpserver.Logging(s.routes())); err != nil {
		slog.Error("mock esp server failed", "err", err)
		os.Exit(1)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError answers in Mandrill's error shape.
func writeError(w http.ResponseWriter, status, code int, name, msg string) {
	writeJSON(w, status, map[string]any{"status": "error", "code": code, "name": name, "message": msg})
}

func (s *server) nextIndex() int {
	return int(atomic.AddUint64(&s.idx, 1) - 1)
}

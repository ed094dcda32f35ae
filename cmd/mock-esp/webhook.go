package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"anymail/internal/providers/mandrill"
)

type delivery struct {
	result   recipientResult
	subject  string
	tags     []string
	metadata map[string]any
	events   []string
}

// deliverWebhooks posts one mandrill_events batch per event step, the way
// Mandrill batches events that happen close together.
func (s *server) deliverWebhooks(callbackURL string, deliveries []delivery) {
	if callbackURL == "" || len(deliveries) == 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for step := 0; ; step++ {
			batch := s.eventBatch(deliveries, step)
			if len(batch) == 0 {
				return
			}
			s.sleep(s.cfg.WebhookDelay)
			body, err := json.Marshal(batch)
			if err != nil {
				slog.Error("mock webhook marshal failed", "err", err)
				return
			}
			form := url.Values{"mandrill_events": {string(body)}}
			sig := mandrill.Sign([]byte(s.cfg.WebhookKey), callbackURL, form)
			_ = s.postWebhookWithRetry(context.Background(), callbackURL, sig, form)
		}
	}()
}

func (s *server) eventBatch(deliveries []delivery, step int) []map[string]any {
	var batch []map[string]any
	ts := s.now().Unix()
	for _, d := range deliveries {
		if step >= len(d.events) {
			continue
		}
		event := d.events[step]
		msg := map[string]any{
			"_id":      d.result.ID,
			"ts":       ts,
			"email":    d.result.Email,
			"subject":  d.subject,
			"state":    d.result.Status,
			"tags":     nonNil(d.tags),
			"metadata": d.metadata,
		}
		switch event {
		case "hard_bounce", "soft_bounce":
			msg["state"] = strings.TrimSuffix(event, "_bounce") + "-bounced"
			msg["bounce_description"] = "bad_mailbox"
			msg["diag"] = "smtp;550 5.1.1 The email account that you tried to reach does not exist."
		case "reject":
			msg["state"] = "rejected"
		}
		batch = append(batch, map[string]any{
			"event": event,
			"_id":   d.result.ID,
			"ts":    ts,
			"msg":   msg,
		})
	}
	return batch
}

func nonNil(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func (s *server) postWebhookWithRetry(ctx context.Context, callbackURL, sig string, form url.Values) error {
	maxAttempts := max(s.cfg.WebhookMaxRetries+1, 1)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, strings.NewReader(form.Encode()))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set(mandrill.SignatureHeader, sig)

		resp, err := s.client.Do(req)
		status := 0
		var retryAfter time.Duration
		if resp != nil {
			status = resp.StatusCode
			retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
			_ = resp.Body.Close()
		}
		if err == nil && status >= 200 && status < 300 {
			return nil
		}

		if attempt == maxAttempts-1 {
			slog.Error("mock webhook post failed", "url", callbackURL, "attempt", attempt+1, "status", status, "err", err)
			if err != nil {
				return err
			}
			return fmt.Errorf("webhook post failed: status=%d", status)
		}
		if err == nil && !isRetryableStatus(status) {
			slog.Error("mock webhook post non-retryable", "url", callbackURL, "attempt", attempt+1, "status", status)
			return fmt.Errorf("webhook post non-retryable: status=%d", status)
		}

		wait := retryAfter
		if wait <= 0 {
			wait = s.retryBackoff(attempt)
		}
		slog.Warn("mock webhook post retrying", "url", callbackURL, "attempt", attempt+1, "status", status, "wait_ms", wait.Milliseconds())
		s.sleep(wait)
	}
	return nil
}

// retryBackoff is base * 2^attempt, capped, with +/- jitter percent.
func (s *server) retryBackoff(attempt int) time.Duration {
	wait := s.cfg.WebhookRetryBase * time.Duration(1<<min(attempt, 20))
	if s.cfg.WebhookRetryMax > 0 && wait > s.cfg.WebhookRetryMax {
		wait = s.cfg.WebhookRetryMax
	}
	jp := min(s.cfg.WebhookJitterPct, 100)
	delta := int64(wait) * int64(jp) / 100
	if delta <= 0 {
		return wait
	}
	s.rngMu.Lock()
	j := s.rng.Int63n(2*delta+1) - delta
	s.rngMu.Unlock()
	return time.Duration(int64(wait) + j)
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// parseRetryAfter reads the delay-seconds form only.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

type weightedOutcome struct {
	Kind   string
	Weight float64
}

func parseWeightedOutcomes(s string) []weightedOutcome {
	var out []weightedOutcome
	for _, p := range strings.Split(s, ",") {
		// The weight follows the last colon, so "rejected:spam:2" keeps its reason.
		p = strings.TrimSpace(p)
		i := strings.LastIndex(p, ":")
		if i <= 0 {
			continue
		}
		kind, weight := strings.TrimSpace(p[:i]), p[i+1:]
		w, err := strconv.ParseFloat(strings.TrimSpace(weight), 64)
		if err != nil || w <= 0 || kind == "" {
			continue
		}
		out = append(out, weightedOutcome{Kind: kind, Weight: w})
	}
	return out
}

func pickWeighted(r float64, items []weightedOutcome) string {
	if len(items) == 0 {
		return "rejected"
	}
	var total float64
	for _, it := range items {
		total += it.Weight
	}
	target := r * total
	var cumulative float64
	for _, it := range items {
		cumulative += it.Weight
		if target <= cumulative {
			return it.Kind
		}
	}
	return items[len(items)-1].Kind
}

package anymail

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"anymail/internal/observability"
)

// UserAgent identifies this library to ESP APIs.
var UserAgent = "Anymail/" + Version + " Go-http-client/1.1"

var errServerStatus = errors.New("esp server error")

func (b *Backend) post(ctx context.Context, client Doer, req *Request) (*Response, error) {
	esp := b.esp.Name()
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			observability.ESPRequests.WithLabelValues(esp, "rate_limited", "0").Inc()
			return nil, &APIError{ESP: esp, Msg: "rate limit wait failed", Payload: req.Body, Err: err}
		}
	}

	start := time.Now()
	call := func() (any, error) {
		resp, err := b.roundTrip(ctx, client, req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return resp, errServerStatus
		}
		return resp, nil
	}

	var out any
	var err error
	if b.breaker != nil {
		out, err = b.breaker.Execute(call)
	} else {
		out, err = call()
	}
	observability.ESPLatency.WithLabelValues(esp).Observe(time.Since(start).Seconds())

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		observability.ESPRequests.WithLabelValues(esp, "cb_open", "0").Inc()
		return nil, &APIError{ESP: esp, Msg: "circuit breaker open", Payload: req.Body, Err: err}
	}
	if err != nil && !errors.Is(err, errServerStatus) {
		observability.ESPRequests.WithLabelValues(esp, "error", "0").Inc()
		msg := "request failed"
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "request timed out"
		}
		return nil, &APIError{ESP: esp, Msg: msg, Payload: req.Body, Err: err}
	}

	resp := out.(*Response)
	code := strconv.Itoa(resp.StatusCode)
	if !b.accepts(resp.StatusCode) {
		observability.ESPRequests.WithLabelValues(esp, "error", code).Inc()
		return nil, &APIError{ESP: esp, StatusCode: resp.StatusCode, Body: resp.Body, Payload: req.Body}
	}
	observability.ESPRequests.WithLabelValues(esp, "ok", code).Inc()
	return resp, nil
}

func (b *Backend) accepts(code int) bool {
	if code >= 200 && code < 300 {
		return true
	}
	if a, ok := b.esp.(StatusAccepter); ok {
		return a.AcceptsStatus(code)
	}
	return false
}

func (b *Backend) roundTrip(ctx context.Context, client Doer, req *Request) (*Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, b.settings.timeout())
	defer cancel()

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	httpReq, err := http.NewRequestWithContext(reqCtx, method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", UserAgent)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

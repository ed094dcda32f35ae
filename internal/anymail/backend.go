package anymail

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"anymail/internal/observability"
)

const Version = "1.0.0"

// ESP adapts the canonical message model to one provider's send API.
type ESP interface {
	Name() string
	// NewPayload allocates the ESP-shaped accumulator for msg.
	NewPayload(msg *Message, base BasePayload) (Payload, error)
	// ParseRecipientStatus maps the raw responses (one per serialized
	// request, in order) to per-recipient statuses.
	ParseRecipientStatus(p Payload, responses []*Response) (map[string]RecipientStatus, error)
}

// StatusAccepter is implemented by ESPs that return meaningful bodies with
// non-2xx status codes, which ParseRecipientStatus then interprets.
type StatusAccepter interface {
	AcceptsStatus(code int) bool
}

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type BackendOption func(*Backend)

func WithLogger(l *slog.Logger) BackendOption {
	return func(b *Backend) { b.logger = l }
}

// WithHTTPClient makes Open use c instead of creating a new *http.Client.
func WithHTTPClient(c Doer) BackendOption {
	return func(b *Backend) { b.newClient = func() Doer { return c } }
}

// WithCircuitBreaker fails ESP calls fast while the breaker is open. Only
// transport errors and 5xx responses count as failures.
func WithCircuitBreaker(st gobreaker.Settings) BackendOption {
	return func(b *Backend) { b.breaker = gobreaker.NewCircuitBreaker(st) }
}

// WithRateLimit waits for a token before every ESP request.
func WithRateLimit(rps float64, burst int) BackendOption {
	return func(b *Backend) { b.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// Backend sends Messages through one ESP.
type Backend struct {
	esp      ESP
	settings Settings
	logger   *slog.Logger
	breaker  *gobreaker.CircuitBreaker
	limiter  *rate.Limiter

	newClient func() Doer

	mu     sync.Mutex
	client Doer
	// users counts SendMessages calls holding client. A client created for
	// them (transient) is closed when the last one returns.
	users     int
	transient bool
}

func New(esp ESP, settings Settings, opts ...BackendOption) *Backend {
	b := &Backend{
		esp:      esp,
		settings: settings,
		logger:   slog.Default(),
	}
	b.newClient = func() Doer { return &http.Client{Timeout: b.settings.timeout()} }
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) ESP() ESP { return b.esp }

// Open creates the shared HTTP client if needed, and reports whether it did.
// Callers must call Close if and only if Open returned true.
func (b *Backend) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		if !b.transient {
			return false
		}
		// Take over the client SendMessages created; the caller closes it.
		b.transient = false
		return true
	}
	b.client = b.newClient()
	return true
}

// Close releases the client created by Open. While SendMessages calls are
// still using it, it is released when the last of them returns.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.users > 0 {
		b.transient = true
		return nil
	}
	b.closeLocked()
	return nil
}

func (b *Backend) closeLocked() {
	if b.client == nil {
		return
	}
	if c, ok := b.client.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}
	b.client = nil
	b.transient = false
}

// acquire returns the shared client, creating a transient one when none is
// open. release must be called exactly once.
func (b *Backend) acquire() (client Doer, release func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		b.client = b.newClient()
		b.transient = true
	}
	b.users++
	return b.client, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.users--
		if b.users == 0 && b.transient {
			b.closeLocked()
		}
	}
}

// SendMessages sends each message in order and returns how many were sent.
// A failure on one message never stops the rest. AnymailErrors are swallowed
// (and logged) when FailSilently is set; otherwise they are returned joined
// after the loop. Any other error, such as a cancelled context, stops the
// loop immediately.
func (b *Backend) SendMessages(ctx context.Context, msgs []*Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	client, release := b.acquire()
	defer release()

	esp := b.esp.Name()
	sent := 0
	var errs []error
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return sent, errors.Join(append(errs, err)...)
		}
		ok, err := b.send(ctx, client, msg)
		if err != nil {
			if !IsAnymailError(err) {
				return sent, errors.Join(append(errs, err)...)
			}
			observability.Messages.WithLabelValues(esp, "failed").Inc()
			if b.settings.FailSilently {
				b.logger.Warn("esp send failed silently", "err", err, "esp", esp, "subject", msg.Subject)
				continue
			}
			errs = append(errs, err)
			continue
		}
		if !ok {
			observability.Messages.WithLabelValues(esp, "skipped").Inc()
			continue
		}
		observability.Messages.WithLabelValues(esp, "sent").Inc()
		sent++
	}
	return sent, errors.Join(errs...)
}

// Send is SendMessages for a single message.
func (b *Backend) Send(ctx context.Context, msg *Message) (bool, error) {
	n, err := b.SendMessages(ctx, []*Message{msg})
	return n == 1, err
}

func (b *Backend) send(ctx context.Context, client Doer, msg *Message) (bool, error) {
	msg.Status = nil
	if len(msg.Recipients()) == 0 {
		return false, nil
	}

	p, err := BuildPayload(b.esp, msg, b.settings)
	if err != nil {
		return false, err
	}
	reqs, err := p.Serialize()
	if err != nil {
		return false, err
	}

	responses := make([]*Response, 0, len(reqs))
	for _, req := range reqs {
		resp, err := b.post(ctx, client, req)
		if err != nil {
			return false, err
		}
		responses = append(responses, resp)
	}

	statuses, err := b.esp.ParseRecipientStatus(p, responses)
	if err != nil {
		return false, err
	}
	msg.Status = NewAggregateStatus(statuses, responses)
	if !b.settings.IgnoreRecipientStatus && msg.Status.AllRefused() {
		return false, &RecipientsRefusedError{Status: msg.Status}
	}
	return true, nil
}

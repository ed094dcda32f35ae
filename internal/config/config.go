package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// ESPConfig holds credentials for every supported ESP. Only the ESPs a
// service actually builds need values.
type ESPConfig struct {
	ESP           string `envconfig:"ANYMAIL_ESP" default:"test"`
	WebhookSecret string `envconfig:"ANYMAIL_WEBHOOK_SECRET"`

	PostmarkServerToken string `envconfig:"ANYMAIL_POSTMARK_SERVER_TOKEN"`
	PostmarkAPIURL      string `envconfig:"ANYMAIL_POSTMARK_API_URL"`

	SendGridAPIKey string `envconfig:"ANYMAIL_SENDGRID_API_KEY"`
	SendGridAPIURL string `envconfig:"ANYMAIL_SENDGRID_API_URL"`

	MailgunAPIKey            string `envconfig:"ANYMAIL_MAILGUN_API_KEY"`
	MailgunSenderDomain      string `envconfig:"ANYMAIL_MAILGUN_SENDER_DOMAIN"`
	MailgunAPIURL            string `envconfig:"ANYMAIL_MAILGUN_API_URL"`
	MailgunWebhookSigningKey string `envconfig:"ANYMAIL_MAILGUN_WEBHOOK_SIGNING_KEY"`

	MandrillAPIKey     string `envconfig:"ANYMAIL_MANDRILL_API_KEY"`
	MandrillAPIURL     string `envconfig:"ANYMAIL_MANDRILL_API_URL"`
	MandrillWebhookKey string `envconfig:"ANYMAIL_MANDRILL_WEBHOOK_KEY"`
	MandrillWebhookURL string `envconfig:"ANYMAIL_MANDRILL_WEBHOOK_URL"`

	ResendSigningSecret string `envconfig:"ANYMAIL_RESEND_SIGNING_SECRET"`

	PostalWebhookKey string `envconfig:"ANYMAIL_POSTAL_WEBHOOK_KEY"`
}

type DBConfig struct {
	DSN               string        `envconfig:"DB_DSN" required:"true"`
	MaxConns          int32         `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	MinConns          int32         `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	MaxConnLifetime   time.Duration `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime   time.Duration `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD" default:"1m"`
}

// SendConfig configures the send Backend.
type SendConfig struct {
	FailSilently              bool          `envconfig:"ANYMAIL_FAIL_SILENTLY"`
	IgnoreUnsupportedFeatures bool          `envconfig:"ANYMAIL_IGNORE_UNSUPPORTED_FEATURES"`
	IgnoreRecipientStatus     bool          `envconfig:"ANYMAIL_IGNORE_RECIPIENT_STATUS"`
	RequestsTimeout           time.Duration `envconfig:"ANYMAIL_REQUESTS_TIMEOUT" default:"30s"`
	SendDefaultsFile          string        `envconfig:"ANYMAIL_SEND_DEFAULTS_FILE"`

	// ESP rate limit per pod; 0 disables limiting.
	ESPRPS   float64 `envconfig:"ANYMAIL_ESP_RPS" default:"0"`
	ESPBurst int     `envconfig:"ANYMAIL_ESP_BURST" default:"10"`

	BreakerFailures uint32        `envconfig:"ANYMAIL_BREAKER_FAILURES" default:"5"`
	BreakerTimeout  time.Duration `envconfig:"ANYMAIL_BREAKER_TIMEOUT" default:"30s"`
}

// Validate rejects limiter settings that could never grant a token.
func (c SendConfig) Validate() error {
	if c.ESPRPS < 0 {
		return fmt.Errorf("ANYMAIL_ESP_RPS must not be negative, got %v", c.ESPRPS)
	}
	if c.ESPBurst < 1 {
		return fmt.Errorf("ANYMAIL_ESP_BURST must be at least 1, got %d", c.ESPBurst)
	}
	return nil
}

type APIConfig struct {
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DBConfig

	ESPConfig
	SendConfig
}

type WebhookConfig struct {
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DBConfig

	// ESPs whose tracking and inbound webhooks are served.
	WebhookESPs []string `envconfig:"ANYMAIL_WEBHOOK_ESPS" required:"true"`
	// Must match the base URL configured at the ESP when signatures cover it.
	PublicBaseURL string `envconfig:"PUBLIC_BASE_URL"`

	// Redelivered events are dropped when Redis is configured.
	RedisURL  string        `envconfig:"REDIS_URL"`
	DedupeTTL time.Duration `envconfig:"DEDUPE_TTL" default:"24h"`

	// Events go to SQS when a queue is configured, else straight to Postgres.
	EventsQueueURL     string `envconfig:"ANYMAIL_EVENTS_QUEUE_URL"`
	AWSRegion          string `envconfig:"AWS_REGION" default:"us-east-1"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`

	ESPConfig
}

type ProcessorConfig struct {
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DBConfig

	// AWS / SQS
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	EventsQueueURL     string `envconfig:"ANYMAIL_EVENTS_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSWaitTime        int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs         int32  `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout      int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`

	WorkerConcurrency int `envconfig:"WORKER_CONCURRENCY" default:"20"`
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	if err := cfg.SendConfig.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

func LoadWebhook() WebhookConfig {
	var cfg WebhookConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadProcessor() ProcessorConfig {
	var cfg ProcessorConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

// MockESPConfig configures the local Mandrill-compatible fake.
type MockESPConfig struct {
	Port      string `envconfig:"PORT" default:"8080"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	APIKey     string `envconfig:"MOCK_API_KEY" default:"mock_key"`
	WebhookKey string `envconfig:"MOCK_WEBHOOK_KEY" default:"mock_webhook_key"`
	// Tracking events are posted here when set.
	WebhookURL string `envconfig:"MOCK_WEBHOOK_URL"`

	// fixed, round_robin, weighted or random.
	OutcomeMode string `envconfig:"MOCK_OUTCOME_MODE" default:"fixed"`
	// Outcomes for fixed, round_robin and random, e.g. "sent,queued,rejected:spam".
	Outcomes []string `envconfig:"MOCK_OUTCOMES" default:"sent"`
	// Weighted mode: success probability and failure weights ("bounce:3,server_error:1").
	SuccessRate    float64 `envconfig:"MOCK_SUCCESS_RATE" default:"0.95"`
	FailureWeights string  `envconfig:"MOCK_FAILURE_WEIGHTS" default:"rejected:1"`

	Delay        time.Duration `envconfig:"MOCK_DELAY" default:"0"`
	TimeoutDelay time.Duration `envconfig:"MOCK_TIMEOUT_DELAY" default:"35s"`
	WebhookDelay time.Duration `envconfig:"MOCK_WEBHOOK_DELAY" default:"500ms"`

	WebhookMaxRetries int           `envconfig:"MOCK_WEBHOOK_MAX_RETRIES" default:"8"`
	WebhookRetryBase  time.Duration `envconfig:"MOCK_WEBHOOK_RETRY_BASE" default:"250ms"`
	WebhookRetryMax   time.Duration `envconfig:"MOCK_WEBHOOK_RETRY_MAX" default:"10s"`
	WebhookJitterPct  int           `envconfig:"MOCK_WEBHOOK_RETRY_JITTER_PCT" default:"20"`
}

func LoadMockESP() MockESPConfig {
	var cfg MockESPConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/sony/gobreaker"
	"gopkg.in/yaml.v3"

	"anymail/internal/anymail"
)

// sendDefaultsFile is the YAML layout of ANYMAIL_SEND_DEFAULTS_FILE:
//
//	send_defaults:
//	  tags: [app]
//	esp_send_defaults:
//	  postmark:
//	    track_opens: true
type sendDefaultsFile struct {
	SendDefaults    anymail.Options            `yaml:"send_defaults"`
	ESPSendDefaults map[string]anymail.Options `yaml:"esp_send_defaults"`
}

// LoadSendDefaults reads the global and per-ESP send defaults. ESP keys are
// lower-cased. A null value leaves that attribute absent.
func LoadSendDefaults(path string) (anymail.Options, map[string]anymail.Options, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return anymail.Options{}, nil, err
	}
	var f sendDefaultsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return anymail.Options{}, nil, fmt.Errorf("parse send defaults %s: %w", path, err)
	}
	perESP := make(map[string]anymail.Options, len(f.ESPSendDefaults))
	for esp, opts := range f.ESPSendDefaults {
		perESP[strings.ToLower(esp)] = opts
	}
	return f.SendDefaults, perESP, nil
}

// Settings builds the Backend settings, loading the send defaults file when
// one is configured.
func (c SendConfig) Settings() (anymail.Settings, error) {
	s := anymail.Settings{
		FailSilently:              c.FailSilently,
		IgnoreUnsupportedFeatures: c.IgnoreUnsupportedFeatures,
		IgnoreRecipientStatus:     c.IgnoreRecipientStatus,
		RequestTimeout:            c.RequestsTimeout,
	}
	if c.SendDefaultsFile != "" {
		defaults, perESP, err := LoadSendDefaults(c.SendDefaultsFile)
		if err != nil {
			return anymail.Settings{}, err
		}
		s.SendDefaults = defaults
		s.ESPSendDefaults = perESP
	}
	return s, nil
}

// BackendOptions returns the rate limit and circuit breaker options.
func (c SendConfig) BackendOptions(esp string) []anymail.BackendOption {
	var opts []anymail.BackendOption
	if c.ESPRPS > 0 {
		opts = append(opts, anymail.WithRateLimit(c.ESPRPS, c.ESPBurst))
	}
	if c.BreakerFailures > 0 {
		failures := c.BreakerFailures
		opts = append(opts, anymail.WithCircuitBreaker(gobreaker.Settings{
			Name:    esp,
			Timeout: c.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
		}))
	}
	return opts
}

package anymail

import (
	"strings"
	"time"
)

const DefaultRequestTimeout = 30 * time.Second

// Settings is the process-wide configuration injected into a Backend.
type Settings struct {
	// SendDefaults apply to every message; ESPSendDefaults (keyed by lower-case
	// ESP name) replace them attribute by attribute for that ESP.
	SendDefaults    Options
	ESPSendDefaults map[string]Options

	FailSilently              bool
	IgnoreUnsupportedFeatures bool
	IgnoreRecipientStatus     bool
	RequestTimeout            time.Duration
}

// DefaultsFor returns the effective send defaults for esp.
func (s Settings) DefaultsFor(esp string) Options {
	espDefaults, ok := s.ESPSendDefaults[strings.ToLower(esp)]
	if !ok {
		return s.SendDefaults
	}
	return s.SendDefaults.Override(espDefaults)
}

func (s Settings) timeout() time.Duration {
	if s.RequestTimeout > 0 {
		return s.RequestTimeout
	}
	return DefaultRequestTimeout
}

// Package providers builds ESP adapters and webhook parsers by name.
package providers

import (
	"fmt"
	"sort"
	"strings"

	"anymail/internal/anymail"
	"anymail/internal/config"
	"anymail/internal/providers/mailgun"
	"anymail/internal/providers/mailjet"
	"anymail/internal/providers/mandrill"
	"anymail/internal/providers/postal"
	"anymail/internal/providers/postmark"
	"anymail/internal/providers/resend"
	"anymail/internal/providers/sendgrid"
	"anymail/internal/providers/testesp"
)

type espFactory func(cfg config.ESPConfig) (anymail.ESP, error)

var senders = map[string]espFactory{
	"postmark": func(cfg config.ESPConfig) (anymail.ESP, error) {
		return postmark.New(postmark.Config{ServerToken: cfg.PostmarkServerToken, APIURL: cfg.PostmarkAPIURL})
	},
	"sendgrid": func(cfg config.ESPConfig) (anymail.ESP, error) {
		return sendgrid.New(sendgrid.Config{APIKey: cfg.SendGridAPIKey, APIURL: cfg.SendGridAPIURL})
	},
	"mailgun": func(cfg config.ESPConfig) (anymail.ESP, error) {
		return mailgun.New(mailgun.Config{
			APIKey:       cfg.MailgunAPIKey,
			SenderDomain: cfg.MailgunSenderDomain,
			APIURL:       cfg.MailgunAPIURL,
		})
	},
	"mandrill": func(cfg config.ESPConfig) (anymail.ESP, error) {
		return mandrill.New(mandrill.Config{APIKey: cfg.MandrillAPIKey, APIURL: cfg.MandrillAPIURL})
	},
	"test": func(config.ESPConfig) (anymail.ESP, error) {
		return testesp.New(), nil
	},
}

// Parsers holds the webhook parsers one ESP supports. Either may be nil.
type Parsers struct {
	Tracking anymail.TrackingParser
	Inbound  anymail.InboundParser
}

type webhookFactory func(cfg config.ESPConfig) (Parsers, error)

var webhooks = map[string]webhookFactory{
	"postmark": func(cfg config.ESPConfig) (Parsers, error) {
		w := postmark.NewWebhooks(cfg.WebhookSecret)
		return Parsers{Tracking: w, Inbound: w}, nil
	},
	"sendgrid": func(cfg config.ESPConfig) (Parsers, error) {
		return Parsers{Tracking: sendgrid.NewWebhooks(cfg.WebhookSecret)}, nil
	},
	"mailgun": func(cfg config.ESPConfig) (Parsers, error) {
		w, err := mailgun.NewWebhooks(cfg.MailgunWebhookSigningKey, cfg.WebhookSecret)
		if err != nil {
			return Parsers{}, err
		}
		return Parsers{Tracking: w, Inbound: w}, nil
	},
	"mandrill": func(cfg config.ESPConfig) (Parsers, error) {
		return Parsers{Tracking: mandrill.NewWebhooks(cfg.MandrillWebhookKey, cfg.MandrillWebhookURL, cfg.WebhookSecret)}, nil
	},
	"mailjet": func(cfg config.ESPConfig) (Parsers, error) {
		return Parsers{Tracking: mailjet.NewWebhooks(cfg.WebhookSecret)}, nil
	},
	"resend": func(cfg config.ESPConfig) (Parsers, error) {
		w, err := resend.NewWebhooks(cfg.ResendSigningSecret, cfg.WebhookSecret)
		if err != nil {
			return Parsers{}, err
		}
		return Parsers{Tracking: w}, nil
	},
	"postal": func(cfg config.ESPConfig) (Parsers, error) {
		w, err := postal.NewWebhooks(cfg.PostalWebhookKey, cfg.WebhookSecret)
		if err != nil {
			return Parsers{}, err
		}
		return Parsers{Tracking: w}, nil
	},
}

// NewESP builds the sending adapter for the named ESP.
func NewESP(name string, cfg config.ESPConfig) (anymail.ESP, error) {
	f, ok := senders[strings.ToLower(name)]
	if !ok {
		return nil, &anymail.ConfigurationError{
			Msg: fmt.Sprintf("unknown ESP %q for sending (known: %s)", name, strings.Join(names(senders), ", ")),
		}
	}
	esp, err := f(cfg)
	if err != nil {
		return nil, err
	}
	return esp, nil
}

// NewWebhookParsers builds the webhook parsers for the named ESP.
func NewWebhookParsers(name string, cfg config.ESPConfig) (Parsers, error) {
	f, ok := webhooks[strings.ToLower(name)]
	if !ok {
		return Parsers{}, &anymail.ConfigurationError{
			Msg: fmt.Sprintf("unknown ESP %q for webhooks (known: %s)", name, strings.Join(names(webhooks), ", ")),
		}
	}
	return f(cfg)
}

func names[F any](m map[string]F) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

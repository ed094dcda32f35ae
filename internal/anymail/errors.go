package anymail

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// AnymailError is implemented by every error the send path raises for an
// anticipated failure. FailSilently swallows exactly these.
type AnymailError interface {
	error
	anymailError()
}

// IsAnymailError reports whether any error in err's tree belongs to the family.
func IsAnymailError(err error) bool {
	var ae AnymailError
	return errors.As(err, &ae)
}

// Error is the generic family member, used where no narrower type applies.
type Error struct {
	Msg string
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }
func (*Error) anymailError()   {}

// ConfigurationError reports missing or invalid settings, or a webhook posted
// to the wrong endpoint.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string { return e.Msg }
func (*ConfigurationError) anymailError()   {}

// MissingSetting builds the error for a required setting that is empty.
func MissingSetting(esp, key string) error {
	return &ConfigurationError{Msg: fmt.Sprintf("%s requires setting %s", esp, key)}
}

// UnsupportedFeatureError reports an attribute the ESP cannot express.
type UnsupportedFeatureError struct {
	ESP     string
	Feature string
}

func (e *UnsupportedFeatureError) Error() string {
	msg := fmt.Sprintf("%s does not support %s", e.ESP, e.Feature)
	return msg + ". If you are OK with it being ignored, set ANYMAIL_IGNORE_UNSUPPORTED_FEATURES=true."
}
func (*UnsupportedFeatureError) anymailError() {}

// InvalidAddressError reports an email address that could not be parsed.
type InvalidAddressError struct {
	Address string
	Err     error
}

func (e *InvalidAddressError) Error() string {
	return fmt.Sprintf("invalid email address %q: %v", e.Address, e.Err)
}
func (e *InvalidAddressError) Unwrap() error { return e.Err }
func (*InvalidAddressError) anymailError()   {}

// SerializationError reports a payload value the wire format cannot represent.
type SerializationError struct {
	ESP   string
	Field string
	Type  string
	Err   error
}

func (e *SerializationError) Error() string {
	var b strings.Builder
	b.WriteString("don't know how to send this data to ")
	b.WriteString(e.ESP)
	if e.Field != "" {
		b.WriteString(" (field ")
		b.WriteString(e.Field)
		b.WriteString(")")
	}
	if e.Type != "" {
		b.WriteString(": value of type ")
		b.WriteString(e.Type)
		b.WriteString(" is not serializable")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}
func (e *SerializationError) Unwrap() error { return e.Err }
func (*SerializationError) anymailError()   {}

// APIError reports a failed or unusable ESP response, including transport
// failures and timeouts (StatusCode is 0 then).
type APIError struct {
	ESP        string
	Msg        string
	StatusCode int
	Body       []byte
	Payload    []byte
	Err        error
}

func (e *APIError) Error() string {
	var b strings.Builder
	b.WriteString(e.ESP)
	b.WriteString(" API ")
	if e.Msg != "" {
		b.WriteString(e.Msg)
	} else {
		b.WriteString("response")
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (%d %s)", e.StatusCode, http.StatusText(e.StatusCode))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if len(e.Body) > 0 {
		b.WriteString("\n")
		b.WriteString(truncate(string(e.Body), 500))
	}
	return b.String()
}
func (e *APIError) Unwrap() error { return e.Err }
func (*APIError) anymailError()   {}

// RecipientsRefusedError reports that every recipient was rejected or
// invalid. Status is also attached to the message.
type RecipientsRefusedError struct {
	Status *AggregateStatus
}

func (e *RecipientsRefusedError) Error() string {
	return "all message recipients were rejected or invalid. If you are OK with that, set ANYMAIL_IGNORE_RECIPIENT_STATUS=true."
}
func (*RecipientsRefusedError) anymailError() {}

// SuspiciousOperationError reports a webhook that failed authentication. It is
// not an AnymailError, so FailSilently never applies to it.
type SuspiciousOperationError struct {
	Msg string
}

func (e *SuspiciousOperationError) Error() string { return e.Msg }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

package httpserver

import (
	"errors"
	"net/http"

	"anymail/internal/anymail"
)

const (
	ErrInvalidJSON    = "invalid json"
	ErrMissingID      = "missing id"
	ErrDependency     = "dependency error"
	ErrNotFound       = "not found"
	ErrBadRequest     = "bad request"
	ErrNotImplemented = "not configured"
)

// sendStatus maps a send failure to the API response status.
func sendStatus(err error) int {
	var (
		cfgErr      *anymail.ConfigurationError
		refused     *anymail.RecipientsRefusedError
		unsupported *anymail.UnsupportedFeatureError
		invalid     *anymail.InvalidAddressError
		serial      *anymail.SerializationError
		apiErr      *anymail.APIError
	)
	switch {
	case errors.As(err, &cfgErr):
		return http.StatusInternalServerError
	case errors.As(err, &refused):
		return http.StatusUnprocessableEntity
	case errors.As(err, &unsupported), errors.As(err, &invalid), errors.As(err, &serial):
		return http.StatusBadRequest
	case errors.As(err, &apiErr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// webhookStatus maps a webhook parse failure to the response status. ESPs
// retry on 5xx, so only configuration problems on our side return one.
func webhookStatus(err error) (int, string) {
	var suspicious *anymail.SuspiciousOperationError
	var cfgErr *anymail.ConfigurationError
	switch {
	case errors.As(err, &suspicious):
		return http.StatusBadRequest, "signature"
	case errors.As(err, &cfgErr):
		return http.StatusInternalServerError, "configuration"
	}
	return http.StatusBadRequest, "parse"
}

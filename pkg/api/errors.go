package api

import (
	"encoding/json"
	"net/http"

	"github.com/lsst-sqre/gafaelfawr/pkg/errors"
	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
)

// errorDetail is one entry of the error body contract: a message, the
// taxonomy type, and optionally the location of the offending field.
type errorDetail struct {
	Msg  string   `json:"msg"`
	Type string   `json:"type"`
	Loc  []string `json:"loc,omitempty"`
}

type errorBody struct {
	Detail []errorDetail `json:"detail"`
}

// statusFor maps the error taxonomy to HTTP status codes. Duplicate
// token names map to 409 here; the modify path overrides that to 422.
func statusFor(errType string) int {
	switch errType {
	case errors.ErrInvalidCredentials, errors.ErrTokenExpired:
		return http.StatusUnauthorized
	case errors.ErrInsufficientScope, errors.ErrForbidden:
		return http.StatusForbidden
	case errors.ErrNotFound:
		return http.StatusNotFound
	case errors.ErrDuplicateTokenName:
		return http.StatusConflict
	case errors.ErrMalformedToken, errors.ErrInvalidRequest:
		return http.StatusUnprocessableEntity
	case errors.ErrProvider:
		return http.StatusBadGateway
	case errors.ErrUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// retryAfterSeconds is the Retry-After hint on 503 responses.
const retryAfterSeconds = "1"

// writeError renders an error with the status implied by its type.
func writeError(w http.ResponseWriter, err error) {
	writeErrorStatus(w, err, statusFor(errors.TypeOf(err)))
}

// writeErrorStatus renders an error with an explicit status.
func writeErrorStatus(w http.ResponseWriter, err error, status int) {
	if status >= http.StatusInternalServerError {
		logger.Errorw("request failed", "error", err)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	writeJSON(w, status, errorBody{Detail: []errorDetail{{
		Msg:  err.Error(),
		Type: errors.TypeOf(err),
	}}})
}

// writeFieldError renders a validation error pointing at a specific
// request field.
func writeFieldError(w http.ResponseWriter, msg string, loc ...string) {
	writeJSON(w, http.StatusUnprocessableEntity, errorBody{Detail: []errorDetail{{
		Msg:  msg,
		Type: errors.ErrInvalidRequest,
		Loc:  loc,
	}}})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Errorw("failed to encode response body", "error", err)
	}
}

package httpserver

import (
	"errors"
	"log/slog"
	"net/http"

	"outreach/internal/domain"
)

const (
	ErrInvalidJSON      = "invalid json"
	ErrMissingID        = "missing id"
	ErrDependency       = "dependency error"
	ErrNotFound         = "not found"
	ErrBadForm          = "bad form"
	ErrInvalidSignature = "invalid signature"
)

// statusFor maps the engine error taxonomy onto HTTP.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrQuietHours):
		return http.StatusConflict
	case errors.Is(err, domain.ErrDailyCapReached):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrConfiguration):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, op, id string, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusBadGateway {
		slog.Error(op+" failed", "err", err, "campaign_id", id)
		msg = ErrDependency
	}
	writeJSON(w, status, errorBody{Error: msg})
}

package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/adred-codev/vanish/internal/domain"
	"github.com/rs/zerolog"
)

// statusFor maps a domain error kind to an HTTP status code.
func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindGone:
		return http.StatusGone
	case domain.KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case domain.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError translates a service error into a response. Internal
// failures are logged with the cause and answered with a generic body;
// everything else surfaces its domain message.
func writeError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	kind := domain.KindOf(err)
	status := statusFor(kind)

	msg := "internal server error"
	var de *domain.Error
	if kind != domain.KindInternal && errors.As(err, &de) {
		msg = de.Msg
	}
	if status >= 500 {
		logger.Error().Err(err).Msg("Request failed")
	}
	writeJSON(w, status, errorBody{Error: msg})
}

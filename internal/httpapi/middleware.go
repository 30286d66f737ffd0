package httpapi

import (
	"net/http"
	"time"

	"github.com/adred-codev/vanish/internal/domain"
	"github.com/adred-codev/vanish/internal/monitoring"
	"github.com/rs/zerolog"
)

const deviceHeader = "X-Device-ID"

// deviceID extracts the opaque caller identity.
func deviceID(r *http.Request) string {
	return r.Header.Get(deviceHeader)
}

// requireDevice rejects requests without the identity header.
func requireDevice(r *http.Request) (string, error) {
	id := deviceID(r)
	if id == "" {
		return "", domain.E(domain.KindValidation, deviceHeader+" header is required")
	}
	return id, nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// observe wraps a handler with duration metrics and slow-request
// logging. Requests over a second are worth a log line; everything
// else only feeds the histogram.
func observe(route string, logger zerolog.Logger, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)

		elapsed := time.Since(start)
		monitoring.HTTPDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
		if elapsed > time.Second {
			logger.Warn().
				Str("method", r.Method).
				Str("route", route).
				Int("status", rec.status).
				Dur("elapsed", elapsed).
				Msg("Slow request")
		}
	}
}

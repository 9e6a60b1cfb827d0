package observability

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/pipewatch/pipewatch/pkg/version"
)

const (
	healthStatusOK          = "ok"
	healthStatusUnavailable = "unavailable"
)

// ReadyCheck is a function that checks if a subsystem is ready.
// It returns nil if the check passes, or an error describing the failure.
type ReadyCheck func(ctx context.Context) error

// HealthHandler returns an [http.Handler] for liveness checks at /healthz.
// It always returns HTTP 200 with the service name and build version.
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(http.StatusOK)
		writeHealthJSON(rw, map[string]string{
			"status":  healthStatusOK,
			"service": defaultServiceName,
			"version": version.Version,
		})
	})
}

// ReadyHandler returns an [http.Handler] for readiness checks at /readyz.
// It runs all provided checks; if any fail, it returns HTTP 503 with {"status":"unavailable"}.
// If no checks are provided or all pass, it returns HTTP 200.
func ReadyHandler(checks ...ReadyCheck) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, hr *http.Request) {
		rw.Header().Set("Content-Type", "application/json")

		for _, check := range checks {
			err := check(hr.Context())
			if err != nil {
				rw.WriteHeader(http.StatusServiceUnavailable)
				writeHealthJSON(rw, map[string]string{"status": healthStatusUnavailable})

				return
			}
		}

		rw.WriteHeader(http.StatusOK)
		writeHealthJSON(rw, map[string]string{"status": healthStatusOK})
	})
}

func writeHealthJSON(w io.Writer, payload map[string]string) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}

	writeOrDiscard(w, data)
}

func writeOrDiscard(w io.Writer, data []byte) {
	_, err := w.Write(data)
	if err != nil {
		return
	}
}

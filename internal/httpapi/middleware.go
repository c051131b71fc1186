package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	edgemesh "github.com/edgemesh/edgemesh-go"
)

// maxBodyBytes bounds request bodies so oversized payloads fail fast.
const maxBodyBytes = 1 << 20

// requestLogger logs method, path, status, and duration for every request.
func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		a.log.Debugf("http: %s %s status=%d dur=%dms", r.Method, r.URL.Path, sw.status, time.Since(start).Milliseconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush forwards to the wrapped writer so SSE works through the logger.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// decode reads a bounded JSON body into v, writing a validation error on
// failure.
func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		a.writeValidation(w, "malformed JSON body")
		return false
	}
	return true
}

type errorEnvelope struct {
	SchemaVersion string `json:"schema_version"`
	Error         string `json:"error"`
	Message       string `json:"message,omitempty"`
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Warnf("http: encode response: %v", err)
	}
}

func (a *API) writeValidation(w http.ResponseWriter, msg string) {
	a.writeJSON(w, http.StatusBadRequest, errorEnvelope{SchemaVersion: edgemesh.SchemaVersion, Error: "invalid_payload", Message: msg})
}

// writeAuthError maps a missing bearer token to the surface's own
// missing-token sentinel; every other auth failure maps through writeError.
func (a *API) writeAuthError(w http.ResponseWriter, err error, missing error) {
	if errors.Is(err, errNoToken) {
		err = missing
	}
	a.writeError(w, err)
}

// writeError maps scheduler errors onto the envelope with the stable code
// names and the closest HTTP status.
func (a *API) writeError(w http.ResponseWriter, err error) {
	code := edgemesh.ErrorCode(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, edgemesh.ErrUnknownNode),
		errors.Is(err, edgemesh.ErrTaskNotFound),
		errors.Is(err, edgemesh.ErrDlqEntryNotFound):
		status = http.StatusNotFound
	case errors.Is(err, edgemesh.ErrTaskAlreadyTerminal),
		errors.Is(err, edgemesh.ErrTaskNotClaimable),
		errors.Is(err, edgemesh.ErrDuplicateTask),
		errors.Is(err, edgemesh.ErrResultExists):
		status = http.StatusConflict
	case errors.Is(err, edgemesh.ErrTokenExpired),
		errors.Is(err, edgemesh.ErrTokenReplay),
		errors.Is(err, edgemesh.ErrTokenSignatureInvalid),
		errors.Is(err, edgemesh.ErrMissingNodeToken),
		errors.Is(err, edgemesh.ErrMissingJobToken):
		status = http.StatusUnauthorized
	case errors.Is(err, edgemesh.ErrTokenNodeMismatch),
		errors.Is(err, edgemesh.ErrTokenJobMismatch),
		errors.Is(err, edgemesh.ErrNodeRevoked),
		errors.Is(err, edgemesh.ErrNodeBootstrapDenied),
		errors.Is(err, edgemesh.ErrUnauthorized):
		status = http.StatusForbidden
	}
	if status == http.StatusInternalServerError {
		a.log.Errorf("http: internal error: %v", err)
	}
	a.writeJSON(w, status, errorEnvelope{SchemaVersion: edgemesh.SchemaVersion, Error: code})
}

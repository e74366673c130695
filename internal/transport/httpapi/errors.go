package httpapi

import (
	"net/http"

	"github.com/falconrpa/orchestrator/internal/orcerr"
)

// statusFor maps an orcerr category to the HTTP status the REST API
// surfaces it as: validation/conflict/not-found are synchronous API
// errors; capacity is transient and maps to 503 so a caller can retry;
// internal errors never leak detail.
func statusFor(err error) int {
	switch orcerr.Categorize(err) {
	case orcerr.ErrValidation:
		return http.StatusBadRequest
	case orcerr.ErrConflict:
		return http.StatusConflict
	case orcerr.ErrNotFound:
		return http.StatusNotFound
	case orcerr.ErrCapacity:
		return http.StatusServiceUnavailable
	case orcerr.ErrTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Error("httpapi: internal error", "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

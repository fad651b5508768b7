package http

import (
	"encoding/json"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/seat-allocation/internal/domain"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "NotFound"
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, "Forbidden"
	case errors.Is(err, domain.ErrAlreadyInUse):
		return http.StatusConflict, "AlreadyInUse"
	case errors.Is(err, domain.ErrSerializationFailure):
		return http.StatusConflict, "Conflict"
	case errors.Is(err, domain.ErrArgument):
		return http.StatusBadRequest, "Argument"
	case errors.Is(err, domain.ErrServiceUnavailable):
		return http.StatusServiceUnavailable, "ServiceUnavailable"
	default:
		return http.StatusInternalServerError, "Internal"
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := statusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		loggerFrom(r.Context()).WithError(err).Error("request failed")
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: kind, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

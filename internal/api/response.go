package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/sungwon/mail-dispatch/internal/merge"
	"github.com/sungwon/mail-dispatch/internal/scheduler"
	"github.com/sungwon/mail-dispatch/internal/status"
	"github.com/sungwon/mail-dispatch/internal/storage"
)

// respondJSON writes a JSON response with the given status code and data.
// If data is nil, only the status code and Content-Type header are written.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError writes a JSON error response with the given status code and
// message.
func respondError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, map[string]string{"error": message})
}

// respondValidationErrors writes a 400 response with a list of validation
// error details.
func respondValidationErrors(w http.ResponseWriter, errs []string) {
	respondJSON(w, http.StatusBadRequest, map[string]interface{}{
		"error":   "validation_failed",
		"details": errs,
	})
}

// respondDomainError maps domain errors to HTTP statuses. Internal detail
// beyond the sentinel's own message never reaches the caller.
func respondDomainError(w http.ResponseWriter, log zerolog.Logger, err error) {
	switch {
	case errors.Is(err, storage.ErrInvalidInput):
		respondError(w, http.StatusBadRequest, "invalid input")
	case errors.Is(err, storage.ErrNotFound):
		respondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, scheduler.ErrConflict):
		respondError(w, http.StatusConflict, "message is no longer in a cancelable or promotable state")
	case errors.Is(err, merge.ErrUnsupportedDialect):
		log.Error().Err(err).Msg("unsupported template dialect")
		respondError(w, http.StatusInternalServerError, "internal server error")
	case errors.Is(err, status.ErrInvalidStatus):
		log.Error().Err(err).Msg("unmapped queue status")
		respondError(w, http.StatusInternalServerError, "internal server error")
	default:
		log.Error().Err(err).Msg("request failed")
		respondError(w, http.StatusInternalServerError, "internal server error")
	}
}

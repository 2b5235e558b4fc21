package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sungwon/mail-dispatch/internal/auth"
	"github.com/sungwon/mail-dispatch/internal/lifecycle"
	"github.com/sungwon/mail-dispatch/internal/logger"
	"github.com/sungwon/mail-dispatch/internal/storage"
)

// handleCancelMessage removes one message's scheduled delivery. The request
// is accepted, not completed: the caller observes the outcome through the
// status resource named by Content-Location.
func (a *API) handleCancelMessage(w http.ResponseWriter, r *http.Request) {
	a.actOnMessage(w, r, a.svc.CancelMessage)
}

// handlePromoteMessage reschedules one delayed message to run immediately.
func (a *API) handlePromoteMessage(w http.ResponseWriter, r *http.Request) {
	a.actOnMessage(w, r, a.svc.PromoteMessage)
}

// handleDispatchMessage forces immediate execution of one message's job,
// bypassing the ready queue ordering.
func (a *API) handleDispatchMessage(w http.ResponseWriter, r *http.Request) {
	a.actOnMessage(w, r, a.svc.DispatchMessage)
}

func (a *API) actOnMessage(w http.ResponseWriter, r *http.Request, op func(context.Context, string, uuid.UUID) error) {
	log := logger.FromContext(r.Context())

	messageID, err := uuid.Parse(chi.URLParam(r, "msgId"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "msgId must be a UUID")
		return
	}

	client := auth.ClientFromContext(r.Context())

	if err := op(r.Context(), client, messageID); err != nil {
		respondDomainError(w, log, err)
		return
	}

	w.Header().Set("Content-Location", "/api/v1/status/"+messageID.String())
	respondJSON(w, http.StatusAccepted, map[string]string{
		"message_id": messageID.String(),
	})
}

// handleCancelBatch cancels every message matching the query filter,
// best-effort.
func (a *API) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	a.actOnMatches(w, r, a.svc.FindCancelMessages)
}

// handlePromoteBatch promotes every message matching the query filter,
// best-effort.
func (a *API) handlePromoteBatch(w http.ResponseWriter, r *http.Request) {
	a.actOnMatches(w, r, a.svc.FindPromoteMessages)
}

func (a *API) actOnMatches(w http.ResponseWriter, r *http.Request, op func(context.Context, string, storage.Filter) (*lifecycle.BatchResult, error)) {
	log := logger.FromContext(r.Context())

	filter, errs := parseFilter(r.URL.Query())
	if len(errs) > 0 {
		respondValidationErrors(w, errs)
		return
	}

	client := auth.ClientFromContext(r.Context())

	result, err := op(r.Context(), client, filter)
	if err != nil {
		respondDomainError(w, log, err)
		return
	}

	w.Header().Set("Content-Location", "/api/v1/status?"+r.URL.Query().Encode())
	respondJSON(w, http.StatusAccepted, result)
}

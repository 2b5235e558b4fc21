package api

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sungwon/mail-dispatch/internal/auth"
	"github.com/sungwon/mail-dispatch/internal/logger"
	"github.com/sungwon/mail-dispatch/internal/status"
	"github.com/sungwon/mail-dispatch/internal/storage"
)

// parseFilter builds a message filter from the msgId, status, tag, and txId
// query parameters. At least one parameter is required.
func parseFilter(q url.Values) (storage.Filter, []string) {
	var (
		f    storage.Filter
		errs []string
	)

	if v := q.Get("msgId"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			errs = append(errs, "msgId must be a UUID")
		} else {
			f.MessageID = &id
		}
	}
	if v := q.Get("status"); v != "" {
		b, err := status.ParseBusiness(v)
		if err != nil {
			errs = append(errs, "unknown status value")
		} else {
			f.Status = &b
		}
	}
	if v := q.Get("tag"); v != "" {
		f.Tag = &v
	}
	if v := q.Get("txId"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			errs = append(errs, "txId must be a UUID")
		} else {
			f.TransactionID = &id
		}
	}

	if f.MessageID == nil && f.Status == nil && f.Tag == nil && f.TransactionID == nil && len(errs) == 0 {
		errs = append(errs, "at least one of msgId, status, tag, txId is required")
	}
	return f, errs
}

// handleGetStatus returns one message's business status, with the full
// status and queue history when ?history=true.
func (a *API) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	messageID, err := uuid.Parse(chi.URLParam(r, "msgId"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "msgId must be a UUID")
		return
	}

	client := auth.ClientFromContext(r.Context())
	includeHistory := r.URL.Query().Get("history") == "true"

	m, err := a.svc.GetStatus(r.Context(), client, messageID, includeHistory)
	if err != nil {
		respondDomainError(w, log, err)
		return
	}

	respondJSON(w, http.StatusOK, m)
}

// handleFindStatus returns every message of the caller matching the query
// filter.
func (a *API) handleFindStatus(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	filter, errs := parseFilter(r.URL.Query())
	if len(errs) > 0 {
		respondValidationErrors(w, errs)
		return
	}

	client := auth.ClientFromContext(r.Context())

	msgs, err := a.svc.FindMessages(r.Context(), client, filter)
	if err != nil {
		respondDomainError(w, log, err)
		return
	}

	respondJSON(w, http.StatusOK, msgs)
}

// handleGetTransaction returns the full transaction view for a client.
func (a *API) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	transactionID, err := uuid.Parse(chi.URLParam(r, "txId"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "txId must be a UUID")
		return
	}

	client := auth.ClientFromContext(r.Context())

	trxn, err := a.svc.GetTransaction(r.Context(), client, transactionID)
	if err != nil {
		respondDomainError(w, log, err)
		return
	}

	respondJSON(w, http.StatusOK, trxn)
}

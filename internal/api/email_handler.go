package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/sungwon/mail-dispatch/internal/auth"
	"github.com/sungwon/mail-dispatch/internal/logger"
	"github.com/sungwon/mail-dispatch/internal/merge"
	"github.com/sungwon/mail-dispatch/internal/storage"
)

// emailRequest is the body of POST /email.
type emailRequest struct {
	From           string               `json:"from"`
	To             []string             `json:"to"`
	Cc             []string             `json:"cc,omitempty"`
	Bcc            []string             `json:"bcc,omitempty"`
	Subject        string               `json:"subject"`
	Body           string               `json:"body"`
	BodyType       string               `json:"body_type"`
	Encoding       string               `json:"encoding,omitempty"`
	Priority       string               `json:"priority,omitempty"`
	Attachments    []storage.Attachment `json:"attachments,omitempty"`
	Tag            string               `json:"tag,omitempty"`
	DelayTimestamp *int64               `json:"delay_timestamp,omitempty"`
}

func (r *emailRequest) validate() []string {
	var errs []string
	if r.From == "" {
		errs = append(errs, "from is required")
	}
	if len(r.To) == 0 {
		errs = append(errs, "at least one to recipient is required")
	}
	if r.Subject == "" {
		errs = append(errs, "subject is required")
	}
	if r.Body == "" {
		errs = append(errs, "body is required")
	}
	errs = append(errs, validateContentFields(r.BodyType, r.Encoding, r.Priority)...)
	for i, a := range r.Attachments {
		if a.Filename == "" || a.Content == "" {
			errs = append(errs, fmt.Sprintf("attachment %d needs filename and content", i))
		}
	}
	return errs
}

func (r *emailRequest) toNewMessage() *storage.NewMessage {
	return &storage.NewMessage{
		Tag:            r.Tag,
		DelayTimestamp: r.DelayTimestamp,
		Email: storage.EmailContent{
			From:        r.From,
			To:          r.To,
			Cc:          r.Cc,
			Bcc:         r.Bcc,
			Subject:     r.Subject,
			Body:        r.Body,
			BodyType:    r.BodyType,
			Encoding:    r.Encoding,
			Priority:    r.Priority,
			Attachments: r.Attachments,
		},
	}
}

// validateContentFields checks the enumerated content fields shared by
// direct sends and merge templates.
func validateContentFields(bodyType, encoding, priority string) []string {
	var errs []string
	switch bodyType {
	case "html", "text":
	default:
		errs = append(errs, `body_type must be "html" or "text"`)
	}
	switch encoding {
	case "", "utf-8", "base64", "binary", "hex":
	default:
		errs = append(errs, "unsupported encoding")
	}
	switch priority {
	case "", "low", "normal", "high":
	default:
		errs = append(errs, `priority must be "low", "normal", or "high"`)
	}
	return errs
}

// mergeRequest is the body of POST /emailMerge and /emailMerge/preview.
type mergeRequest struct {
	merge.Template
}

func (r *mergeRequest) validate() []string {
	var errs []string
	if r.From == "" {
		errs = append(errs, "from is required")
	}
	if r.Subject == "" {
		errs = append(errs, "subject is required")
	}
	if r.Body == "" {
		errs = append(errs, "body is required")
	}
	errs = append(errs, validateContentFields(r.BodyType, r.Encoding, r.Priority)...)
	switch r.Dialect {
	case "", merge.DialectMustache, merge.DialectGoTemplate:
	default:
		errs = append(errs, "unsupported template dialect")
	}
	if len(r.Contexts) == 0 {
		errs = append(errs, "at least one context is required")
	}
	for i, c := range r.Contexts {
		if len(c.To) == 0 {
			errs = append(errs, fmt.Sprintf("context %d needs at least one to recipient", i))
		}
	}
	return errs
}

// handleSendEmail accepts a single direct email, persists it as a one-message
// transaction, and schedules delivery. With ?ethereal=true the message is
// sent synchronously through the dev endpoint instead.
func (a *API) handleSendEmail(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req emailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if errs := req.validate(); len(errs) > 0 {
		respondValidationErrors(w, errs)
		return
	}

	client := auth.ClientFromContext(r.Context())
	ethereal := r.URL.Query().Get("ethereal") == "true"

	receipt, err := a.svc.SendEmail(r.Context(), client, req.toNewMessage(), ethereal)
	if err != nil {
		respondDomainError(w, log, err)
		return
	}

	respondJSON(w, http.StatusCreated, receipt)
}

// handleSendMerge expands a merge template into one message per context and
// persists them as a single transaction.
func (a *API) handleSendMerge(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req mergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if errs := req.validate(); len(errs) > 0 {
		respondValidationErrors(w, errs)
		return
	}

	client := auth.ClientFromContext(r.Context())
	ethereal := r.URL.Query().Get("ethereal") == "true"

	receipt, err := a.svc.SendMerge(r.Context(), client, req.Template, ethereal)
	if err != nil {
		respondDomainError(w, log, err)
		return
	}

	respondJSON(w, http.StatusCreated, receipt)
}

// previewItem is one expanded message of a merge preview. Nothing is
// persisted or sent.
type previewItem struct {
	Tag            string               `json:"tag,omitempty"`
	DelayTimestamp *int64               `json:"delay_timestamp,omitempty"`
	Email          storage.EmailContent `json:"email"`
}

// handlePreviewMerge expands a merge template and returns the rendered
// messages without persisting or sending anything.
func (a *API) handlePreviewMerge(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req mergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if errs := req.validate(); len(errs) > 0 {
		respondValidationErrors(w, errs)
		return
	}

	msgs, err := a.svc.PreviewMerge(req.Template)
	if err != nil {
		respondDomainError(w, log, err)
		return
	}

	items := make([]previewItem, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, previewItem{
			Tag:            m.Tag,
			DelayTimestamp: m.DelayTimestamp,
			Email:          m.Email,
		})
	}
	respondJSON(w, http.StatusOK, items)
}

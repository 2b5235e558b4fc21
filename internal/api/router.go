package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/sungwon/mail-dispatch/internal/lifecycle"
	"github.com/sungwon/mail-dispatch/internal/merge"
	"github.com/sungwon/mail-dispatch/internal/storage"
)

// Orchestrator is the lifecycle surface the HTTP layer drives.
type Orchestrator interface {
	SendEmail(ctx context.Context, client string, msg *storage.NewMessage, ethereal bool) (*lifecycle.SendReceipt, error)
	SendMerge(ctx context.Context, client string, tmpl merge.Template, ethereal bool) (*lifecycle.SendReceipt, error)
	PreviewMerge(tmpl merge.Template) ([]storage.NewMessage, error)
	GetStatus(ctx context.Context, client string, messageID uuid.UUID, includeHistory bool) (*storage.Message, error)
	GetTransaction(ctx context.Context, client string, transactionID uuid.UUID) (*storage.Transaction, error)
	FindMessages(ctx context.Context, client string, filter storage.Filter) ([]storage.Message, error)
	CancelMessage(ctx context.Context, client string, messageID uuid.UUID) error
	PromoteMessage(ctx context.Context, client string, messageID uuid.UUID) error
	DispatchMessage(ctx context.Context, client string, messageID uuid.UUID) error
	FindCancelMessages(ctx context.Context, client string, filter storage.Filter) (*lifecycle.BatchResult, error)
	FindPromoteMessages(ctx context.Context, client string, filter storage.Filter) (*lifecycle.BatchResult, error)
}

// ClientStore provisions tenant credentials and handles tenant teardown.
type ClientStore interface {
	CreateClient(ctx context.Context, name, apiKeyHash string) (*storage.Client, error)
	PurgeClient(ctx context.Context, client string) (int64, error)
}

// API carries the handler dependencies.
type API struct {
	svc     Orchestrator
	clients ClientStore
	db      Pinger
	queue   Pinger
	log     zerolog.Logger
}

// New creates the HTTP API.
func New(svc Orchestrator, clients ClientStore, db, queue Pinger, log zerolog.Logger) *API {
	return &API{
		svc:     svc,
		clients: clients,
		db:      db,
		queue:   queue,
		log:     log,
	}
}

// Router builds the HTTP routing tree. Every /api/v1 route except client
// provisioning requires a Bearer credential resolved by authMiddleware.
func (a *API) Router(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Use(RecoverMiddleware(a.log))
	r.Use(CorrelationIDMiddleware)
	r.Use(LoggingMiddleware(a.log))

	r.Get("/healthz", a.handleHealthz)
	r.Get("/readyz", a.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/clients", a.handleCreateClient)

		r.Group(func(r chi.Router) {
			r.Use(authMiddleware)

			r.Delete("/clients/{name}", a.handlePurgeClient)

			r.Post("/email", a.handleSendEmail)
			r.Post("/emailMerge", a.handleSendMerge)
			r.Post("/emailMerge/preview", a.handlePreviewMerge)

			r.Get("/status", a.handleFindStatus)
			r.Get("/status/{msgId}", a.handleGetStatus)
			r.Get("/transaction/{txId}", a.handleGetTransaction)

			r.Delete("/cancel", a.handleCancelBatch)
			r.Delete("/cancel/{msgId}", a.handleCancelMessage)
			r.Post("/promote", a.handlePromoteBatch)
			r.Post("/promote/{msgId}", a.handlePromoteMessage)
			r.Post("/dispatch/{msgId}", a.handleDispatchMessage)
		})
	})

	return r
}

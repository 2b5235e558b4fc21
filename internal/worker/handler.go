package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sungwon/mail-dispatch/internal/mailer"
	"github.com/sungwon/mail-dispatch/internal/scheduler"
	"github.com/sungwon/mail-dispatch/internal/status"
	"github.com/sungwon/mail-dispatch/internal/storage"
)

// messageStore is the persistence surface the handler needs.
type messageStore interface {
	GetMessage(ctx context.Context, client string, messageID uuid.UUID) (*storage.Message, error)
	SetSendResult(ctx context.Context, client string, messageID uuid.UUID, result storage.SendResult) (*storage.Message, error)
	DeleteMessageContent(ctx context.Context, client string, messageID uuid.UUID) (*storage.Message, error)
}

// eventEmitter publishes queue-level events for the status reconciler.
type eventEmitter interface {
	Emit(ev status.Event)
}

// Handler implements scheduler.JobHandler: it delivers a due message via
// the SMTP transport, records the result, scrubs the content, and reports
// exactly one terminal outcome per job.
type Handler struct {
	store     messageStore
	transport mailer.Transport
	events    eventEmitter
	log       zerolog.Logger
}

// NewHandler creates a Handler that delivers jobs via transport.
func NewHandler(store messageStore, transport mailer.Transport, events eventEmitter, log zerolog.Logger) *Handler {
	return &Handler{
		store:     store,
		transport: transport,
		events:    events,
		log:       log,
	}
}

// HandleJob delivers a single message. Duplicate deliveries of the same job
// are idempotent: a message already in a terminal state is acknowledged
// without a second send or a second terminal event.
func (h *Handler) HandleJob(ctx context.Context, job scheduler.Job) error {
	h.events.Emit(status.Event{
		JobID:     job.ID,
		MessageID: job.MessageID,
		Client:    job.Client,
		Queue:     status.QueueProcessing,
	})

	m, err := h.store.GetMessage(ctx, job.Client, job.MessageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Orphaned job: the message row is gone (purged tenant or lost
			// write). Acknowledge without delivery.
			h.log.Warn().
				Stringer("message_id", job.MessageID).
				Str("job_id", job.ID).
				Msg("orphaned job, no matching message")
			return nil
		}
		return fmt.Errorf("get message %s: %w", job.MessageID, err)
	}

	if status.IsTerminal(m.Status) {
		h.log.Info().
			Stringer("message_id", job.MessageID).
			Str("status", string(m.Status)).
			Msg("duplicate delivery of finished message, acknowledging")
		return nil
	}

	if m.Email == nil {
		h.failJob(job, "message content unavailable")
		return fmt.Errorf("message %s has no content", job.MessageID)
	}

	result, sendErr := h.transport.Send(ctx, m.Email)
	if sendErr != nil {
		h.log.Error().Err(sendErr).
			Stringer("message_id", job.MessageID).
			Str("job_id", job.ID).
			Msg("transport send failed")

		h.events.Emit(status.Event{
			JobID:       job.ID,
			MessageID:   job.MessageID,
			Client:      job.Client,
			Queue:       status.QueueErrored,
			Description: sendErr.Error(),
		})
		h.failJob(job, sendErr.Error())
		h.scrub(ctx, job)
		return fmt.Errorf("send message %s: %w", job.MessageID, sendErr)
	}

	h.events.Emit(status.Event{
		JobID:     job.ID,
		MessageID: job.MessageID,
		Client:    job.Client,
		Queue:     status.QueueDelivered,
	})

	if _, err := h.store.SetSendResult(ctx, job.Client, job.MessageID, *result); err != nil {
		h.log.Error().Err(err).
			Stringer("message_id", job.MessageID).
			Msg("failed to record send result")
	}

	h.events.Emit(status.Event{
		JobID:     job.ID,
		MessageID: job.MessageID,
		Client:    job.Client,
		Queue:     status.QueueCompleted,
	})

	h.log.Info().
		Stringer("message_id", job.MessageID).
		Str("job_id", job.ID).
		Str("smtp_message_id", result.SMTPMessageID).
		Msg("message delivered")

	h.scrub(ctx, job)
	return nil
}

// failJob reports the terminal failed outcome.
func (h *Handler) failJob(job scheduler.Job, description string) {
	h.events.Emit(status.Event{
		JobID:       job.ID,
		MessageID:   job.MessageID,
		Client:      job.Client,
		Queue:       status.QueueFailed,
		Description: description,
	})
}

// scrub nulls the stored content once the message has reached a terminal
// outcome. Metadata and history are retained.
func (h *Handler) scrub(ctx context.Context, job scheduler.Job) {
	if _, err := h.store.DeleteMessageContent(ctx, job.Client, job.MessageID); err != nil {
		h.log.Error().Err(err).
			Stringer("message_id", job.MessageID).
			Msg("failed to scrub message content")
	}
}

package status

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event is a single queue-level job event. The scheduler and its workers
// emit events on a channel; the Reconciler consumes them and persists the
// resulting status changes.
type Event struct {
	JobID       string
	MessageID   uuid.UUID
	Client      string
	Queue       Queue
	Description string
}

// Store persists the effect of a queue event: a queue-history entry for
// every event, a status-history entry only when the mapped business status
// changes.
type Store interface {
	UpdateStatus(ctx context.Context, client string, messageID uuid.UUID, jobID string, queue Queue, description string) error
}

// StoreFunc adapts a plain function to the Store interface.
type StoreFunc func(ctx context.Context, client string, messageID uuid.UUID, jobID string, queue Queue, description string) error

// UpdateStatus calls f.
func (f StoreFunc) UpdateStatus(ctx context.Context, client string, messageID uuid.UUID, jobID string, queue Queue, description string) error {
	return f(ctx, client, messageID, jobID, queue, description)
}

// Reconciler translates queue-level job events into business status updates.
// It consumes an explicit event channel rather than registering callbacks,
// so the data flow from scheduler to store is a single visible loop.
type Reconciler struct {
	store Store
	log   zerolog.Logger
}

// NewReconciler creates a Reconciler that persists events via store.
func NewReconciler(store Store, log zerolog.Logger) *Reconciler {
	return &Reconciler{store: store, log: log}
}

// Run consumes events until the channel closes or ctx is cancelled.
// Persistence failures are logged and skipped; queue events are retried by
// upstream redelivery, not by the reconciler.
func (r *Reconciler) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("status reconciler stopping")
			return
		case ev, ok := <-events:
			if !ok {
				r.log.Info().Msg("status reconciler event channel closed")
				return
			}
			r.apply(ctx, ev)
		}
	}
}

func (r *Reconciler) apply(ctx context.Context, ev Event) {
	if _, err := ToBusiness(ev.Queue); err != nil {
		r.log.Error().
			Str("queue_status", string(ev.Queue)).
			Str("job_id", ev.JobID).
			Msg("unmapped queue status, dropping event")
		return
	}

	if err := r.store.UpdateStatus(ctx, ev.Client, ev.MessageID, ev.JobID, ev.Queue, ev.Description); err != nil {
		r.log.Error().Err(err).
			Stringer("message_id", ev.MessageID).
			Str("queue_status", string(ev.Queue)).
			Msg("failed to persist status update")
		return
	}

	r.log.Debug().
		Stringer("message_id", ev.MessageID).
		Str("queue_status", string(ev.Queue)).
		Msg("status reconciled")
}

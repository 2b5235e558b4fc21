package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sungwon/mail-dispatch/internal/lifecycle"
	"github.com/sungwon/mail-dispatch/internal/scheduler"
	"github.com/sungwon/mail-dispatch/internal/storage"
)

const reaperBatchSize = 100

// reaperStore is the persistence surface the reaper needs.
type reaperStore interface {
	FindStalledMessages(ctx context.Context, cutoff time.Time, limit int) ([]storage.StalledMessage, error)
	SetJobID(ctx context.Context, client string, messageID uuid.UUID, jobID string) error
}

// reaperScheduler is the queue surface the reaper needs.
type reaperScheduler interface {
	Exists(ctx context.Context, jobID string) (bool, error)
	Enqueue(ctx context.Context, job scheduler.Job, delay time.Duration) error
}

// Reaper closes the commit-before-enqueue window: a crash between the
// database commit and the scheduler enqueue leaves an accepted message with
// no live job. The reaper periodically scans for such messages and
// re-enqueues them. Delivery stays at-least-once; a job that was enqueued
// but whose metadata expired may be sent twice.
type Reaper struct {
	store    reaperStore
	sched    reaperScheduler
	interval time.Duration
	minAge   time.Duration
	log      zerolog.Logger
}

// NewReaper creates a Reaper sweeping every interval for accepted messages
// older than minAge.
func NewReaper(store reaperStore, sched reaperScheduler, interval, minAge time.Duration, log zerolog.Logger) *Reaper {
	return &Reaper{
		store:    store,
		sched:    sched,
		interval: interval,
		minAge:   minAge,
		log:      log,
	}
}

// Run sweeps until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info().
		Dur("interval", r.interval).
		Dur("min_age", r.minAge).
		Msg("reaper started")

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("reaper stopping")
			return
		case <-ticker.C:
			if err := r.sweep(ctx); err != nil && ctx.Err() == nil {
				r.log.Error().Err(err).Msg("reaper sweep failed")
			}
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-r.minAge)

	stalled, err := r.store.FindStalledMessages(ctx, cutoff, reaperBatchSize)
	if err != nil {
		return err
	}

	for _, sm := range stalled {
		alive, err := r.sched.Exists(ctx, sm.JobID)
		if err != nil {
			return err
		}
		if alive {
			continue
		}

		job := scheduler.NewJob(sm.MessageID, sm.Client)
		if err := r.store.SetJobID(ctx, sm.Client, sm.MessageID, job.ID); err != nil {
			r.log.Error().Err(err).
				Stringer("message_id", sm.MessageID).
				Msg("reaper failed to record new job id")
			continue
		}
		if err := r.sched.Enqueue(ctx, job, lifecycle.DelayUntil(sm.DelayTimestamp, time.Now())); err != nil {
			r.log.Error().Err(err).
				Stringer("message_id", sm.MessageID).
				Msg("reaper failed to re-enqueue")
			continue
		}

		r.log.Warn().
			Stringer("message_id", sm.MessageID).
			Str("job_id", job.ID).
			Msg("re-enqueued stalled message")
	}

	return nil
}

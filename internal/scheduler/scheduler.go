package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sungwon/mail-dispatch/internal/status"
)

// ErrConflict is returned when cancel, promote, or dispatch races against
// worker pickup and loses: the job has already started executing or finished.
var ErrConflict = errors.New("job is no longer schedulable")

// casState flips the job state from ARGV[1] to ARGV[2] only if it still
// holds ARGV[1]. The single round trip is the claim: exactly one of cancel
// and worker pickup wins a job sitting in a stream.
var casState = redis.NewScript(`
if redis.call("HGET", KEYS[1], "state") == ARGV[1] then
	redis.call("HSET", KEYS[1], "state", ARGV[2])
	return 1
end
return 0`)

// Scheduler is a durable, delay-aware work queue on Redis. Delayed jobs sit
// in a ZSET scored by their absolute due time; a mover goroutine claims due
// jobs and appends them to a stream consumed by the worker pool. Queue-level
// events are published on a typed channel for the status reconciler.
type Scheduler struct {
	client *redis.Client
	cfg    Config
	log    zerolog.Logger
	events chan status.Event

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a Scheduler backed by the given Redis client.
func New(client *redis.Client, cfg Config, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		client: client,
		cfg:    cfg,
		log:    log,
		events: make(chan status.Event, 256),
	}
}

// Events returns the queue-event stream. The reconciler consumes it in an
// explicit loop; events carry the client so updates stay tenant-scoped.
func (s *Scheduler) Events() <-chan status.Event {
	return s.events
}

// Emit publishes a queue-level event. Exposed so the worker handler can
// report processing and terminal outcomes through the same channel.
func (s *Scheduler) Emit(ev status.Event) {
	s.events <- ev
}

// CloseEvents closes the event channel so the reconciler can drain buffered
// events and exit. Call only after every emitter has stopped: the mover,
// the worker pool, the reaper, and any HTTP handlers.
func (s *Scheduler) CloseEvents() {
	close(s.events)
}

// Enqueue schedules a job to run no earlier than now + delay. A zero delay
// makes the job runnable as soon as a worker is free. On success an
// "enqueued" event is emitted.
func (s *Scheduler) Enqueue(ctx context.Context, job Job, delay time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	if delay < 0 {
		delay = 0
	}

	pipe := s.client.TxPipeline()
	if delay > 0 {
		due := time.Now().Add(delay).UTC().UnixMilli()
		pipe.HSet(ctx, jobKey(job.ID), "state", stateDelayed, "data", data)
		pipe.Expire(ctx, jobKey(job.ID), jobTTL)
		pipe.ZAdd(ctx, delayedKey, redis.Z{Score: float64(due), Member: job.ID})
	} else {
		pipe.HSet(ctx, jobKey(job.ID), "state", stateReady, "data", data)
		pipe.Expire(ctx, jobKey(job.ID), jobTTL)
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: readyStream,
			Values: map[string]interface{}{"data": string(data)},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}

	JobsEnqueuedTotal.Inc()

	s.Emit(status.Event{
		JobID:     job.ID,
		MessageID: job.MessageID,
		Client:    job.Client,
		Queue:     status.QueueEnqueued,
	})

	return nil
}

// Cancel removes a job that has not started executing. Delayed jobs are
// claimed out of the ZSET; the ZREM return count decides the race against
// the mover. Jobs already waiting in a stream are claimed by flipping their
// state to cancelled, and workers skip cancelled entries at pickup. Running
// and finished jobs return ErrConflict.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	removed, err := s.client.ZRem(ctx, delayedKey, jobID).Result()
	if err != nil {
		return fmt.Errorf("zrem job %s: %w", jobID, err)
	}

	if removed > 0 {
		if err := s.client.HSet(ctx, jobKey(jobID), "state", stateCancelled).Err(); err != nil {
			return fmt.Errorf("mark job %s cancelled: %w", jobID, err)
		}
	} else {
		won, err := casState.Run(ctx, s.client, []string{jobKey(jobID)}, stateReady, stateCancelled).Int()
		if err != nil {
			return fmt.Errorf("claim job %s: %w", jobID, err)
		}
		if won == 0 {
			return fmt.Errorf("cancel job %s: %w", jobID, ErrConflict)
		}
	}

	job, err := s.loadJob(ctx, jobID)
	if err != nil {
		return err
	}

	JobsCancelledTotal.Inc()

	s.Emit(status.Event{
		JobID:     jobID,
		MessageID: job.MessageID,
		Client:    job.Client,
		Queue:     status.QueueRemoved,
	})

	return nil
}

// Promote reschedules a pending delayed job to run immediately without
// changing its identity. ZADD XX CH only touches existing members, so a job
// that has already left the delayed set returns ErrConflict.
func (s *Scheduler) Promote(ctx context.Context, jobID string) error {
	changed, err := s.client.ZAddArgs(ctx, delayedKey, redis.ZAddArgs{
		XX: true,
		Ch: true,
		Members: []redis.Z{
			{Score: float64(time.Now().UTC().UnixMilli()), Member: jobID},
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("promote job %s: %w", jobID, err)
	}
	if changed == 0 {
		return fmt.Errorf("promote job %s: %w", jobID, ErrConflict)
	}

	job, err := s.loadJob(ctx, jobID)
	if err != nil {
		return err
	}

	JobsPromotedTotal.Inc()

	s.Emit(status.Event{
		JobID:     jobID,
		MessageID: job.MessageID,
		Client:    job.Client,
		Queue:     status.QueuePromoted,
	})

	return nil
}

// Dispatch forces immediate execution, bypassing scheduling order: a delayed
// job is claimed out of the ZSET and appended to the priority stream, which
// workers read ahead of the ready stream. A job already awaiting pickup is
// left alone; a running or finished job returns ErrConflict.
func (s *Scheduler) Dispatch(ctx context.Context, jobID string) error {
	removed, err := s.client.ZRem(ctx, delayedKey, jobID).Result()
	if err != nil {
		return fmt.Errorf("zrem job %s: %w", jobID, err)
	}

	if removed == 0 {
		state, err := s.client.HGet(ctx, jobKey(jobID), "state").Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("dispatch job %s: %w", jobID, ErrConflict)
			}
			return fmt.Errorf("read job %s state: %w", jobID, err)
		}
		if state == stateReady {
			// Already awaiting pickup; nothing to bypass.
			return nil
		}
		return fmt.Errorf("dispatch job %s: %w", jobID, ErrConflict)
	}

	job, err := s.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, jobKey(jobID), "state", stateReady)
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: priorityStream,
		Values: map[string]interface{}{"data": string(data)},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dispatch job %s: %w", jobID, err)
	}

	s.Emit(status.Event{
		JobID:       jobID,
		MessageID:   job.MessageID,
		Client:      job.Client,
		Queue:       status.QueuePromoted,
		Description: "dispatch requested",
	})

	return nil
}

// Exists reports whether the scheduler still tracks any state for the job.
// Used by the reaper to detect messages whose enqueue was lost.
func (s *Scheduler) Exists(ctx context.Context, jobID string) (bool, error) {
	if jobID == "" {
		return false, nil
	}
	n, err := s.client.Exists(ctx, jobKey(jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("check job %s: %w", jobID, err)
	}
	return n > 0, nil
}

// StartMover launches the goroutine that claims due delayed jobs and moves
// them to the ready stream.
func (s *Scheduler) StartMover(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.runMover(ctx)
}

// StopMover stops the mover and waits up to the shutdown timeout.
func (s *Scheduler) StopMover() error {
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(s.cfg.ShutdownTimeout):
		return fmt.Errorf("mover shutdown timed out after %s", s.cfg.ShutdownTimeout)
	}
}

// runMover polls the delayed set for due jobs. Claiming is ZREM: whichever
// of mover, cancel, or a concurrent mover removes the member owns the job.
func (s *Scheduler) runMover(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.log.Info().Dur("poll_interval", s.cfg.PollInterval).Msg("scheduler mover started")

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scheduler mover stopping")
			return
		case <-ticker.C:
			if err := s.moveDue(ctx); err != nil && ctx.Err() == nil {
				s.log.Error().Err(err).Msg("mover pass failed")
			}
		}
	}
}

func (s *Scheduler) moveDue(ctx context.Context) error {
	now := float64(time.Now().UTC().UnixMilli())

	ids, err := s.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%f", now),
		Count: 100,
	}).Result()
	if err != nil {
		return fmt.Errorf("zrangebyscore: %w", err)
	}

	for _, jobID := range ids {
		removed, err := s.client.ZRem(ctx, delayedKey, jobID).Result()
		if err != nil {
			return fmt.Errorf("zrem %s: %w", jobID, err)
		}
		if removed == 0 {
			// Lost the claim to cancel or another mover.
			continue
		}

		job, err := s.loadJob(ctx, jobID)
		if err != nil {
			s.log.Error().Err(err).Str("job_id", jobID).Msg("claimed job has no metadata, dropping")
			continue
		}
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("marshal job: %w", err)
		}

		pipe := s.client.TxPipeline()
		pipe.HSet(ctx, jobKey(jobID), "state", stateReady)
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: readyStream,
			Values: map[string]interface{}{"data": string(data)},
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("move job %s to ready: %w", jobID, err)
		}

		s.log.Debug().Str("job_id", jobID).Msg("delayed job became due")
	}

	if depth, err := s.client.ZCard(ctx, delayedKey).Result(); err == nil {
		JobsDelayedGauge.Set(float64(depth))
	}

	return nil
}

// loadJob reads job metadata from the per-job hash.
func (s *Scheduler) loadJob(ctx context.Context, jobID string) (*Job, error) {
	data, err := s.client.HGet(ctx, jobKey(jobID), "data").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("job %s metadata missing: %w", jobID, ErrConflict)
		}
		return nil, fmt.Errorf("read job %s: %w", jobID, err)
	}

	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", jobID, err)
	}
	return &job, nil
}

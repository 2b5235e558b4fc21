package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// JobHandler processes a single due job. The implementation owns the full
// delivery flow: transport send, result recording, content scrubbing, and
// event emission. Exactly one terminal outcome is reported per job.
type JobHandler interface {
	HandleJob(ctx context.Context, job Job) error
}

// WorkerPool consumes due jobs from the priority and ready streams using a
// Redis consumer group. The priority stream is listed first in every read,
// so dispatched jobs bypass normal ordering.
type WorkerPool struct {
	client    *redis.Client
	handler   JobHandler
	cfg       Config
	log       zerolog.Logger
	groupName string
	wg        sync.WaitGroup
	cancel    context.CancelFunc
}

// NewWorkerPool creates a WorkerPool invoking handler for each job.
func NewWorkerPool(client *redis.Client, handler JobHandler, cfg Config, log zerolog.Logger, groupName string) *WorkerPool {
	return &WorkerPool{
		client:    client,
		handler:   handler,
		cfg:       cfg,
		log:       log,
		groupName: groupName,
	}
}

// Start creates the consumer groups (if missing) and launches the
// configured number of worker goroutines.
func (p *WorkerPool) Start(ctx context.Context) error {
	for _, stream := range []string{priorityStream, readyStream} {
		err := p.client.XGroupCreateMkStream(ctx, stream, p.groupName, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create consumer group on %s: %w", stream, err)
		}
	}

	ctx, p.cancel = context.WithCancel(ctx)

	for i := range p.cfg.WorkerCount {
		p.wg.Add(1)
		go p.runWorker(ctx, fmt.Sprintf("worker-%d", i))
	}

	p.wg.Add(1)
	go p.runReclaimer(ctx)

	p.log.Info().Int("worker_count", p.cfg.WorkerCount).Msg("worker pool started")
	return nil
}

// Stop signals all workers to stop and waits up to the configured shutdown
// timeout for in-flight jobs to finish.
func (p *WorkerPool) Stop(ctx context.Context) error {
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info().Msg("worker pool stopped gracefully")
		return nil
	case <-time.After(p.cfg.ShutdownTimeout):
		p.log.Warn().Msg("worker pool shutdown timed out")
		return fmt.Errorf("shutdown timed out after %s", p.cfg.ShutdownTimeout)
	}
}

// runWorker is the main loop for a single worker goroutine.
func (p *WorkerPool) runWorker(ctx context.Context, consumerName string) {
	defer p.wg.Done()

	p.log.Info().Str("consumer", consumerName).Msg("worker started")

	for {
		select {
		case <-ctx.Done():
			p.log.Info().Str("consumer", consumerName).Msg("worker stopping")
			return
		default:
		}

		xMsgs, err := p.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    p.groupName,
			Consumer: consumerName,
			Streams:  []string{priorityStream, readyStream, ">", ">"},
			Count:    1,
			Block:    p.cfg.BlockTimeout,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			p.log.Error().Err(err).Str("consumer", consumerName).Msg("xreadgroup error")
			continue
		}

		for _, stream := range xMsgs {
			for _, xMsg := range stream.Messages {
				p.processEntry(ctx, stream.Stream, xMsg)
			}
		}
	}
}

// processEntry deserializes a stream entry, marks the job active, and runs
// the handler. Entries are acknowledged regardless of handler outcome: the
// handler reports failures as terminal job events, never via redelivery.
func (p *WorkerPool) processEntry(ctx context.Context, stream string, xMsg redis.XMessage) {
	start := time.Now()

	data, ok := xMsg.Values["data"].(string)
	if !ok {
		p.log.Error().Str("entry_id", xMsg.ID).Msg("invalid job data type")
		p.acknowledge(ctx, stream, xMsg.ID)
		return
	}

	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		p.log.Error().Err(err).Str("entry_id", xMsg.ID).Msg("failed to unmarshal job")
		p.acknowledge(ctx, stream, xMsg.ID)
		return
	}

	// Claim the job against a concurrent cancel. A failed claim usually
	// means the job was cancelled while waiting in the stream; a reclaimed
	// entry (state already active from a dead worker) is taken anyway.
	won, claimErr := casState.Run(ctx, p.client, []string{jobKey(job.ID)}, stateReady, stateActive).Int()
	if claimErr != nil {
		p.log.Error().Err(claimErr).Str("job_id", job.ID).Msg("failed to mark job active")
	} else if won == 0 {
		state, stateErr := p.client.HGet(ctx, jobKey(job.ID), "state").Result()
		if stateErr == nil && state == stateCancelled {
			p.log.Info().Str("job_id", job.ID).Msg("job cancelled before pickup, skipping")
			p.acknowledge(ctx, stream, xMsg.ID)
			return
		}
		if err := p.client.HSet(ctx, jobKey(job.ID), "state", stateActive).Err(); err != nil {
			p.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to mark job active")
		}
	}

	processCtx, cancel := context.WithTimeout(ctx, p.cfg.ProcessTimeout)
	err := p.handler.HandleJob(processCtx, job)
	cancel()

	JobProcessingDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		p.log.Error().Err(err).
			Str("job_id", job.ID).
			Stringer("message_id", job.MessageID).
			Msg("job processing failed")
		JobsProcessedTotal.WithLabelValues("failed").Inc()
	} else {
		JobsProcessedTotal.WithLabelValues("completed").Inc()
	}

	if err := p.client.HSet(ctx, jobKey(job.ID), "state", stateDone).Err(); err != nil {
		p.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to mark job done")
	}

	p.acknowledge(ctx, stream, xMsg.ID)
}

// runReclaimer periodically takes over pending entries whose consumer died
// before acknowledging them. Without it a crash mid-job would leave the
// entry pending in the consumer group forever. Redelivery is safe: the
// handler acknowledges messages already in a terminal state without a
// second send.
func (p *WorkerPool) runReclaimer(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, stream := range []string{priorityStream, readyStream} {
				p.reclaim(ctx, stream)
			}
		}
	}
}

func (p *WorkerPool) reclaim(ctx context.Context, stream string) {
	start := "0-0"
	for {
		msgs, next, err := p.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    p.groupName,
			Consumer: "reclaimer",
			MinIdle:  p.cfg.ClaimMinIdle,
			Start:    start,
			Count:    10,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				p.log.Error().Err(err).Str("stream", stream).Msg("xautoclaim error")
			}
			return
		}

		for _, xMsg := range msgs {
			p.log.Warn().Str("entry_id", xMsg.ID).Str("stream", stream).Msg("reclaimed abandoned entry")
			p.processEntry(ctx, stream, xMsg)
		}

		if len(msgs) == 0 || next == "0-0" {
			return
		}
		start = next
	}
}

func (p *WorkerPool) acknowledge(ctx context.Context, stream, entryID string) {
	if err := p.client.XAck(ctx, stream, p.groupName, entryID).Err(); err != nil {
		p.log.Error().Err(err).Str("entry_id", entryID).Msg("failed to acknowledge entry")
	}
}

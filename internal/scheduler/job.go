package scheduler

import (
	"time"

	"github.com/google/uuid"
)

// Job is the unit of scheduled work: exactly one job exists per message.
type Job struct {
	ID        string    `json:"id"`
	MessageID uuid.UUID `json:"message_id"`
	Client    string    `json:"client"`
	CreatedAt time.Time `json:"created_at"`
}

// NewJob creates a Job with a generated UUID id.
func NewJob(messageID uuid.UUID, client string) Job {
	return Job{
		ID:        uuid.New().String(),
		MessageID: messageID,
		Client:    client,
		CreatedAt: time.Now().UTC(),
	}
}

// Job lifecycle states tracked in the per-job Redis hash. The hash, not the
// database, is authoritative for cancel/promote race outcomes.
const (
	stateDelayed   = "delayed"
	stateReady     = "ready"
	stateActive    = "active"
	stateDone      = "done"
	stateCancelled = "cancelled"
)

// Redis key layout. Delayed jobs live in a ZSET scored by absolute due time
// in UTC milliseconds; due jobs are moved to the ready stream. Dispatch
// bypasses ordering via the priority stream, which workers read first.
const (
	delayedKey     = "sched:delayed"
	readyStream    = "sched:ready"
	priorityStream = "sched:priority"
)

// jobTTL bounds how long per-job metadata survives after terminal states.
const jobTTL = 7 * 24 * time.Hour

func jobKey(jobID string) string {
	return "sched:job:" + jobID
}

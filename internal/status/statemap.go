package status

import (
	"errors"
	"fmt"
)

// Queue is the fine-grained, scheduler-internal event state of a job.
type Queue string

// Queue-level states emitted by the scheduler and its workers.
const (
	QueueAccepted   Queue = "accepted"
	QueueEnqueued   Queue = "enqueued"
	QueueProcessing Queue = "processing"
	QueueDelivered  Queue = "delivered"
	QueueErrored    Queue = "errored"
	QueueCompleted  Queue = "completed"
	QueueFailed     Queue = "failed"
	QueuePromoted   Queue = "promoted"
	QueueRemoved    Queue = "removed"
)

// Business is the coarse lifecycle state exposed to callers.
type Business string

// Business states visible through the API.
const (
	BusinessAccepted  Business = "accepted"
	BusinessPending   Business = "pending"
	BusinessCompleted Business = "completed"
	BusinessFailed    Business = "failed"
	BusinessCancelled Business = "cancelled"
)

// ErrInvalidStatus indicates a queue state outside the defined mapping.
// This is a programmer/config error, not a caller error.
var ErrInvalidStatus = errors.New("invalid queue status")

// queueToBusiness collapses intermediate operational states to pending;
// only completed, failed, and removed are caller-terminal.
var queueToBusiness = map[Queue]Business{
	QueueAccepted:   BusinessAccepted,
	QueueEnqueued:   BusinessPending,
	QueueProcessing: BusinessPending,
	QueueDelivered:  BusinessPending,
	QueueErrored:    BusinessPending,
	QueuePromoted:   BusinessPending,
	QueueCompleted:  BusinessCompleted,
	QueueFailed:     BusinessFailed,
	QueueRemoved:    BusinessCancelled,
}

// ToBusiness maps a queue-level state to its business state. It is total
// over the nine defined queue states; any other input returns
// ErrInvalidStatus.
func ToBusiness(q Queue) (Business, error) {
	b, ok := queueToBusiness[q]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, q)
	}
	return b, nil
}

// ParseBusiness validates a caller-supplied business status string.
func ParseBusiness(s string) (Business, error) {
	switch b := Business(s); b {
	case BusinessAccepted, BusinessPending, BusinessCompleted, BusinessFailed, BusinessCancelled:
		return b, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
}

// IsTerminal reports whether a business state ends the message lifecycle.
// Content scrubbing is only permitted once a message reaches one of these.
func IsTerminal(b Business) bool {
	return b == BusinessCompleted || b == BusinessFailed || b == BusinessCancelled
}

package status

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// recordingStore captures the queue states handed to UpdateStatus.
type recordingStore struct {
	applied []Queue
	err     error
}

func (s *recordingStore) UpdateStatus(ctx context.Context, client string, messageID uuid.UUID, jobID string, queue Queue, description string) error {
	s.applied = append(s.applied, queue)
	return s.err
}

func runUntilClosed(t *testing.T, r *Reconciler, events chan Event) {
	t.Helper()

	done := make(chan struct{})
	go func() {
		r.Run(context.Background(), events)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after channel close")
	}
}

func TestReconciler_DrainsBufferedEventsOnClose(t *testing.T) {
	store := &recordingStore{}
	r := NewReconciler(store, zerolog.Nop())

	// Shutdown closes the channel with events still buffered; the terminal
	// outcome of an in-flight job must still reach the store.
	events := make(chan Event, 4)
	events <- Event{MessageID: uuid.New(), Queue: QueueProcessing}
	events <- Event{MessageID: uuid.New(), Queue: QueueCompleted}
	close(events)

	runUntilClosed(t, r, events)

	if len(store.applied) != 2 || store.applied[1] != QueueCompleted {
		t.Errorf("applied = %v, want both buffered events persisted", store.applied)
	}
}

func TestReconciler_SkipsUnmappedAndFailedEvents(t *testing.T) {
	store := &recordingStore{err: errors.New("db down")}
	r := NewReconciler(store, zerolog.Nop())

	events := make(chan Event, 4)
	events <- Event{MessageID: uuid.New(), Queue: Queue("exploded")}
	events <- Event{MessageID: uuid.New(), Queue: QueueDelivered}
	close(events)

	runUntilClosed(t, r, events)

	// The unmapped event is dropped before the store; the persistence
	// failure is logged, not retried.
	if len(store.applied) != 1 || store.applied[0] != QueueDelivered {
		t.Errorf("applied = %v, want only the mapped event", store.applied)
	}
}

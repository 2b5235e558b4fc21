package worker

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sungwon/mail-dispatch/internal/scheduler"
	"github.com/sungwon/mail-dispatch/internal/storage"
)

type fakeReaperStore struct {
	stalled []storage.StalledMessage
	jobIDs  map[uuid.UUID]string
}

func (f *fakeReaperStore) FindStalledMessages(ctx context.Context, cutoff time.Time, limit int) ([]storage.StalledMessage, error) {
	return f.stalled, nil
}

func (f *fakeReaperStore) SetJobID(ctx context.Context, client string, messageID uuid.UUID, jobID string) error {
	f.jobIDs[messageID] = jobID
	return nil
}

type fakeReaperScheduler struct {
	existing map[string]bool
	enqueued []scheduler.Job
}

func (f *fakeReaperScheduler) Exists(ctx context.Context, jobID string) (bool, error) {
	return f.existing[jobID], nil
}

func (f *fakeReaperScheduler) Enqueue(ctx context.Context, job scheduler.Job, delay time.Duration) error {
	f.enqueued = append(f.enqueued, job)
	return nil
}

func TestReaperSweep_ReenqueuesLostJobs(t *testing.T) {
	lostID := uuid.New()
	aliveID := uuid.New()

	store := &fakeReaperStore{
		stalled: []storage.StalledMessage{
			{MessageID: lostID, Client: "acme", JobID: "job-lost"},
			{MessageID: aliveID, Client: "acme", JobID: "job-alive"},
		},
		jobIDs: map[uuid.UUID]string{},
	}
	sched := &fakeReaperScheduler{existing: map[string]bool{"job-alive": true}}

	r := NewReaper(store, sched, time.Minute, time.Minute, zerolog.Nop())
	if err := r.sweep(context.Background()); err != nil {
		t.Fatalf("sweep() error = %v", err)
	}

	if len(sched.enqueued) != 1 {
		t.Fatalf("enqueued %d jobs, want 1", len(sched.enqueued))
	}
	if sched.enqueued[0].MessageID != lostID {
		t.Errorf("re-enqueued message %s, want %s", sched.enqueued[0].MessageID, lostID)
	}

	// The lost message got a fresh durable job id before the enqueue.
	newJobID, ok := store.jobIDs[lostID]
	if !ok || newJobID == "job-lost" {
		t.Errorf("job id for lost message = %q, want a fresh id", newJobID)
	}
	if _, ok := store.jobIDs[aliveID]; ok {
		t.Error("message with a live job was re-enqueued")
	}
}

func TestReaperSweep_NothingStalled(t *testing.T) {
	store := &fakeReaperStore{jobIDs: map[uuid.UUID]string{}}
	sched := &fakeReaperScheduler{existing: map[string]bool{}}

	r := NewReaper(store, sched, time.Minute, time.Minute, zerolog.Nop())
	if err := r.sweep(context.Background()); err != nil {
		t.Fatalf("sweep() error = %v", err)
	}
	if len(sched.enqueued) != 0 {
		t.Errorf("enqueued %d jobs, want 0", len(sched.enqueued))
	}
}

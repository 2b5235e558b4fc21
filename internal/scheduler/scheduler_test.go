//go:build integration

package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/sungwon/mail-dispatch/internal/scheduler"
	"github.com/sungwon/mail-dispatch/internal/status"
)

var (
	redisClient    *goredis.Client
	redisContainer testcontainers.Container
)

// TestMain sets up a shared Redis container for all integration tests.
func TestMain(m *testing.M) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor: wait.ForLog("Ready to accept connections").
			WithStartupTimeout(60 * time.Second),
	}

	var err error
	redisContainer, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start redis container: %v\n", err)
		os.Exit(1)
	}

	host, err := redisContainer.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container host: %v\n", err)
		os.Exit(1)
	}
	port, err := redisContainer.MappedPort(ctx, "6379")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container port: %v\n", err)
		os.Exit(1)
	}

	redisClient = goredis.NewClient(&goredis.Options{
		Addr: fmt.Sprintf("%s:%s", host, port.Port()),
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to ping redis: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	redisClient.Close()
	if err := redisContainer.Terminate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to terminate container: %v\n", err)
	}

	os.Exit(code)
}

func newScheduler() *scheduler.Scheduler {
	return scheduler.New(redisClient, scheduler.DefaultConfig(), zerolog.Nop())
}

// drainEvents consumes pending queue events so a buffered channel never
// blocks the scheduler during a test.
func drainEvents(s *scheduler.Scheduler) {
	go func() {
		for range s.Events() {
		}
	}()
}

func newTestJob() scheduler.Job {
	return scheduler.NewJob(uuid.New(), "acme")
}

func TestEnqueueDelayed_CancelWinsOnce(t *testing.T) {
	s := newScheduler()
	drainEvents(s)
	ctx := context.Background()

	job := newTestJob()
	if err := s.Enqueue(ctx, job, time.Hour); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	exists, err := s.Exists(ctx, job.ID)
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if !exists {
		t.Fatal("enqueued job does not exist")
	}

	if err := s.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	// The claim is gone; a second cancel loses the race by definition.
	if err := s.Cancel(ctx, job.ID); !errors.Is(err, scheduler.ErrConflict) {
		t.Errorf("second Cancel() error = %v, want ErrConflict", err)
	}
}

func TestCancel_ReadyJobBeforePickup(t *testing.T) {
	s := newScheduler()
	drainEvents(s)
	ctx := context.Background()

	job := newTestJob()
	if err := s.Enqueue(ctx, job, 0); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	// No worker is consuming: the job waits in the ready stream and has not
	// started executing, so cancel must win.
	if err := s.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("Cancel() of ready job error = %v", err)
	}

	if err := s.Cancel(ctx, job.ID); !errors.Is(err, scheduler.ErrConflict) {
		t.Errorf("second Cancel() error = %v, want ErrConflict", err)
	}
	if err := s.Dispatch(ctx, job.ID); !errors.Is(err, scheduler.ErrConflict) {
		t.Errorf("Dispatch() of cancelled job error = %v, want ErrConflict", err)
	}
}

func TestPromote_MovesDueTimeForward(t *testing.T) {
	s := newScheduler()
	drainEvents(s)
	ctx := context.Background()

	job := newTestJob()
	if err := s.Enqueue(ctx, job, time.Hour); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	if err := s.Promote(ctx, job.ID); err != nil {
		t.Fatalf("Promote() error = %v", err)
	}

	score, err := redisClient.ZScore(ctx, "sched:delayed", job.ID).Result()
	if err != nil {
		t.Fatalf("promoted job left the delayed set: %v", err)
	}
	if due := time.UnixMilli(int64(score)); due.After(time.Now().Add(time.Second)) {
		t.Errorf("promoted job still due in the future: %v", due)
	}
}

func TestPromote_AfterCancelConflicts(t *testing.T) {
	s := newScheduler()
	drainEvents(s)
	ctx := context.Background()

	job := newTestJob()
	if err := s.Enqueue(ctx, job, time.Hour); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := s.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	if err := s.Promote(ctx, job.ID); !errors.Is(err, scheduler.ErrConflict) {
		t.Errorf("Promote() after cancel error = %v, want ErrConflict", err)
	}
}

func TestPromote_UnknownJobConflicts(t *testing.T) {
	s := newScheduler()
	drainEvents(s)

	if err := s.Promote(context.Background(), "no-such-job"); !errors.Is(err, scheduler.ErrConflict) {
		t.Errorf("Promote(unknown) error = %v, want ErrConflict", err)
	}
}

func TestDispatch_DelayedJobJumpsTheQueue(t *testing.T) {
	s := newScheduler()
	drainEvents(s)
	ctx := context.Background()

	before, err := redisClient.XLen(ctx, "sched:priority").Result()
	if err != nil {
		t.Fatalf("XLen() error = %v", err)
	}

	job := newTestJob()
	if err := s.Enqueue(ctx, job, time.Hour); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := s.Dispatch(ctx, job.ID); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	after, err := redisClient.XLen(ctx, "sched:priority").Result()
	if err != nil {
		t.Fatalf("XLen() error = %v", err)
	}
	if after != before+1 {
		t.Errorf("priority stream length = %d, want %d", after, before+1)
	}

	// Dispatching it again: no longer delayed, already awaiting pickup.
	if err := s.Dispatch(ctx, job.ID); err != nil {
		t.Errorf("Dispatch() of ready job error = %v, want nil", err)
	}
}

func TestDispatch_CancelledJobConflicts(t *testing.T) {
	s := newScheduler()
	drainEvents(s)
	ctx := context.Background()

	job := newTestJob()
	if err := s.Enqueue(ctx, job, time.Hour); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := s.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	if err := s.Dispatch(ctx, job.ID); !errors.Is(err, scheduler.ErrConflict) {
		t.Errorf("Dispatch() after cancel error = %v, want ErrConflict", err)
	}
}

func TestMover_MovesDueJobs(t *testing.T) {
	cfg := scheduler.DefaultConfig()
	cfg.PollInterval = 50 * time.Millisecond
	s := scheduler.New(redisClient, cfg, zerolog.Nop())
	drainEvents(s)
	ctx := context.Background()

	job := newTestJob()
	if err := s.Enqueue(ctx, job, 100*time.Millisecond); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	s.StartMover(ctx)
	defer s.StopMover()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, err := redisClient.ZScore(ctx, "sched:delayed", job.ID).Result()
		if errors.Is(err, goredis.Nil) {
			// Left the delayed set for the ready stream. No worker has
			// picked it up, so it is still cancellable.
			if cancelErr := s.Cancel(ctx, job.ID); cancelErr != nil {
				t.Errorf("Cancel() of moved job error = %v", cancelErr)
			}
			return
		}
		if err != nil {
			t.Fatalf("ZScore() error = %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("due job was never moved to the ready stream")
}

// recordingHandler forwards handled jobs to a channel.
type recordingHandler struct {
	jobs chan scheduler.Job
}

func (h *recordingHandler) HandleJob(ctx context.Context, job scheduler.Job) error {
	h.jobs <- job
	return nil
}

func TestWorkerPool_SkipsCancelledJob(t *testing.T) {
	s := newScheduler()
	drainEvents(s)
	ctx := context.Background()

	cancelled := newTestJob()
	if err := s.Enqueue(ctx, cancelled, 0); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := s.Cancel(ctx, cancelled.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	live := newTestJob()
	if err := s.Enqueue(ctx, live, 0); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	h := &recordingHandler{jobs: make(chan scheduler.Job, 16)}
	cfg := scheduler.DefaultConfig()
	cfg.WorkerCount = 1
	cfg.BlockTimeout = 100 * time.Millisecond
	pool := scheduler.NewWorkerPool(redisClient, h, cfg, zerolog.Nop(), "cancel-skip-group")
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer pool.Stop(context.Background())

	// The group starts at entry zero, so leftover entries from earlier
	// tests may arrive too; only the two jobs above matter.
	deadline := time.After(5 * time.Second)
waitLive:
	for {
		select {
		case job := <-h.jobs:
			if job.ID == cancelled.ID {
				t.Fatal("cancelled job was executed")
			}
			if job.ID == live.ID {
				break waitLive
			}
		case <-deadline:
			t.Fatal("live job was never handled")
		}
	}

	select {
	case job := <-h.jobs:
		if job.ID == cancelled.ID {
			t.Fatal("cancelled job was executed after the live one")
		}
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWorkerPool_ReclaimsAbandonedEntry(t *testing.T) {
	s := newScheduler()
	drainEvents(s)
	ctx := context.Background()

	const group = "reclaim-group"
	err := redisClient.XGroupCreateMkStream(ctx, "sched:ready", group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		t.Fatalf("create group: %v", err)
	}

	job := newTestJob()
	if err := s.Enqueue(ctx, job, 0); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	// A consumer reads the entry and dies before acknowledging it.
	if _, err := redisClient.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    group,
		Consumer: "dead",
		Streams:  []string{"sched:ready", ">"},
		Count:    10,
		Block:    time.Second,
	}).Result(); err != nil {
		t.Fatalf("XReadGroup() error = %v", err)
	}

	h := &recordingHandler{jobs: make(chan scheduler.Job, 16)}
	cfg := scheduler.DefaultConfig()
	cfg.WorkerCount = 1
	cfg.BlockTimeout = 100 * time.Millisecond
	cfg.ClaimInterval = 50 * time.Millisecond
	cfg.ClaimMinIdle = 50 * time.Millisecond
	pool := scheduler.NewWorkerPool(redisClient, h, cfg, zerolog.Nop(), group)
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer pool.Stop(context.Background())

	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-h.jobs:
			if got.ID == job.ID {
				return
			}
		case <-deadline:
			t.Fatal("abandoned entry was never reclaimed")
		}
	}
}

func TestEnqueue_EmitsEnqueuedEvent(t *testing.T) {
	s := newScheduler()
	ctx := context.Background()

	job := newTestJob()
	if err := s.Enqueue(ctx, job, time.Hour); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	select {
	case ev := <-s.Events():
		if ev.Queue != status.QueueEnqueued || ev.JobID != job.ID || ev.Client != "acme" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event emitted")
	}
}

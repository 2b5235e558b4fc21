package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sungwon/mail-dispatch/internal/merge"
	"github.com/sungwon/mail-dispatch/internal/scheduler"
	"github.com/sungwon/mail-dispatch/internal/storage"
)

// Store is the persistence surface the orchestrator needs.
type Store interface {
	CreateTransaction(ctx context.Context, client string, msgs []storage.NewMessage) (*storage.Transaction, error)
	GetTransaction(ctx context.Context, client string, transactionID uuid.UUID) (*storage.Transaction, error)
	GetMessage(ctx context.Context, client string, messageID uuid.UUID) (*storage.Message, error)
	SetJobID(ctx context.Context, client string, messageID uuid.UUID, jobID string) error
	FindMessages(ctx context.Context, client string, filter storage.Filter) ([]storage.Message, error)
}

// Scheduler is the job queue surface the orchestrator needs.
type Scheduler interface {
	Enqueue(ctx context.Context, job scheduler.Job, delay time.Duration) error
	Cancel(ctx context.Context, jobID string) error
	Promote(ctx context.Context, jobID string) error
	Dispatch(ctx context.Context, jobID string) error
}

// EtherealSender sends synchronously and returns a preview URL.
type EtherealSender interface {
	Send(ctx context.Context, email *storage.EmailContent) (string, error)
}

// Service coordinates the store, the scheduler, and the transports for each
// client-facing lifecycle operation.
type Service struct {
	store    Store
	sched    Scheduler
	ethereal EtherealSender
	log      zerolog.Logger
}

// NewService creates the lifecycle orchestrator.
func NewService(store Store, sched Scheduler, ethereal EtherealSender, log zerolog.Logger) *Service {
	return &Service{
		store:    store,
		sched:    sched,
		ethereal: ethereal,
		log:      log,
	}
}

// SendReceipt is the result of a send operation: a persisted transaction
// view, or preview URLs for the ethereal path.
type SendReceipt struct {
	Transaction *storage.Transaction `json:"transaction,omitempty"`
	PreviewURLs []string             `json:"preview_urls,omitempty"`
}

// BatchResult summarizes a best-effort batch cancel or promote. Conflicted
// counts messages already past the actionable window; they do not abort the
// rest of the batch.
type BatchResult struct {
	Matched    int `json:"matched"`
	Accepted   int `json:"accepted"`
	Conflicted int `json:"conflicted"`
}

// SendEmail persists a single message and schedules its delivery. With
// ethereal set, the message is sent synchronously through the dev endpoint
// and nothing is persisted or scheduled; the client is not required.
func (s *Service) SendEmail(ctx context.Context, client string, msg *storage.NewMessage, ethereal bool) (*SendReceipt, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: message is required", storage.ErrInvalidInput)
	}

	if ethereal {
		url, err := s.ethereal.Send(ctx, &msg.Email)
		if err != nil {
			return nil, fmt.Errorf("ethereal send: %w", err)
		}
		return &SendReceipt{PreviewURLs: []string{url}}, nil
	}

	if client == "" {
		return nil, fmt.Errorf("%w: client is required", storage.ErrInvalidInput)
	}

	trxn, err := s.store.CreateTransaction(ctx, client, []storage.NewMessage{*msg})
	if err != nil {
		return nil, err
	}

	if err := s.enqueueAll(ctx, client, trxn); err != nil {
		return nil, err
	}

	view, err := s.store.GetTransaction(ctx, client, trxn.ID)
	if err != nil {
		return nil, err
	}
	return &SendReceipt{Transaction: view}, nil
}

// SendMerge expands the template into one message per context, then either
// sends each synchronously (ethereal) or creates a single transaction
// holding all of them and schedules each with its own delay.
func (s *Service) SendMerge(ctx context.Context, client string, tmpl merge.Template, ethereal bool) (*SendReceipt, error) {
	if len(tmpl.Contexts) == 0 {
		return nil, fmt.Errorf("%w: at least one context is required", storage.ErrInvalidInput)
	}

	msgs, err := merge.Expand(tmpl)
	if err != nil {
		return nil, err
	}

	if ethereal {
		urls := make([]string, 0, len(msgs))
		for i := range msgs {
			url, err := s.ethereal.Send(ctx, &msgs[i].Email)
			if err != nil {
				return nil, fmt.Errorf("ethereal send context %d: %w", i, err)
			}
			urls = append(urls, url)
		}
		return &SendReceipt{PreviewURLs: urls}, nil
	}

	if client == "" {
		return nil, fmt.Errorf("%w: client is required", storage.ErrInvalidInput)
	}

	trxn, err := s.store.CreateTransaction(ctx, client, msgs)
	if err != nil {
		return nil, err
	}

	if err := s.enqueueAll(ctx, client, trxn); err != nil {
		return nil, err
	}

	view, err := s.store.GetTransaction(ctx, client, trxn.ID)
	if err != nil {
		return nil, err
	}
	return &SendReceipt{Transaction: view}, nil
}

// PreviewMerge expands the template without persisting or sending anything.
func (s *Service) PreviewMerge(tmpl merge.Template) ([]storage.NewMessage, error) {
	if len(tmpl.Contexts) == 0 {
		return nil, fmt.Errorf("%w: at least one context is required", storage.ErrInvalidInput)
	}
	return merge.Expand(tmpl)
}

// GetStatus returns the business status of a message, with full history
// when requested.
func (s *Service) GetStatus(ctx context.Context, client string, messageID uuid.UUID, includeHistory bool) (*storage.Message, error) {
	m, err := s.store.GetMessage(ctx, client, messageID)
	if err != nil {
		return nil, err
	}
	if !includeHistory {
		m.StatusHistory = nil
		m.QueueHistory = nil
	}
	return m, nil
}

// GetTransaction returns the transaction view for a client.
func (s *Service) GetTransaction(ctx context.Context, client string, transactionID uuid.UUID) (*storage.Transaction, error) {
	return s.store.GetTransaction(ctx, client, transactionID)
}

// FindMessages returns the client's messages matching the filter.
func (s *Service) FindMessages(ctx context.Context, client string, filter storage.Filter) ([]storage.Message, error) {
	return s.store.FindMessages(ctx, client, filter)
}

// CancelMessage removes a single message's scheduled job. Returns
// scheduler.ErrConflict when the job has already started or finished.
func (s *Service) CancelMessage(ctx context.Context, client string, messageID uuid.UUID) error {
	return s.actOnMessage(ctx, client, messageID, s.sched.Cancel)
}

// PromoteMessage reschedules a single delayed message to run immediately.
func (s *Service) PromoteMessage(ctx context.Context, client string, messageID uuid.UUID) error {
	return s.actOnMessage(ctx, client, messageID, s.sched.Promote)
}

// DispatchMessage forces immediate execution of a message's job.
func (s *Service) DispatchMessage(ctx context.Context, client string, messageID uuid.UUID) error {
	return s.actOnMessage(ctx, client, messageID, s.sched.Dispatch)
}

// FindCancelMessages cancels every message matching the filter,
// best-effort: per-message conflicts are counted, not fatal.
func (s *Service) FindCancelMessages(ctx context.Context, client string, filter storage.Filter) (*BatchResult, error) {
	return s.actOnMatches(ctx, client, filter, s.sched.Cancel)
}

// FindPromoteMessages promotes every message matching the filter,
// best-effort.
func (s *Service) FindPromoteMessages(ctx context.Context, client string, filter storage.Filter) (*BatchResult, error) {
	return s.actOnMatches(ctx, client, filter, s.sched.Promote)
}

// enqueueAll schedules one job per message of a freshly created transaction
// and records the job id as the message's queue correlation key. A crash
// between the transaction commit and Enqueue leaves an accepted message
// with no job; the reaper re-enqueues those.
func (s *Service) enqueueAll(ctx context.Context, client string, trxn *storage.Transaction) error {
	for i := range trxn.Messages {
		m := &trxn.Messages[i]

		job := scheduler.NewJob(m.ID, client)
		if err := s.store.SetJobID(ctx, client, m.ID, job.ID); err != nil {
			return fmt.Errorf("record job id for message %s: %w", m.ID, err)
		}
		if err := s.sched.Enqueue(ctx, job, DelayUntil(m.DelayTimestamp, time.Now())); err != nil {
			return fmt.Errorf("enqueue message %s: %w", m.ID, err)
		}
	}
	return nil
}

// actOnMessage resolves a message (ownership-checked) and applies op to its
// job.
func (s *Service) actOnMessage(ctx context.Context, client string, messageID uuid.UUID, op func(context.Context, string) error) error {
	m, err := s.store.GetMessage(ctx, client, messageID)
	if err != nil {
		return err
	}
	if m.JobID == "" {
		return fmt.Errorf("message %s has no scheduled job: %w", messageID, scheduler.ErrConflict)
	}
	return op(ctx, m.JobID)
}

// actOnMatches applies op to every matching message, tolerating per-message
// conflicts.
func (s *Service) actOnMatches(ctx context.Context, client string, filter storage.Filter, op func(context.Context, string) error) (*BatchResult, error) {
	msgs, err := s.store.FindMessages(ctx, client, filter)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{Matched: len(msgs)}
	for i := range msgs {
		m := &msgs[i]
		if m.JobID == "" {
			result.Conflicted++
			continue
		}
		if err := op(ctx, m.JobID); err != nil {
			if errors.Is(err, scheduler.ErrConflict) {
				result.Conflicted++
				continue
			}
			return result, err
		}
		result.Accepted++
	}
	return result, nil
}

// DelayUntil converts an absolute UTC millisecond timestamp into an
// effective scheduling delay, floored at zero. A nil timestamp means send
// as soon as possible.
func DelayUntil(delayTimestamp *int64, now time.Time) time.Duration {
	if delayTimestamp == nil {
		return 0
	}
	d := time.UnixMilli(*delayTimestamp).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/sungwon/mail-dispatch/internal/status"
)

// Store is the transaction/message repository. Every read and write is
// scoped to the owning client; a missing row and a foreign row both surface
// as ErrNotFound.
type Store struct {
	db *DB
}

// New creates a Store backed by the given connection pool.
func New(db *DB) *Store {
	return &Store{db: db}
}

// CreateTransaction atomically creates a transaction row, one message row
// per input, and an initial accepted history entry per message. Any failure
// rolls the whole batch back.
func (s *Store) CreateTransaction(ctx context.Context, client string, msgs []NewMessage) (*Transaction, error) {
	if client == "" {
		return nil, fmt.Errorf("%w: client is required", ErrInvalidInput)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("%w: at least one message is required", ErrInvalidInput)
	}

	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	trxn := &Transaction{
		ID:     uuid.New(),
		Client: client,
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO trxn (transaction_id, client) VALUES ($1, $2)
		 RETURNING created_at, updated_at`,
		trxn.ID, client,
	).Scan(&trxn.CreatedAt, &trxn.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert trxn: %w", err)
	}

	for _, nm := range msgs {
		emailJSON, err := json.Marshal(nm.Email)
		if err != nil {
			return nil, fmt.Errorf("marshal email content: %w", err)
		}

		m := Message{
			ID:             uuid.New(),
			TransactionID:  trxn.ID,
			Tag:            nm.Tag,
			DelayTimestamp: nm.DelayTimestamp,
			Status:         status.BusinessAccepted,
			Email:          &nm.Email,
		}

		err = tx.QueryRow(ctx,
			`INSERT INTO message (message_id, transaction_id, tag, delay_timestamp, status, email)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 RETURNING created_at, updated_at`,
			m.ID, trxn.ID, nm.Tag, nm.DelayTimestamp, m.Status, emailJSON,
		).Scan(&m.CreatedAt, &m.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("insert message: %w", err)
		}

		var sh StatusHistoryEntry
		sh.MessageID = m.ID
		sh.Status = status.BusinessAccepted
		err = tx.QueryRow(ctx,
			`INSERT INTO status (message_id, status) VALUES ($1, $2)
			 RETURNING status_id, created_at`,
			m.ID, sh.Status,
		).Scan(&sh.ID, &sh.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("insert status history: %w", err)
		}

		var qh QueueHistoryEntry
		qh.MessageID = m.ID
		qh.Status = status.QueueAccepted
		err = tx.QueryRow(ctx,
			`INSERT INTO queue (message_id, job_id, status) VALUES ($1, '', $2)
			 RETURNING queue_id, created_at`,
			m.ID, qh.Status,
		).Scan(&qh.ID, &qh.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("insert queue history: %w", err)
		}

		m.StatusHistory = []StatusHistoryEntry{sh}
		m.QueueHistory = []QueueHistoryEntry{qh}
		trxn.Messages = append(trxn.Messages, m)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return trxn, nil
}

// GetTransaction returns a transaction with its messages and their history,
// history ordered newest first.
func (s *Store) GetTransaction(ctx context.Context, client string, transactionID uuid.UUID) (*Transaction, error) {
	trxn := &Transaction{ID: transactionID, Client: client}

	err := s.db.Pool.QueryRow(ctx,
		`SELECT created_at, updated_at FROM trxn
		 WHERE transaction_id = $1 AND client = $2`,
		transactionID, client,
	).Scan(&trxn.CreatedAt, &trxn.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select trxn: %w", err)
	}

	rows, err := s.db.Pool.Query(ctx,
		messageSelect+` WHERE m.transaction_id = $1 ORDER BY m.created_at`,
		transactionID,
	)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		trxn.Messages = append(trxn.Messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	for i := range trxn.Messages {
		if err := s.loadHistory(ctx, &trxn.Messages[i]); err != nil {
			return nil, err
		}
	}

	return trxn, nil
}

// GetMessage returns a single message with its history, ownership-checked.
func (s *Store) GetMessage(ctx context.Context, client string, messageID uuid.UUID) (*Message, error) {
	m, err := s.getMessageRow(ctx, client, messageID)
	if err != nil {
		return nil, err
	}
	if err := s.loadHistory(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// UpdateStatus records a queue event against a message. A queue-history
// entry is appended unconditionally; a status-history entry and a change to
// the message's status field happen only when the mapped business status
// differs from the current one. Re-applying the same event is idempotent
// with respect to business status.
//
// Terminal business states are sticky. Queue events arrive from more than
// one process and the channels do not preserve cross-process order, so a
// stale intermediate event (promoted, enqueued) can land after completed or
// failed has been persisted. Such events still get their queue-history row
// but never move the business status: the first terminal outcome wins.
func (s *Store) UpdateStatus(ctx context.Context, client string, messageID uuid.UUID, jobID string, queueStatus status.Queue, description string) (*Message, error) {
	business, err := status.ToBusiness(queueStatus)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var current status.Business
	err = tx.QueryRow(ctx,
		`SELECT m.status FROM message m
		 JOIN trxn t ON t.transaction_id = m.transaction_id
		 WHERE m.message_id = $1 AND t.client = $2
		 FOR UPDATE OF m`,
		messageID, client,
	).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lock message: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO queue (message_id, job_id, status, description) VALUES ($1, $2, $3, $4)`,
		messageID, jobID, queueStatus, nullable(description),
	)
	if err != nil {
		return nil, fmt.Errorf("insert queue history: %w", err)
	}

	if business != current && !status.IsTerminal(current) {
		_, err = tx.Exec(ctx,
			`INSERT INTO status (message_id, status, description) VALUES ($1, $2, $3)`,
			messageID, business, nullable(description),
		)
		if err != nil {
			return nil, fmt.Errorf("insert status history: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE message SET status = $2, updated_at = now() WHERE message_id = $1`,
			messageID, business,
		)
		if err != nil {
			return nil, fmt.Errorf("update message status: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit status update: %w", err)
	}

	return s.getMessageRow(ctx, client, messageID)
}

// SetJobID stores the scheduler job id as the message's queue correlation key.
func (s *Store) SetJobID(ctx context.Context, client string, messageID uuid.UUID, jobID string) error {
	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE message SET job_id = $3, updated_at = now()
		 WHERE message_id = $1
		   AND transaction_id IN (SELECT transaction_id FROM trxn WHERE client = $2)`,
		messageID, client, jobID,
	)
	if err != nil {
		return fmt.Errorf("set job id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSendResult records the transport result of a successful send.
func (s *Store) SetSendResult(ctx context.Context, client string, messageID uuid.UUID, result SendResult) (*Message, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal send result: %w", err)
	}

	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE message SET send_result = $3, updated_at = now()
		 WHERE message_id = $1
		   AND transaction_id IN (SELECT transaction_id FROM trxn WHERE client = $2)`,
		messageID, client, resultJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("set send result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}

	return s.getMessageRow(ctx, client, messageID)
}

// DeleteMessageContent scrubs the stored email payload. Metadata, status,
// and history remain. Idempotent: scrubbing an already-scrubbed message
// succeeds.
func (s *Store) DeleteMessageContent(ctx context.Context, client string, messageID uuid.UUID) (*Message, error) {
	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE message SET email = NULL, updated_at = now()
		 WHERE message_id = $1
		   AND transaction_id IN (SELECT transaction_id FROM trxn WHERE client = $2)`,
		messageID, client,
	)
	if err != nil {
		return nil, fmt.Errorf("delete message content: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}

	return s.getMessageRow(ctx, client, messageID)
}

// FindMessages returns the client's messages matching all given filters.
// Returns ErrNotFound when nothing matches.
func (s *Store) FindMessages(ctx context.Context, client string, filter Filter) ([]Message, error) {
	if client == "" {
		return nil, fmt.Errorf("%w: client is required", ErrInvalidInput)
	}

	var (
		conds = []string{"t.client = $1"}
		args  = []any{client}
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.MessageID != nil {
		add("m.message_id = $%d", *filter.MessageID)
	}
	if filter.Status != nil {
		add("m.status = $%d", *filter.Status)
	}
	if filter.Tag != nil {
		add("m.tag = $%d", *filter.Tag)
	}
	if filter.TransactionID != nil {
		add("m.transaction_id = $%d", *filter.TransactionID)
	}

	query := messageSelect +
		` JOIN trxn t ON t.transaction_id = m.transaction_id
		 WHERE ` + strings.Join(conds, " AND ") +
		` ORDER BY m.created_at DESC`

	rows, err := s.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	if len(messages) == 0 {
		return nil, ErrNotFound
	}
	return messages, nil
}

// FindStalledMessages returns accepted messages created before the cutoff.
// These may have lost their scheduler job in the window between the
// database commit and the enqueue; the reaper re-enqueues them.
func (s *Store) FindStalledMessages(ctx context.Context, cutoff time.Time, limit int) ([]StalledMessage, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT m.message_id, t.client, m.job_id, m.delay_timestamp, m.created_at
		 FROM message m
		 JOIN trxn t ON t.transaction_id = m.transaction_id
		 WHERE m.status = $1 AND m.created_at < $2
		 ORDER BY m.created_at
		 LIMIT $3`,
		status.BusinessAccepted, cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("find stalled messages: %w", err)
	}
	defer rows.Close()

	var stalled []StalledMessage
	for rows.Next() {
		var sm StalledMessage
		var jobID *string
		if err := rows.Scan(&sm.MessageID, &sm.Client, &jobID, &sm.DelayTimestamp, &sm.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan stalled message: %w", err)
		}
		if jobID != nil {
			sm.JobID = *jobID
		}
		stalled = append(stalled, sm)
	}
	return stalled, rows.Err()
}

// PurgeClient deletes all of a client's transactions. Messages and history
// follow by referential cascade. Returns the number of transactions removed.
func (s *Store) PurgeClient(ctx context.Context, client string) (int64, error) {
	if client == "" {
		return 0, fmt.Errorf("%w: client is required", ErrInvalidInput)
	}
	tag, err := s.db.Pool.Exec(ctx, `DELETE FROM trxn WHERE client = $1`, client)
	if err != nil {
		return 0, fmt.Errorf("purge client: %w", err)
	}
	return tag.RowsAffected(), nil
}

const messageSelect = `SELECT m.message_id, m.transaction_id, m.job_id, m.tag,
	m.delay_timestamp, m.status, m.email, m.send_result, m.created_at, m.updated_at
	FROM message m`

// getMessageRow fetches a single message without history, ownership-checked.
func (s *Store) getMessageRow(ctx context.Context, client string, messageID uuid.UUID) (*Message, error) {
	row := s.db.Pool.QueryRow(ctx,
		messageSelect+
			` JOIN trxn t ON t.transaction_id = m.transaction_id
			 WHERE m.message_id = $1 AND t.client = $2`,
		messageID, client,
	)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return m, nil
}

// loadHistory attaches status and queue history, newest first.
func (s *Store) loadHistory(ctx context.Context, m *Message) error {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT status_id, status, COALESCE(description, ''), created_at
		 FROM status WHERE message_id = $1 ORDER BY created_at DESC, status_id DESC`,
		m.ID,
	)
	if err != nil {
		return fmt.Errorf("select status history: %w", err)
	}
	defer rows.Close()

	m.StatusHistory = nil
	for rows.Next() {
		sh := StatusHistoryEntry{MessageID: m.ID}
		if err := rows.Scan(&sh.ID, &sh.Status, &sh.Description, &sh.CreatedAt); err != nil {
			return fmt.Errorf("scan status history: %w", err)
		}
		m.StatusHistory = append(m.StatusHistory, sh)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate status history: %w", err)
	}

	qrows, err := s.db.Pool.Query(ctx,
		`SELECT queue_id, job_id, status, COALESCE(description, ''), created_at
		 FROM queue WHERE message_id = $1 ORDER BY created_at DESC, queue_id DESC`,
		m.ID,
	)
	if err != nil {
		return fmt.Errorf("select queue history: %w", err)
	}
	defer qrows.Close()

	m.QueueHistory = nil
	for qrows.Next() {
		qh := QueueHistoryEntry{MessageID: m.ID}
		if err := qrows.Scan(&qh.ID, &qh.JobID, &qh.Status, &qh.Description, &qh.CreatedAt); err != nil {
			return fmt.Errorf("scan queue history: %w", err)
		}
		m.QueueHistory = append(m.QueueHistory, qh)
	}
	return qrows.Err()
}

// rowScanner covers both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		m          Message
		jobID      *string
		tag        *string
		emailJSON  []byte
		resultJSON []byte
	)

	err := row.Scan(&m.ID, &m.TransactionID, &jobID, &tag, &m.DelayTimestamp,
		&m.Status, &emailJSON, &resultJSON, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if jobID != nil {
		m.JobID = *jobID
	}
	if tag != nil {
		m.Tag = *tag
	}
	if len(emailJSON) > 0 {
		var email EmailContent
		if err := json.Unmarshal(emailJSON, &email); err != nil {
			return nil, fmt.Errorf("unmarshal email content: %w", err)
		}
		m.Email = &email
	}
	if len(resultJSON) > 0 {
		var result SendResult
		if err := json.Unmarshal(resultJSON, &result); err != nil {
			return nil, fmt.Errorf("unmarshal send result: %w", err)
		}
		m.SendResult = &result
	}

	return &m, nil
}

// nullable maps an empty string to NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

package storage

import (
	"time"

	"github.com/google/uuid"

	"github.com/sungwon/mail-dispatch/internal/status"
)

// Transaction is a batch of one or more messages created together from a
// single API call. It is owned by exactly one client.
type Transaction struct {
	ID        uuid.UUID `json:"transaction_id"`
	Client    string    `json:"client"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Messages  []Message `json:"messages"`
}

// Message is a single email within a transaction. Email is nil once the
// content has been scrubbed after reaching a terminal status.
type Message struct {
	ID             uuid.UUID            `json:"message_id"`
	TransactionID  uuid.UUID            `json:"transaction_id"`
	JobID          string               `json:"job_id,omitempty"`
	Tag            string               `json:"tag,omitempty"`
	DelayTimestamp *int64               `json:"delay_timestamp,omitempty"`
	Status         status.Business      `json:"status"`
	Email          *EmailContent        `json:"email,omitempty"`
	SendResult     *SendResult          `json:"send_result,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
	StatusHistory  []StatusHistoryEntry `json:"status_history,omitempty"`
	QueueHistory   []QueueHistoryEntry  `json:"queue_history,omitempty"`
}

// EmailContent is the deliverable payload of a message.
type EmailContent struct {
	From        string       `json:"from"`
	To          []string     `json:"to"`
	Cc          []string     `json:"cc,omitempty"`
	Bcc         []string     `json:"bcc,omitempty"`
	Subject     string       `json:"subject"`
	Body        string       `json:"body"`
	BodyType    string       `json:"body_type"` // "html" or "text"
	Encoding    string       `json:"encoding,omitempty"`
	Priority    string       `json:"priority,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment is a file attached to a message. Content is base64-encoded.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Content     string `json:"content"`
}

// SendResult records the transport outcome of a successful send.
type SendResult struct {
	SMTPMessageID string `json:"smtp_message_id,omitempty"`
	Response      string `json:"response,omitempty"`
}

// StatusHistoryEntry is the client-facing audit trail. A new entry exists
// only for actual business status transitions.
type StatusHistoryEntry struct {
	ID          int64           `json:"-"`
	MessageID   uuid.UUID       `json:"message_id"`
	Status      status.Business `json:"status"`
	Description string          `json:"description,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// QueueHistoryEntry is the operational audit trail, recorded for every
// queue event unconditionally.
type QueueHistoryEntry struct {
	ID          int64        `json:"-"`
	MessageID   uuid.UUID    `json:"message_id"`
	JobID       string       `json:"job_id"`
	Status      status.Queue `json:"status"`
	Description string       `json:"description,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// NewMessage is the input for creating one message within a transaction.
type NewMessage struct {
	Tag            string
	DelayTimestamp *int64
	Email          EmailContent
}

// Filter selects messages for FindMessages. All non-nil fields are
// AND-combined; every query is additionally scoped to the calling client.
type Filter struct {
	MessageID     *uuid.UUID
	Status        *status.Business
	Tag           *string
	TransactionID *uuid.UUID
}

// Client is a tenant credential record. The stored hash is the bcrypt hash
// of the API key secret.
type Client struct {
	Name       string    `json:"client"`
	APIKeyHash string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// StalledMessage identifies an accepted message whose scheduler job may
// have been lost in the commit-before-enqueue window.
type StalledMessage struct {
	MessageID      uuid.UUID
	Client         string
	JobID          string
	DelayTimestamp *int64
	CreatedAt      time.Time
}

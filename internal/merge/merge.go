package merge

import (
	"fmt"

	"github.com/sungwon/mail-dispatch/internal/storage"
)

// Template is a mail-merge submission: shared static fields, a subject and
// body pattern, and one rendering context per recipient.
type Template struct {
	From        string               `json:"from"`
	Subject     string               `json:"subject"`
	Body        string               `json:"body"`
	BodyType    string               `json:"body_type"`
	Encoding    string               `json:"encoding,omitempty"`
	Priority    string               `json:"priority,omitempty"`
	Attachments []storage.Attachment `json:"attachments,omitempty"`
	Dialect     string               `json:"dialect,omitempty"`
	Contexts    []Context            `json:"contexts"`
}

// Context is the per-recipient portion of a merge template.
type Context struct {
	To             []string       `json:"to"`
	Cc             []string       `json:"cc,omitempty"`
	Bcc            []string       `json:"bcc,omitempty"`
	Tag            string         `json:"tag,omitempty"`
	DelayTimestamp *int64         `json:"delay_timestamp,omitempty"`
	Context        map[string]any `json:"context"`
}

// Expand renders the template once per context and produces one fully
// independent message per context. The output length always equals the
// number of contexts; a render failure in any context fails the whole
// expansion (nothing is partially sent).
func Expand(t Template) ([]storage.NewMessage, error) {
	renderer, err := ForDialect(t.Dialect)
	if err != nil {
		return nil, err
	}

	messages := make([]storage.NewMessage, 0, len(t.Contexts))
	for i, c := range t.Contexts {
		subject, err := renderer.Render(t.Subject, c.Context)
		if err != nil {
			return nil, fmt.Errorf("render subject for context %d: %w", i, err)
		}
		body, err := renderer.Render(t.Body, c.Context)
		if err != nil {
			return nil, fmt.Errorf("render body for context %d: %w", i, err)
		}

		email := storage.EmailContent{
			From:        t.From,
			To:          append([]string(nil), c.To...),
			Cc:          append([]string(nil), c.Cc...),
			Bcc:         append([]string(nil), c.Bcc...),
			Subject:     subject,
			Body:        body,
			BodyType:    t.BodyType,
			Encoding:    t.Encoding,
			Priority:    t.Priority,
			Attachments: append([]storage.Attachment(nil), t.Attachments...),
		}

		messages = append(messages, storage.NewMessage{
			Tag:            c.Tag,
			DelayTimestamp: c.DelayTimestamp,
			Email:          email,
		})
	}

	return messages, nil
}

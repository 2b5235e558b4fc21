package mailer

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sungwon/mail-dispatch/internal/storage"
)

// Envelope is a fully assembled outbound message: the SMTP sender/recipient
// set plus the raw RFC 5322 payload.
type Envelope struct {
	From       string
	Recipients []string
	MessageID  string
	Raw        []byte
}

// BuildEnvelope assembles an Envelope from stored email content. The
// bodyType field is consumed here: the body becomes the text/html or
// text/plain part and bodyType itself is not carried on the wire.
// Bcc recipients appear in the SMTP envelope but never in the headers.
func BuildEnvelope(email *storage.EmailContent) (*Envelope, error) {
	if email == nil {
		return nil, fmt.Errorf("email content is nil")
	}
	if email.From == "" {
		return nil, fmt.Errorf("sender is required")
	}
	if len(email.To) == 0 {
		return nil, fmt.Errorf("at least one recipient is required")
	}

	messageID := fmt.Sprintf("<%s@mail-dispatch>", uuid.New().String())

	var buf bytes.Buffer
	writeHeader := func(k, v string) {
		fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
	}

	writeHeader("From", email.From)
	writeHeader("To", strings.Join(email.To, ", "))
	if len(email.Cc) > 0 {
		writeHeader("Cc", strings.Join(email.Cc, ", "))
	}
	writeHeader("Subject", mime.QEncoding.Encode("utf-8", email.Subject))
	writeHeader("Date", time.Now().UTC().Format(time.RFC1123Z))
	writeHeader("Message-ID", messageID)
	if email.Priority != "" {
		writeHeader("X-Priority", priorityHeader(email.Priority))
	}
	writeHeader("MIME-Version", "1.0")

	bodyContentType := "text/plain; charset=utf-8"
	if email.BodyType == "html" {
		bodyContentType = "text/html; charset=utf-8"
	}

	if len(email.Attachments) == 0 {
		writeHeader("Content-Type", bodyContentType)
		writeHeader("Content-Transfer-Encoding", "quoted-printable")
		buf.WriteString("\r\n")
		buf.WriteString(email.Body)
	} else {
		mw := multipart.NewWriter(&buf)
		writeHeader("Content-Type", "multipart/mixed; boundary="+mw.Boundary())
		buf.WriteString("\r\n")

		bodyPart, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type": {bodyContentType},
		})
		if err != nil {
			return nil, fmt.Errorf("create body part: %w", err)
		}
		if _, err := bodyPart.Write([]byte(email.Body)); err != nil {
			return nil, fmt.Errorf("write body part: %w", err)
		}

		for _, att := range email.Attachments {
			contentType := att.ContentType
			if contentType == "" {
				contentType = "application/octet-stream"
			}
			part, err := mw.CreatePart(textproto.MIMEHeader{
				"Content-Type":              {contentType},
				"Content-Transfer-Encoding": {"base64"},
				"Content-Disposition":       {fmt.Sprintf("attachment; filename=%q", att.Filename)},
			})
			if err != nil {
				return nil, fmt.Errorf("create attachment part: %w", err)
			}
			// Attachment content is stored base64-encoded already; validate
			// and re-wrap at 76 columns.
			decoded, err := base64.StdEncoding.DecodeString(att.Content)
			if err != nil {
				return nil, fmt.Errorf("decode attachment %q: %w", att.Filename, err)
			}
			if _, err := part.Write(wrapBase64(decoded)); err != nil {
				return nil, fmt.Errorf("write attachment part: %w", err)
			}
		}

		if err := mw.Close(); err != nil {
			return nil, fmt.Errorf("close multipart writer: %w", err)
		}
	}

	recipients := make([]string, 0, len(email.To)+len(email.Cc)+len(email.Bcc))
	recipients = append(recipients, email.To...)
	recipients = append(recipients, email.Cc...)
	recipients = append(recipients, email.Bcc...)

	return &Envelope{
		From:       email.From,
		Recipients: recipients,
		MessageID:  messageID,
		Raw:        buf.Bytes(),
	}, nil
}

// priorityHeader maps the stored priority value onto X-Priority.
func priorityHeader(priority string) string {
	switch priority {
	case "high":
		return "1"
	case "low":
		return "5"
	default:
		return "3"
	}
}

// wrapBase64 encodes data and folds the output at 76 columns per RFC 2045.
func wrapBase64(data []byte) []byte {
	encoded := base64.StdEncoding.EncodeToString(data)
	var buf bytes.Buffer
	for len(encoded) > 76 {
		buf.WriteString(encoded[:76])
		buf.WriteString("\r\n")
		encoded = encoded[76:]
	}
	buf.WriteString(encoded)
	return buf.Bytes()
}

package mailer

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sungwon/mail-dispatch/internal/storage"
)

// EtherealConfig points at a throwaway dev-mode SMTP endpoint whose web UI
// can render sent messages by id.
type EtherealConfig struct {
	Host           string
	Port           int
	Username       string
	Password       string
	PreviewBaseURL string
}

// EtherealSender sends synchronously through a dev SMTP endpoint and
// returns a preview link instead of persisting anything. Used for testing;
// bypasses the store and the scheduler entirely.
type EtherealSender struct {
	transport Transport
	baseURL   string
}

// NewEtherealSender creates an EtherealSender for the dev endpoint.
func NewEtherealSender(cfg EtherealConfig, log zerolog.Logger) *EtherealSender {
	return &EtherealSender{
		transport: NewSMTPSender(Config{
			Host:     cfg.Host,
			Port:     cfg.Port,
			Username: cfg.Username,
			Password: cfg.Password,
			StartTLS: true,
		}, log),
		baseURL: strings.TrimSuffix(cfg.PreviewBaseURL, "/"),
	}
}

// Send delivers the message and returns the preview URL.
func (e *EtherealSender) Send(ctx context.Context, email *storage.EmailContent) (string, error) {
	result, err := e.transport.Send(ctx, email)
	if err != nil {
		return "", err
	}

	id := strings.Trim(result.SMTPMessageID, "<>")
	return fmt.Sprintf("%s/message/%s", e.baseURL, id), nil
}

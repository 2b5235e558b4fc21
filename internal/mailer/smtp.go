package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/rs/zerolog"

	"github.com/sungwon/mail-dispatch/internal/storage"
)

// Transport sends an assembled email and reports the transport result.
type Transport interface {
	Send(ctx context.Context, email *storage.EmailContent) (*storage.SendResult, error)
}

// Config holds SMTP relay connection settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	StartTLS bool
}

// SMTPSender delivers messages through an SMTP relay, optionally upgrading
// the connection with STARTTLS and authenticating with SASL PLAIN.
type SMTPSender struct {
	cfg Config
	log zerolog.Logger
}

// NewSMTPSender creates an SMTPSender for the given relay.
func NewSMTPSender(cfg Config, log zerolog.Logger) *SMTPSender {
	return &SMTPSender{cfg: cfg, log: log}
}

// Send builds the envelope and performs the SMTP transaction.
func (s *SMTPSender) Send(ctx context.Context, email *storage.EmailContent) (*storage.SendResult, error) {
	env, err := BuildEnvelope(email)
	if err != nil {
		return nil, fmt.Errorf("build envelope: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial smtp %s: %w", addr, err)
	}

	var c *smtp.Client
	if s.cfg.StartTLS {
		c, err = smtp.NewClientStartTLS(conn, &tls.Config{ServerName: s.cfg.Host})
		if err != nil {
			return nil, fmt.Errorf("starttls: %w", err)
		}
	} else {
		c = smtp.NewClient(conn)
	}
	defer c.Close()

	if s.cfg.Username != "" {
		auth := sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)
		if err := c.Auth(auth); err != nil {
			return nil, fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := c.SendMail(env.From, env.Recipients, bytes.NewReader(env.Raw)); err != nil {
		return nil, fmt.Errorf("smtp send: %w", err)
	}

	s.log.Debug().
		Str("smtp_message_id", env.MessageID).
		Int("recipients", len(env.Recipients)).
		Msg("message relayed")

	return &storage.SendResult{
		SMTPMessageID: env.MessageID,
		Response:      "accepted by relay",
	}, nil
}

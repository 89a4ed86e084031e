// Package smtprelay implements a Transport that relays forwarded messages to
// a mailbox through an SMTP submission server.
package smtprelay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/shineum/mail2chat/internal/transport"
	"github.com/shineum/mail2chat/internal/transport/mailrelay"
)

// Config holds the configuration for creating a Transport.
type Config struct {
	// Addr is the host:port of the submission server.
	Addr     string
	Username string
	Password string
	Sender   string
	// TLS selects implicit TLS (port 465 style). Otherwise STARTTLS is
	// used when the server offers it.
	TLS bool
}

// sendFunc matches smtp.SendMail and smtp.SendMailTLS.
type sendFunc func(addr string, a sasl.Client, from string, to []string, r io.Reader) error

// Transport composes each outbound item as an email and submits it.
type Transport struct {
	addr     string
	sender   string
	username string
	password string
	sendMail sendFunc
	now      func() time.Time
}

// New creates a new Transport with the given configuration.
func New(cfg Config) *Transport {
	send := smtp.SendMail
	if cfg.TLS {
		send = smtp.SendMailTLS
	}
	return &Transport{
		addr:     cfg.Addr,
		sender:   cfg.Sender,
		username: cfg.Username,
		password: cfg.Password,
		sendMail: send,
		now:      time.Now,
	}
}

// Name returns the transport name.
func (t *Transport) Name() string {
	return "smtp"
}

// SendText submits the text as a plain text email.
func (t *Transport) SendText(ctx context.Context, to, text string) error {
	raw, err := mailrelay.ComposeText(t.sender, to, text, t.now())
	if err != nil {
		return fmt.Errorf("failed to compose message: %w", err)
	}
	return t.submit(ctx, to, raw)
}

// SendMedia submits the staged file as an email attachment.
func (t *Transport) SendMedia(ctx context.Context, to string, m transport.Media) error {
	raw, err := mailrelay.ComposeMedia(t.sender, to, m, t.now())
	if err != nil {
		return fmt.Errorf("failed to compose message: %w", err)
	}
	return t.submit(ctx, to, raw)
}

func (t *Transport) submit(ctx context.Context, to string, raw []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth sasl.Client
	if t.username != "" || t.password != "" {
		auth = sasl.NewPlainClient("", t.username, t.password)
	}

	if err := t.sendMail(t.addr, auth, t.sender, []string{to}, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("SMTP relay to %s failed: %w", t.addr, err)
	}

	slog.Debug("relayed message via SMTP",
		"addr", t.addr,
		"to", to,
		"size", len(raw),
	)
	return nil
}

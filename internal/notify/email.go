package notify

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/smtp"
	"time"
)

// SMTPConfig holds the outbound mail server settings.
type SMTPConfig struct {
	Addr     string // host:port
	User     string
	Password string
	From     string
}

// sendFunc matches smtp.SendMail so tests can capture messages.
type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Email sends the alert to Alert.Recipient. Alerts without a recipient are
// skipped.
type Email struct {
	cfg  SMTPConfig
	send sendFunc
	now  func() time.Time
}

func NewEmail(cfg SMTPConfig) *Email {
	return &Email{cfg: cfg, send: smtp.SendMail, now: time.Now}
}

func (e *Email) Name() string { return "email" }

func (e *Email) Notify(ctx context.Context, a Alert) error {
	if a.Recipient == "" {
		return nil
	}

	var auth smtp.Auth
	if e.cfg.User != "" {
		host, _, err := net.SplitHostPort(e.cfg.Addr)
		if err != nil {
			return fmt.Errorf("smtp addr: %w", err)
		}
		auth = smtp.PlainAuth("", e.cfg.User, e.cfg.Password, host)
	}

	msg := e.message(a)

	// smtp.SendMail takes no context; run it aside so a hung server cannot
	// outlive the caller's deadline.
	done := make(chan error, 1)
	go func() {
		done <- e.send(e.cfg.Addr, auth, e.cfg.From, []string{a.Recipient}, msg)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Email) message(a Alert) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", e.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", a.Recipient)
	fmt.Fprintf(&b, "Subject: %s\r\n", a.Subject())
	fmt.Fprintf(&b, "Date: %s\r\n", e.now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(a.Body())
	return b.Bytes()
}

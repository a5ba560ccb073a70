package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"

	"github.com/ashureev/eventcast/internal/adapter"
	"github.com/ashureev/eventcast/internal/config"
)

// Sender delivers a message.
type Sender interface {
	Send(ctx context.Context, msg *Message) error
}

// SMTPSender delivers through an SMTP relay, upgrading to TLS when the
// server offers STARTTLS.
type SMTPSender struct {
	cfg config.SMTPConfig
}

// NewSMTPSender creates a sender for cfg.
func NewSMTPSender(cfg config.SMTPConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg}
}

// Send implements Sender.
func (s *SMTPSender) Send(ctx context.Context, msg *Message) error {
	raw, err := msg.Bytes()
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(2 * time.Minute))
	}

	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return smtpError("greeting", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: s.cfg.Host}); err != nil {
			return smtpError("starttls", err)
		}
	}
	if s.cfg.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)); err != nil {
			return smtpError("auth", err)
		}
	}
	if err := c.Mail(s.cfg.From); err != nil {
		return smtpError("mail from", err)
	}
	for _, rcpt := range msg.To {
		if err := c.Rcpt(rcpt); err != nil {
			return smtpError("rcpt "+rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return smtpError("data", err)
	}
	if _, err := w.Write(raw); err != nil {
		return smtpError("write body", err)
	}
	if err := w.Close(); err != nil {
		return smtpError("end data", err)
	}
	return c.Quit()
}

// smtpError maps SMTP reply codes: 4xx are transient, 535 is bad
// credentials, other 5xx are permanent rejections.
func smtpError(op string, err error) error {
	var tpErr *textproto.Error
	if !errors.As(err, &tpErr) {
		return fmt.Errorf("smtp %s: %w", op, err)
	}
	code := fmt.Sprintf("SMTP_%d", tpErr.Code)
	switch {
	case tpErr.Code == 535 || tpErr.Code == 530:
		return &adapter.Error{Kind: adapter.KindAuth, Code: code, Op: "smtp " + op, Err: err}
	case tpErr.Code >= 400 && tpErr.Code < 500:
		return &adapter.Error{Kind: adapter.KindRateLimited, Code: code, Op: "smtp " + op, Err: err}
	default:
		return &adapter.Error{Kind: adapter.KindRejected, Code: code, Op: "smtp " + op, Err: err}
	}
}

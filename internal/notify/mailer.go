// Package notify is the outbound notification channel. Dispatch is
// fire-and-forget from the auth core's perspective: a failed send never
// fails the flow that requested it.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"time"

	"github.com/sethvargo/go-retry"
)

type TemplateKind string

const (
	TemplateVerifyEmail   TemplateKind = "verify_email"
	TemplatePasswordReset TemplateKind = "password_reset"
	TemplateOTP           TemplateKind = "otp"
)

type Message struct {
	To       string
	Template TemplateKind
	// Payload carries template variables: token, code, link.
	Payload map[string]string
}

type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// Dispatcher sends asynchronously with bounded exponential retry and
// logs terminal failures instead of propagating them.
type Dispatcher struct {
	mailer     Mailer
	timeout    time.Duration
	maxRetries uint64
	logger     *slog.Logger
}

func NewDispatcher(mailer Mailer, timeout time.Duration, maxRetries uint64, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{mailer: mailer, timeout: timeout, maxRetries: maxRetries, logger: logger}
}

// Dispatch queues msg for delivery and returns immediately. The
// spawned attempt is detached from the request context on purpose: the
// caller's request finishing must not cancel the send.
func (d *Dispatcher) Dispatch(msg Message) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		backoff := retry.WithMaxRetries(d.maxRetries, retry.NewExponential(250*time.Millisecond))
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			if err := d.mailer.Send(ctx, msg); err != nil {
				return retry.RetryableError(err)
			}
			return nil
		})
		if err != nil {
			d.logger.Warn("notification dispatch failed",
				"template", string(msg.Template),
				"error", err.Error(),
			)
		}
	}()
}

// SMTPMailer delivers plain-text mail over SMTP.
type SMTPMailer struct {
	addr string
	from string
	auth smtp.Auth
}

func NewSMTPMailer(addr, from, username, password string) *SMTPMailer {
	var auth smtp.Auth
	if username != "" {
		host := addr
		for i := range addr {
			if addr[i] == ':' {
				host = addr[:i]
				break
			}
		}
		auth = smtp.PlainAuth("", username, password, host)
	}
	return &SMTPMailer{addr: addr, from: from, auth: auth}
}

func (m *SMTPMailer) Send(_ context.Context, msg Message) error {
	subject, body := render(msg)
	raw := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n", m.from, msg.To, subject, body)
	if err := smtp.SendMail(m.addr, m.auth, m.from, []string{msg.To}, []byte(raw)); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

func render(msg Message) (subject, body string) {
	switch msg.Template {
	case TemplateVerifyEmail:
		return "Verify your email", fmt.Sprintf("Follow this link to verify your address:\n%s\n", msg.Payload["link"])
	case TemplatePasswordReset:
		return "Reset your password", fmt.Sprintf("Follow this link to reset your password:\n%s\nThe link expires soon.\n", msg.Payload["link"])
	case TemplateOTP:
		return "Your one-time passcode", fmt.Sprintf("Your passcode is %s. It expires in a few minutes.\n", msg.Payload["code"])
	default:
		return "Notification", ""
	}
}

// LogMailer logs instead of sending; the dev and test default. The
// recipient's code/token is intentionally not logged.
type LogMailer struct {
	logger *slog.Logger
}

func NewLogMailer(logger *slog.Logger) *LogMailer { return &LogMailer{logger: logger} }

func (m *LogMailer) Send(_ context.Context, msg Message) error {
	m.logger.Info("mail (not sent, log driver)", "to", msg.To, "template", string(msg.Template))
	return nil
}

// Package notify delivers operator digests and end-user completion
// notices. Delivery is fire-and-forget: nothing here feeds back into the
// workflow state machines.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"

	"github.com/stor-ops/custodian/internal/config"
)

// Notifier sends one message to one recipient.
type Notifier interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMTPNotifier delivers mail over plain SMTP with a few short retries.
type SMTPNotifier struct {
	Host  string
	Port  int
	From  string
	Clock clock.Clock
	Log   *slog.Logger
}

// NewSMTPNotifier creates a notifier from the SMTP configuration.
func NewSMTPNotifier(cfg config.SMTP, log *slog.Logger) *SMTPNotifier {
	return &SMTPNotifier{Host: cfg.Host, Port: cfg.Port, From: cfg.From, Log: log}
}

// Send delivers one message, retrying transient SMTP failures.
func (n *SMTPNotifier) Send(ctx context.Context, to, subject, body string) error {
	addr := fmt.Sprintf("%s:%d", n.Host, n.Port)
	msg := []byte(fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		n.From, to, subject, body))

	err := retry.Call(retry.CallArgs{
		Func: func() error {
			return smtp.SendMail(addr, nil, n.From, []string{to}, msg)
		},
		NotifyFunc: func(err error, attempt int) {
			n.logger().Warn("mail delivery failed",
				slog.String("to", to),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		},
		Attempts: 3,
		Delay:    2 * time.Second,
		Clock:    n.clock(),
		Stop:     ctx.Done(),
	})
	if err != nil {
		return fmt.Errorf("sending mail to %s: %w", to, err)
	}
	return nil
}

func (n *SMTPNotifier) clock() clock.Clock {
	if n.Clock != nil {
		return n.Clock
	}
	return clock.WallClock
}

func (n *SMTPNotifier) logger() *slog.Logger {
	if n.Log != nil {
		return n.Log
	}
	return slog.Default()
}

// LogNotifier writes messages to the log instead of delivering them.
// Used in -dev mode and tests.
type LogNotifier struct {
	Log *slog.Logger
}

func (n *LogNotifier) Send(ctx context.Context, to, subject, body string) error {
	log := n.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("notification (not delivered)",
		slog.String("to", to),
		slog.String("subject", subject),
	)
	return nil
}

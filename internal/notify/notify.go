// Package notify delivers governance notifications (invitations and ownership-transfer
// events) to people. Delivery internals belong to the configured provider; the governance
// services only see the Notifier interface and treat it as a sink.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tenderdesk/orggov/internal/config"
	"github.com/tenderdesk/orggov/internal/telemetry"
)

// Kind identifies a notification template.
type Kind string

const (
	KindInvitation        Kind = "invitation"
	KindTransferRequested Kind = "transfer_requested"
	KindTransferInitiated Kind = "transfer_initiated"
	KindTransferAccepted  Kind = "transfer_accepted"
	KindTransferCancelled Kind = "transfer_cancelled"
	KindTransferExpired   Kind = "transfer_expired"
)

// Recipient is the addressee of a notification.
type Recipient struct {
	Email string
	Name  string
}

// Data carries template values. Keys used by the built-in templates are listed in templates.go.
type Data map[string]any

// Notifier sends one notification.
type Notifier interface {
	Send(ctx context.Context, to Recipient, kind Kind, data Data) error
}

// New builds the notifier selected by cfg.Provider, instrumented with delivery metrics.
func New(cfg *config.NotificationsConfig) (Notifier, error) {
	var n Notifier
	switch cfg.Provider {
	case "smtp":
		n = NewSMTPNotifier(cfg.SMTP)
	case "sendgrid":
		n = NewSendGridNotifier(cfg.SendGrid)
	case "log", "":
		n = NewLogNotifier(slog.Default())
	default:
		return nil, fmt.Errorf("unknown notification provider: %s", cfg.Provider)
	}
	return Instrument(n), nil
}

// Multi sends to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, to Recipient, kind Kind, data Data) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, to, kind, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes notifications to a slog.Logger instead of delivering them.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(ctx context.Context, to Recipient, kind Kind, data Data) error {
	msg, err := Render(kind, to, data)
	if err != nil {
		return err
	}
	n.logger.InfoContext(ctx, "notification",
		"kind", kind,
		"to", to.Email,
		"subject", msg.Subject)
	return nil
}

type instrumented struct {
	next Notifier
}

// Instrument counts every send in orggov_notifications_total.
func Instrument(n Notifier) Notifier {
	return instrumented{next: n}
}

func (i instrumented) Send(ctx context.Context, to Recipient, kind Kind, data Data) error {
	err := i.next.Send(ctx, to, kind, data)
	telemetry.NotificationsTotal.WithLabelValues(string(kind), telemetry.Outcome(err)).Inc()
	return err
}

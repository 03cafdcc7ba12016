package notification

import (
	"context"
	"errors"
	"log/slog"
)

const (
	// KindCredentialIssued is sent to an owner after a purchased key is committed.
	KindCredentialIssued = "credential_issued"
	// KindTopupDecided is sent to an owner when an admin approves or rejects a top-up.
	KindTopupDecided = "topup_decided"
	// KindTopupSubmitted is sent to admins when a top-up awaits review.
	KindTopupSubmitted = "topup_submitted"
)

// Message describes a notification payload. Destination is an owner id.
type Message struct {
	Kind        string
	Destination string
	Body        string
}

// Notifier delivers notifications to downstream systems.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier is a stub implementation that writes notifications to the logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier stub.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger. The body is omitted since
// it may carry a key.
func (n *LoggerNotifier) Send(_ context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("notification", "kind", message.Kind, "destination", message.Destination)
	return nil
}

// Fanout delivers to every notifier and joins their errors.
type Fanout []Notifier

// Send implements Notifier.
func (f Fanout) Send(ctx context.Context, message Message) error {
	var errs []error
	for _, n := range f {
		if n == nil {
			continue
		}
		if err := n.Send(ctx, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BestEffort sends message and logs a failure instead of returning it.
func BestEffort(ctx context.Context, n Notifier, logger *slog.Logger, message Message) {
	if n == nil {
		return
	}
	if err := n.Send(ctx, message); err != nil {
		logger.Warn("notification failed", slog.String("kind", message.Kind), slog.String("destination", message.Destination), slog.Any("error", err))
	}
}

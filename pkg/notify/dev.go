package notify

import (
	"context"
	"log/slog"
)

// DevNotifier logs notifications instead of delivering them. For local
// development and environments without Postmark credentials.
type DevNotifier struct {
	log *slog.Logger
}

// NewDevNotifier creates a log-only notifier.
func NewDevNotifier(log *slog.Logger) *DevNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &DevNotifier{log: log}
}

func (d *DevNotifier) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	attrs := []any{
		slog.String("kind", string(msg.Kind)),
		slog.String("recipient", msg.Recipient),
		slog.String("subject", subjectFor(msg)),
	}
	for k, v := range msg.Data {
		attrs = append(attrs, slog.String("data."+k, v))
	}
	d.log.InfoContext(ctx, "notification (dev)", attrs...)
	return nil
}

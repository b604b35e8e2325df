package notify

import (
	"context"
	"fmt"
)

// Kind identifies a lifecycle notification template.
type Kind string

const (
	KindPaymentFailed   Kind = "payment_failed"
	KindFinalWarning    Kind = "final_warning"
	KindDowngradeNotice Kind = "downgrade_notice"
	KindRenewalReminder Kind = "renewal_reminder"
	KindCancelConfirmed Kind = "cancel_confirmed"
	// KindSubscriptionRestored tells a customer their paid access came back,
	// e.g. reconciliation found the processor reporting active again.
	KindSubscriptionRestored Kind = "subscription_restored"
)

// Message is one lifecycle notification to a customer.
type Message struct {
	Kind      Kind
	Recipient string
	Subject   string
	// Data carries template variables, e.g. days remaining or period end.
	Data map[string]string
}

// Validate checks the message has enough to be delivered.
func (m Message) Validate() error {
	if m.Kind == "" {
		return fmt.Errorf("%w: kind is required", ErrInvalidMessage)
	}
	if m.Recipient == "" {
		return fmt.Errorf("%w: recipient is required", ErrInvalidMessage)
	}
	return nil
}

// Notifier delivers lifecycle notifications. Delivery is best-effort
// everywhere in the engine: a failed send never blocks or rolls back the
// state change that triggered it.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

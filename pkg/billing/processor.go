package billing

import (
	"context"
	"time"

	"github.com/talentkit/entitlement/pkg/entitlement"
)

// Processor defines the minimal billing processor surface the engine needs.
// The processor is an external collaborator invoked only through the circuit
// breaker; implementations wrap the provider SDK and normalize its quirks.
type Processor interface {
	// CreateSubscription initiates a subscription for the account. Providers
	// that work through hosted checkouts return a pending remote subscription
	// with a checkout URL; the authoritative row arrives later via webhook.
	CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*RemoteSubscription, error)

	// CancelSubscription cancels the remote subscription, immediately or at
	// the end of the current billing period.
	CancelSubscription(ctx context.Context, externalSubscriptionID string, immediate bool) error

	// GetSubscriptionStatus fetches the authoritative remote state.
	GetSubscriptionStatus(ctx context.Context, externalSubscriptionID string) (*RemoteSubscription, error)

	// VerifyWebhookSignature checks payload authenticity and timestamp
	// freshness. A verification failure is terminal, never retried.
	VerifyWebhookSignature(ctx context.Context, payload []byte, signature string) error

	// ParseEvent normalizes a verified webhook payload.
	ParseEvent(payload []byte) (*Event, error)
}

// CreateSubscriptionRequest carries what the processor needs to start billing.
type CreateSubscriptionRequest struct {
	AccountID  string // internal account ID, round-tripped through custom data
	Email      string
	PriceID    string
	SuccessURL string
}

// RemoteSubscription is the processor's authoritative view of a subscription.
type RemoteSubscription struct {
	ExternalSubscriptionID string
	ExternalCustomerID     string
	Status                 entitlement.Status
	PeriodStart            *time.Time
	PeriodEnd              *time.Time
	CancelAtPeriodEnd      bool
	CheckoutURL            string // set only on creation for hosted checkouts
}

// EventType is the normalized billing event type.
type EventType string

const (
	EventSubscriptionCreated  EventType = "subscription_created"
	EventSubscriptionUpdated  EventType = "subscription_updated"
	EventSubscriptionCanceled EventType = "subscription_canceled"
	EventPaymentSucceeded     EventType = "payment_succeeded"
	EventPaymentFailed        EventType = "payment_failed"
)

// Event is a normalized webhook event from the billing processor.
type Event struct {
	ExternalEventID        string
	Type                   EventType
	ProviderEvent          string
	ExternalSubscriptionID string
	ExternalCustomerID     string
	AccountID              string // internal account ID from custom data
	Status                 entitlement.Status
	PeriodStart            *time.Time
	PeriodEnd              *time.Time
	CancelAtPeriodEnd      bool
	OccurredAt             time.Time
	Raw                    map[string]any
}

package entitlement

import (
	"time"

	"github.com/google/uuid"
)

// Subscription mirrors the billing processor's subscription object.
// At most one live (non-terminal) row per account at any time; rows that
// reach a terminal status are historical and immutable.
type Subscription struct {
	ID                     uuid.UUID
	AccountID              uuid.UUID
	ExternalSubscriptionID string
	ExternalCustomerID     string
	Tier                   Tier
	Status                 Status
	PeriodStart            *time.Time
	PeriodEnd              *time.Time
	CancelAtPeriodEnd      bool
	CanceledAt             *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// IsActive reports whether this row is the account's live subscription.
func (s *Subscription) IsActive() bool {
	return s.Status == StatusActive
}

package entitlement

import (
	"time"

	"github.com/google/uuid"
)

// Tier is the subscription level an account is nominally on.
type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
)

// Status is the billing-processor-derived lifecycle state of a subscription.
type Status string

const (
	StatusActive            Status = "active"
	StatusPastDue           Status = "past_due"
	StatusUnpaid            Status = "unpaid"
	StatusCanceled          Status = "canceled"
	StatusIncomplete        Status = "incomplete"
	StatusIncompleteExpired Status = "incomplete_expired"
	StatusTrialing          Status = "trialing"
)

// IsTerminal reports whether the status allows re-entry only through a
// brand-new subscription row.
func (s Status) IsTerminal() bool {
	return s == StatusCanceled || s == StatusIncompleteExpired
}

// ImpliesNonPaying reports whether the remote status means the account
// should not retain paid-tier access.
func (s Status) ImpliesNonPaying() bool {
	switch s {
	case StatusCanceled, StatusUnpaid, StatusIncompleteExpired:
		return true
	default:
		return false
	}
}

// Account is the locally cached subscription/usage model for one customer.
// Owned exclusively by the entitlement store; mutated only by the
// subscription state machine and the usage meter.
type Account struct {
	ID                 uuid.UUID
	Email              string
	Tier               Tier
	Status             Status
	PeriodStart        *time.Time
	PeriodEnd          *time.Time
	CancelAtPeriodEnd  bool
	WeeklyUsageCount   int64
	WeeklyUsageResetAt time.Time
	LifetimeUsageCount int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Entitled reports whether the account currently has the right to use
// PRO-gated features: PRO tier, ACTIVE status, and an unexpired period.
func (a *Account) Entitled(now time.Time) bool {
	if a.Tier != TierPro || a.Status != StatusActive {
		return false
	}
	if a.PeriodEnd != nil && now.After(*a.PeriodEnd) {
		return false
	}
	return true
}

// PastDueFor returns how long the account has been past its period end.
// Returns zero when no period end is set or it has not passed.
func (a *Account) PastDueFor(now time.Time) time.Duration {
	if a.PeriodEnd == nil || !now.After(*a.PeriodEnd) {
		return 0
	}
	return now.Sub(*a.PeriodEnd)
}

package subscription_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/talentkit/entitlement/pkg/entitlement"
	"github.com/talentkit/entitlement/pkg/subscription"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		from entitlement.Status
		to   entitlement.Status
		want bool
	}{
		{"incomplete activates", entitlement.StatusIncomplete, entitlement.StatusActive, true},
		{"incomplete expires", entitlement.StatusIncomplete, entitlement.StatusIncompleteExpired, true},
		{"incomplete cannot skip to past_due", entitlement.StatusIncomplete, entitlement.StatusPastDue, false},
		{"trialing converts", entitlement.StatusTrialing, entitlement.StatusActive, true},
		{"active falls past_due", entitlement.StatusActive, entitlement.StatusPastDue, true},
		{"active cancels", entitlement.StatusActive, entitlement.StatusCanceled, true},
		{"active exhausts to unpaid", entitlement.StatusActive, entitlement.StatusUnpaid, true},
		{"past_due recovers", entitlement.StatusPastDue, entitlement.StatusActive, true},
		{"past_due exhausts", entitlement.StatusPastDue, entitlement.StatusUnpaid, true},
		{"unpaid recovers on payment", entitlement.StatusUnpaid, entitlement.StatusActive, true},
		{"canceled is terminal", entitlement.StatusCanceled, entitlement.StatusActive, false},
		{"incomplete_expired is terminal", entitlement.StatusIncompleteExpired, entitlement.StatusActive, false},
		{"self transition is idempotent", entitlement.StatusActive, entitlement.StatusActive, true},
		{"terminal self transition is idempotent", entitlement.StatusCanceled, entitlement.StatusCanceled, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, subscription.CanTransition(tt.from, tt.to))
		})
	}
}

func TestValidateTransition(t *testing.T) {
	t.Parallel()

	assert.NoError(t, subscription.ValidateTransition(entitlement.StatusActive, entitlement.StatusPastDue))

	err := subscription.ValidateTransition(entitlement.StatusCanceled, entitlement.StatusActive)
	assert.ErrorIs(t, err, subscription.ErrInvalidTransition)
}

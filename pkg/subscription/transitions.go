package subscription

import (
	"fmt"

	"github.com/talentkit/entitlement/pkg/entitlement"
)

// allowedTransitions is the subscription status machine. A status maps to the
// set of statuses it may move to; terminal statuses map to nothing and can
// only be left by creating a brand-new subscription row.
var allowedTransitions = map[entitlement.Status][]entitlement.Status{
	entitlement.StatusIncomplete: {
		entitlement.StatusActive,
		entitlement.StatusIncompleteExpired,
	},
	entitlement.StatusTrialing: {
		entitlement.StatusActive,
		entitlement.StatusPastDue,
		entitlement.StatusCanceled,
	},
	entitlement.StatusActive: {
		entitlement.StatusPastDue,
		entitlement.StatusCanceled,
		entitlement.StatusUnpaid,
	},
	entitlement.StatusPastDue: {
		entitlement.StatusActive,
		entitlement.StatusUnpaid,
		entitlement.StatusCanceled,
	},
	entitlement.StatusUnpaid: {
		entitlement.StatusActive,
		entitlement.StatusCanceled,
	},
	entitlement.StatusCanceled:          {},
	entitlement.StatusIncompleteExpired: {},
}

// CanTransition reports whether moving from one status to another is legal.
// Self-transitions are always allowed; webhooks redeliver and reconciliation
// re-applies the same state.
func CanTransition(from, to entitlement.Status) bool {
	if from == to {
		return true
	}
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition when the move is illegal.
func ValidateTransition(from, to entitlement.Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

package subscription

import "errors"

var (
	ErrInvalidTransition       = errors.New("invalid subscription status transition")
	ErrAlreadySubscribed       = errors.New("account already has an active subscription")
	ErrNoActiveSubscription    = errors.New("account has no active subscription")
	ErrCheckoutUnavailable     = errors.New("checkout could not be started")
	ErrSubscriptionRowImmutable = errors.New("terminal subscription row cannot be modified")
)

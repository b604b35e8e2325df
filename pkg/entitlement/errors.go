package entitlement

import "errors"

var (
	ErrAccountNotFound      = errors.New("account not found")
	ErrAccountAlreadyExists = errors.New("account already exists")

	ErrSubscriptionNotFound      = errors.New("subscription not found")
	ErrSubscriptionAlreadyExists = errors.New("subscription already exists")

	ErrWebhookEventNotFound      = errors.New("webhook event not found")
	ErrWebhookEventAlreadyExists = errors.New("webhook event already exists")
	ErrWebhookEventImmutable     = errors.New("webhook event is in a terminal state")
)

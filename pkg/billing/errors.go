package billing

import "errors"

var (
	ErrMissingAPIKey             = errors.New("billing processor API key is required")
	ErrMissingWebhookSecret      = errors.New("billing processor webhook secret is required")
	ErrInvalidEnvironment        = errors.New("invalid billing processor environment")
	ErrWebhookVerificationFailed = errors.New("webhook signature verification failed")
	ErrInvalidEventPayload       = errors.New("invalid billing event payload")
	ErrSubscriptionNotFound      = errors.New("remote subscription not found")
	ErrNoCheckoutURL             = errors.New("no checkout URL returned from processor")
)

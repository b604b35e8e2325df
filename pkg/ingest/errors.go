package ingest

import "errors"

var (
	ErrSignatureInvalid = errors.New("webhook signature rejected")
	ErrPayloadInvalid   = errors.New("webhook payload rejected")
	ErrDuplicateEvent   = errors.New("event already processed")
)

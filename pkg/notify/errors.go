package notify

import "errors"

var (
	ErrInvalidConfig  = errors.New("invalid notifier configuration")
	ErrInvalidMessage = errors.New("invalid notification message")
	ErrFailedToSend   = errors.New("failed to send notification")
)

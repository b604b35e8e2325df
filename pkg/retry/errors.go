package retry

import "errors"

var (
	ErrMaxAttemptsExceeded = errors.New("max retry attempts exceeded")
)

package core

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error categories. Every error crossing a component boundary belongs to
// exactly one of these; user-facing endpoints only ever observe
// PolicyDenied or a generic service_unavailable.
var (
	// ErrPolicyDenied marks user-actionable denials (402/429). Never retried.
	ErrPolicyDenied = errors.New("policy denied")

	// ErrValidation marks malformed input. Terminal, never retried.
	ErrValidation = errors.New("validation error")

	// ErrTransientDependency marks timeouts and connection failures that are
	// safe to retry up to the configured bound.
	ErrTransientDependency = errors.New("transient dependency error")

	// ErrConflict marks local/remote state divergence. Always resolved
	// deterministically by the reconciler, never surfaced to callers.
	ErrConflict = errors.New("state conflict")

	// ErrInternal marks unexpected failures. Logged; gate evaluation fails
	// open to ALLOW on this category.
	ErrInternal = errors.New("internal error")
)

// IsRetryable reports whether an error may succeed on a later attempt.
// Only transient dependency failures qualify; everything else is either
// terminal or resolved through other machinery.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientDependency)
}

// Transient wraps err as a transient dependency failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransientDependency, err)
}

// HTTPError represents an HTTP error with a status code and machine-readable key.
type HTTPError struct {
	Code int    // HTTP status code
	Key  string // Machine-readable error key (e.g., "subscription_required")
}

// Error implements the error interface.
func (e HTTPError) Error() string {
	return e.Key
}

// Boundary errors exposed by the engine's HTTP surfaces.
var (
	ErrBadRequest             = HTTPError{Code: http.StatusBadRequest, Key: "bad_request"}
	ErrAuthenticationRequired = HTTPError{Code: http.StatusUnauthorized, Key: "authentication_required"}
	ErrSubscriptionRequired   = HTTPError{Code: http.StatusPaymentRequired, Key: "subscription_required"}
	ErrUsageLimitExceeded     = HTTPError{Code: http.StatusTooManyRequests, Key: "usage_limit_exceeded"}
	ErrServiceUnavailable     = HTTPError{Code: http.StatusServiceUnavailable, Key: "service_unavailable"}
)

// NewHTTPError creates a custom HTTP error with the given status code and key.
func NewHTTPError(code int, key string) HTTPError {
	return HTTPError{Code: code, Key: key}
}

// RetryAfterError carries a retry-after hint alongside a service_unavailable
// response, emitted when a circuit is open and no fallback exists.
type RetryAfterError struct {
	RetryAfter time.Duration
}

func (e RetryAfterError) Error() string {
	return fmt.Sprintf("service unavailable, retry after %s", e.RetryAfter)
}

package usage

import "errors"

var (
	ErrFailedToLoadQuotas        = errors.New("failed to load usage quotas")
	ErrInvalidQuotaConfiguration = errors.New("invalid usage quota configuration")
	ErrUnknownFeature            = errors.New("unknown metered feature")
)

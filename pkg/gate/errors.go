package gate

import "errors"

var (
	ErrInvalidRule    = errors.New("invalid gate rule")
	ErrNoIdentity     = errors.New("no identity resolved")
	ErrUnknownAccount = errors.New("identity references unknown account")
)

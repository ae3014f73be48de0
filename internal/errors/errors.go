package errors

import "errors"

var (
	ErrInvalidEnvironment = errors.New("invalid environment: must be one of dev, test, prod")
	ErrStackNotFound      = errors.New("stack not found")
	ErrOutputMissing      = errors.New("stack output missing")
	ErrSecretNotFound     = errors.New("secret not found")
	ErrItemNotFound       = errors.New("item not found")
	ErrLockHeld           = errors.New("deploy lock held by another deployment")
	ErrDependencyCycle    = errors.New("descriptor contains a dependency cycle")
	ErrUnknownReference   = errors.New("descriptor references an unknown resource or parameter")
)

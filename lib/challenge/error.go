package challenge

import "errors"

var (
	ErrFailed           = errors.New("challenge: user failed challenge")
	ErrMissingField     = errors.New("challenge: missing field")
	ErrInvalidFormat    = errors.New("challenge: field has invalid format")
	ErrUnknownAlgorithm = errors.New("challenge: unknown algorithm")
	ErrBadDifficulty    = errors.New("challenge: difficulty out of range")
	ErrBadTTL           = errors.New("challenge: ttl must be positive")
	ErrNoStore          = errors.New("challenge: no store configured")

	errAlreadyConsumed = errors.New("challenge: already consumed")
	errExpired         = errors.New("challenge: expired")
)

package agent

import "errors"

// Turn failures. Callers classify with errors.Is; the wrapped cause is for logs only.
var (
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalidInput        = errors.New("invalid input")
	ErrProviderUnavailable = errors.New("completion provider unavailable")
	ErrStorageUnavailable  = errors.New("storage unavailable")
	ErrSessionNotFound     = errors.New("session not found")
)

package token

import "errors"

// Public, stable errors for callers.
var (
	ErrMissing   = errors.New("token missing")
	ErrMalformed = errors.New("token malformed")
	ErrNoSubject = errors.New("token has no numeric subject")
)

package directory

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized = errors.New("directory: unauthorized")
	ErrForbidden    = errors.New("directory: forbidden")
	ErrNotFound     = errors.New("directory: not found")
	ErrNoBaseURL    = errors.New("directory: empty base url")
)

// APIError is a non-2xx response, or a 2xx envelope with success=false, that
// has no dedicated sentinel.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("directory: http %d", e.Status)
	}
	return fmt.Sprintf("directory: http %d: %s", e.Status, e.Message)
}

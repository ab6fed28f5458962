package backend

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported download format")
	ErrEmptyID           = errors.New("empty id")
)

// APIError is a non-2xx response from the backend. Detail carries the
// server's {"detail": ...} message when present.
type APIError struct {
	Op         string
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: http %d: %s", e.Op, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("%s: http %d", e.Op, e.StatusCode)
}

// StatusCodeOf returns the HTTP status of an *APIError in err's chain, or 0.
func StatusCodeOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

package backend

import (
	"errors"
	"fmt"
	"net/http"
)

// HTTPError is a non-2xx backend response.
type HTTPError struct {
	StatusCode int
	Endpoint   string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s returned %d: %s", e.Endpoint, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s returned %d", e.Endpoint, e.StatusCode)
}

// IsNotFound reports whether err carries a 404 backend response.
func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}

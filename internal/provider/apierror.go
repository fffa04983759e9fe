package provider

import (
	"fmt"
	"io"
	"net/http"
)

// errorBodyLimit bounds how much of a failed upstream reply is kept.
const errorBodyLimit = 4 << 10

// APIError is a non-2xx reply from an upstream provider. Body is kept for
// logs only and must not reach callers.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Public is the caller-safe rendering: provider, status and reason phrase.
func (e *APIError) Public() string {
	return fmt.Sprintf("%s: HTTP %d %s", e.Provider, e.StatusCode, http.StatusText(e.StatusCode))
}

func (e *APIError) HTTPStatus() int { return e.StatusCode }

// ParseAPIError drains the head of resp.Body into an *APIError.
func ParseAPIError(provider string, resp *http.Response) error {
	head, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	return &APIError{Provider: provider, StatusCode: resp.StatusCode, Body: string(head)}
}

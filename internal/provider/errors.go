package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrRateLimited marks an upstream rate-limit signal. The router treats it as
// recoverable when a fallback provider is configured; everything else is fatal
// for the request.
var ErrRateLimited = errors.New("provider: rate limited")

// APIError is a non-2xx response from a provider API.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

// Unwrap maps rate-limit statuses onto ErrRateLimited so callers can use
// errors.Is. 529 is Anthropic's "overloaded" status.
func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == 529 {
		return ErrRateLimited
	}
	return nil
}

// IsRateLimited reports whether err carries an upstream rate-limit signal.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

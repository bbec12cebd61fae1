package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
)

// APIError is a non-2xx response from the remote API.
type APIError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote API error: %s - %s", e.Status, e.Body)
}

// IsTransient reports whether an operation that failed with err is worth
// retrying: transport failures, rate limiting and server-side errors are
// transient; everything else (auth failures, validation rejections,
// cancelled contexts) is permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// url.Error wraps transport-level failures such as connection refused.
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

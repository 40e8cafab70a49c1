package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// StatusError reports a non-success HTTP status from the provider. The body
// preview is kept for diagnostics; it is not parsed further.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream: http %d", e.Status)
	}
	return fmt.Sprintf("upstream: http %d: %s", e.Status, e.Body)
}

// IsAuthError reports whether err is an authentication/authorization failure
// from the provider. Such failures are terminal and must never be retried.
func IsAuthError(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status == http.StatusUnauthorized || se.Status == http.StatusForbidden
	}
	return false
}

// IsRetryable reports whether err is a connection-level or server-side
// failure worth retrying. 5xx and 429 statuses qualify; any other non-status
// error (reset, timeout, refused connection) is treated as connection-level.
// Context cancellation is never retryable: the caller gave up.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status >= 500 || se.Status == http.StatusTooManyRequests
	}
	return true
}

package remote

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/and161185/bibsync/internal/errs"
)

// APIError is a non-2xx response from the remote API.
type APIError struct {
	Status     int
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if strings.TrimSpace(e.Message) != "" {
		return fmt.Sprintf("remote %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("remote status %d", e.Status)
}

// Unwrap maps the HTTP status to the error taxonomy.
func (e *APIError) Unwrap() error {
	switch {
	case e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden:
		return errs.ErrAuthInvalid
	case e.Status == http.StatusTooManyRequests:
		return errs.ErrRateLimited
	case e.Status == http.StatusServiceUnavailable && e.RetryAfter > 0:
		return errs.ErrRateLimited
	case e.Status == http.StatusPreconditionFailed:
		return errs.ErrPreconditionFailed
	case e.Status == http.StatusNotFound:
		return errs.ErrResourceMissing
	case e.Status >= 500:
		return errs.ErrNetwork
	case e.Status >= 400:
		return errs.ErrValidation
	}
	return nil
}

// parseSeconds reads a Retry-After or Backoff header given in whole seconds.
func parseSeconds(v string) time.Duration {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

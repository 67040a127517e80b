package ledgerx

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrAuth marks rejected or missing credentials.
	ErrAuth = errors.New("ledgerx: authentication failed")
	// ErrTransport marks requests that never produced a response.
	ErrTransport = errors.New("ledgerx: transport error")
)

// HTTPError represents a non-2xx response from the LedgerX REST API.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	reason := statusReason(e.StatusCode)
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("%s %s: status %d (%s)", e.Method, e.Path, e.StatusCode, reason)
	}
	return fmt.Sprintf("%s %s: status %d (%s): %s", e.Method, e.Path, e.StatusCode, reason, body)
}

// Unwrap lets errors.Is(err, ErrAuth) match 401 and 403 responses.
func (e *HTTPError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden {
		return ErrAuth
	}
	return nil
}

func statusReason(code int) string {
	switch code {
	case http.StatusBadRequest:
		return "bad request"
	case http.StatusUnauthorized:
		return "bad credentials"
	case http.StatusForbidden:
		return "authentication required"
	case http.StatusNotFound:
		return "bad url"
	case http.StatusTooManyRequests:
		return "rate limited"
	default:
		return strings.ToLower(http.StatusText(code))
	}
}

func retryAfterFromHeader(h http.Header) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d > 0 {
			return d
		}
	}
	return 0
}

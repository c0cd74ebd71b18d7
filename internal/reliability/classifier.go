package reliability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// HTTPStatusError is returned by provider clients for non-2xx responses.
type HTTPStatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200]
	}
	if body == "" {
		return fmt.Sprintf("%s returned status %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s returned status %d: %s", e.Provider, e.StatusCode, body)
}

// StatusCoder is implemented by third-party SDK errors that carry an HTTP status.
type StatusCoder interface {
	error
	HTTPStatus() int
}

// IsRetryableHTTPStatus classifies transient HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// Classify maps a provider error to a stable metric label.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}

	status := 0
	var httpErr *HTTPStatusError
	var coder StatusCoder
	switch {
	case errors.As(err, &httpErr):
		status = httpErr.StatusCode
	case errors.As(err, &coder):
		status = coder.HTTPStatus()
	}
	switch {
	case status == 429:
		return "rate_limited"
	case status >= 500:
		return "upstream_5xx"
	case status >= 400:
		return "upstream_4xx"
	}
	return "transport"
}

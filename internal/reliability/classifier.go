package reliability

import (
	"context"
	"errors"
	"net"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

type retryableError interface {
	IsRetryable() bool
}

// Retryable reports whether an external-call failure is worth retrying.
// Errors carrying their own classification win; timeouts and cancelled
// deadlines are transient by nature.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var re retryableError
	if errors.As(err, &re) {
		return re.IsRetryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

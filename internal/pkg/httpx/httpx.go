package httpx

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPStatusCoder is implemented by provider errors that carry the upstream status.
type HTTPStatusCoder interface {
	HTTPStatusCode() int
}

// RetryAfterer is implemented by provider errors that carry a server-suggested delay.
type RetryAfterer interface {
	RetryAfter() time.Duration
}

func IsRetryableHTTPStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return true
	}
	return code >= 500 && code <= 599
}

// IsRetryableError reports whether err is worth another attempt. Caller
// cancellation is not retryable; a per-call deadline is.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var sc HTTPStatusCoder
	if errors.As(err, &sc) {
		return IsRetryableHTTPStatus(sc.HTTPStatusCode())
	}
	return false
}

// RetryAfter parses a delta-seconds Retry-After header, capped at max.
func RetryAfter(resp *http.Response, max time.Duration) time.Duration {
	if resp == nil {
		return 0
	}
	ra := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if ra == "" {
		return 0
	}
	secs, err := strconv.Atoi(ra)
	if err != nil || secs <= 0 {
		return 0
	}
	d := time.Duration(secs) * time.Second
	if max > 0 && d > max {
		d = max
	}
	return d
}

package retry

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"github.com/teranos/harvest/errors"
)

// Kind classifies a transfer failure.
type Kind string

const (
	// KindTransient covers timeouts, connection resets and 5xx answers. Retried with backoff.
	KindTransient Kind = "transient"
	// KindRateLimited is a 429. The source is cooled down; the attempt does not count against the retry budget.
	KindRateLimited Kind = "rate_limited"
	// KindSourceUnavailable means the source's breaker refused the request.
	KindSourceUnavailable Kind = "source_unavailable"
	// KindDuplicate is not a failure; the bytes were already known.
	KindDuplicate Kind = "duplicate"
	// KindValidation means the content was incomplete or rejected.
	KindValidation Kind = "validation"
	// KindFatal covers other 4xx answers, malformed or blocked URLs, and local write errors.
	KindFatal Kind = "fatal"
	// KindCancelled means the caller gave up.
	KindCancelled Kind = "cancelled"
)

// HTTPStatusError is an unexpected response status from a source.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	// RetryAfter is the server-requested pause; zero when the header was absent.
	RetryAfter time.Duration
}

func (e *HTTPStatusError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: HTTP %d %s (retry after %s)", e.URL, e.StatusCode, http.StatusText(e.StatusCode), e.RetryAfter)
	}
	return fmt.Sprintf("%s: HTTP %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// ValidationError reports content that failed validation.
// Retryable is set for short streams, where the prefix is kept and a ranged retry can complete it.
type ValidationError struct {
	Reason    string
	Retryable bool
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

// Classify maps an error onto a Kind. Unknown errors are fatal.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, errors.ErrSourceUnavailable) {
		return KindSourceUnavailable
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests:
			return KindRateLimited
		case statusErr.StatusCode == http.StatusRequestTimeout:
			return KindTransient
		case statusErr.StatusCode >= 500:
			return KindTransient
		default:
			return KindFatal
		}
	}

	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return KindValidation
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Op == "parse" {
		return KindFatal
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) {
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindTransient
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindTransient
	}

	return KindFatal
}

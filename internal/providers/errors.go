package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// RetryClass says how the caller should treat a failed request.
type RetryClass int

const (
	// ClassRetryable covers transient failures: 429, 5xx, connection drops.
	ClassRetryable RetryClass = iota
	// ClassFatal covers failures retrying cannot fix: auth, bad request,
	// and any error after the response body has started arriving.
	ClassFatal
	// ClassModelUnavailable means the requested model does not exist or is
	// not served. The generation loop retries once with the backend default.
	ClassModelUnavailable
)

func (c RetryClass) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassModelUnavailable:
		return "model_unavailable"
	default:
		return "fatal"
	}
}

// RequestError is a non-2xx provider response.
type RequestError struct {
	Provider   string
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: http %d: %s", e.Provider, e.Status, truncateBody(e.Body))
}

// Class maps the response to a retry class.
func (e *RequestError) Class() RetryClass {
	switch {
	case e.Status == 429 || e.Status >= 500:
		return ClassRetryable
	case e.Status == 404:
		return ClassModelUnavailable
	case e.Status == 400 && mentionsUnknownModel(e.Body):
		return ClassModelUnavailable
	default:
		return ClassFatal
	}
}

func mentionsUnknownModel(body string) bool {
	b := strings.ToLower(body)
	if !strings.Contains(b, "model") {
		return false
	}
	for _, phrase := range []string{"not found", "does not exist", "unknown model", "invalid model", "decommissioned"} {
		if strings.Contains(b, phrase) {
			return true
		}
	}
	return false
}

func truncateBody(s string) string {
	if len(s) > 300 {
		return s[:300] + "..."
	}
	return s
}

// Fatal marks err as non-retryable regardless of its surface shape. Used for
// failures after the response body has begun, where a retry would double the
// side effects.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err}
}

type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Classify assigns a retry class to any error from a Complete call.
func Classify(err error) RetryClass {
	if err == nil {
		return ClassFatal
	}
	var fe *fatalError
	if errors.As(err, &fe) {
		return ClassFatal
	}
	var re *RequestError
	if errors.As(err, &re) {
		return re.Class()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassFatal
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ClassRetryable
	}
	// Dial and reset failures wrap through *url.Error into *net.OpError.
	if strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset") ||
		strings.Contains(err.Error(), "EOF") {
		return ClassRetryable
	}
	return ClassFatal
}

// ParseRetryAfter reads a Retry-After header value (seconds form only).
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

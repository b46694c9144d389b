package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies provider errors so callers can pick a user notice.
type ErrorKind int

const (
	ErrorRetryable  ErrorKind = iota // generic transient 5xx
	ErrorRateLimit                   // 429
	ErrorOverloaded                  // 529 or "overloaded" in body
	ErrorTimeout                     // request timeout / deadline exceeded
	ErrorAuth                        // 401, 403
	ErrorBilling                     // 402 or quota exhausted
	ErrorContext                     // context_length_exceeded
	ErrorBadRequest                  // 400
	ErrorFatal                       // everything else
)

// String returns a short label for the kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrorRetryable:
		return "retryable"
	case ErrorRateLimit:
		return "rate_limit"
	case ErrorOverloaded:
		return "overloaded"
	case ErrorTimeout:
		return "timeout"
	case ErrorAuth:
		return "auth"
	case ErrorBilling:
		return "billing"
	case ErrorContext:
		return "context"
	case ErrorBadRequest:
		return "bad_request"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Transient reports whether trying again later may succeed.
func (k ErrorKind) Transient() bool {
	return k == ErrorRetryable || k == ErrorRateLimit || k == ErrorOverloaded || k == ErrorTimeout
}

// Error is a classified provider error.
type Error struct {
	Kind          ErrorKind
	StatusCode    int
	Body          string
	RetryAfterSec int
	Op            string
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("llm %s: %s: %s", e.Op, e.Kind, truncate(e.Body, 200))
	}
	return fmt.Sprintf("llm %s: API returned %d (%s): %s", e.Op, e.StatusCode, e.Kind, truncate(e.Body, 200))
}

// KindOf extracts the ErrorKind from err. Deadline errors count as timeouts;
// anything unclassified is fatal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTimeout
	}
	return ErrorFatal
}

// classifyAPIError determines the error kind from status code and body.
func classifyAPIError(statusCode int, body string) ErrorKind {
	bodyLower := strings.ToLower(body)

	if strings.Contains(bodyLower, "context_length_exceeded") ||
		strings.Contains(bodyLower, "maximum context length") {
		return ErrorContext
	}

	if statusCode == 402 ||
		strings.Contains(bodyLower, "billing") ||
		strings.Contains(bodyLower, "insufficient_quota") ||
		strings.Contains(bodyLower, "payment required") {
		return ErrorBilling
	}

	if statusCode == 429 ||
		strings.Contains(bodyLower, "rate_limit") ||
		strings.Contains(bodyLower, "rate limit") ||
		strings.Contains(bodyLower, "too many requests") ||
		strings.Contains(bodyLower, "resource_exhausted") {
		return ErrorRateLimit
	}

	if statusCode == 529 ||
		strings.Contains(bodyLower, "overloaded") ||
		strings.Contains(bodyLower, "capacity") {
		return ErrorOverloaded
	}

	if statusCode == 408 || statusCode == 504 ||
		strings.Contains(bodyLower, "timeout") ||
		strings.Contains(bodyLower, "deadline") ||
		strings.Contains(bodyLower, "timed out") {
		return ErrorTimeout
	}

	switch statusCode {
	case 400:
		return ErrorBadRequest
	case 401, 403:
		return ErrorAuth
	default:
		if statusCode >= 500 {
			return ErrorRetryable
		}
		return ErrorFatal
	}
}

package upstream

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode labels a classified upstream failure.
type ErrorCode string

const (
	CodeRateLimit    ErrorCode = "RATE_LIMIT"
	CodeUnauthorized ErrorCode = "UNAUTHORIZED"
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeUpstream     ErrorCode = "UPSTREAM"
	CodeUnknown      ErrorCode = "UNKNOWN"
)

// HTTPStatusError is produced at the HTTP boundary whenever a provider answers
// outside the 2xx range.
type HTTPStatusError struct {
	Provider string
	Status   int
}

func (e *HTTPStatusError) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("%s: HTTP %d", e.Provider, e.Status)
}

// ClientError is the advisory classification attached to a propagated failure.
type ClientError struct {
	Code      ErrorCode
	Message   string
	Retriable bool
	cause     error
}

func (e *ClientError) Error() string {
	return e.Message
}

func (e *ClientError) Unwrap() error {
	return e.cause
}

type rateLimited interface {
	RateLimited() bool
}

// Classify maps err into the upstream error taxonomy. The message is prefixed
// with the calling context so log lines stay traceable.
func Classify(err error, context string) *ClientError {
	if err == nil {
		return newClientError(CodeUnknown, context, nil)
	}

	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return newClientError(clientErr.Code, context, err)
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return newClientError(codeForStatus(statusErr.Status), context, err)
	}

	var limited rateLimited
	if errors.As(err, &limited) && limited.RateLimited() {
		return newClientError(CodeRateLimit, context, err)
	}

	return newClientError(codeForMessage(err.Error()), context, err)
}

// ClassifyValue classifies an arbitrary recovered value. Anything that is not
// an error is UNKNOWN.
func ClassifyValue(value any, context string) *ClientError {
	if err, ok := value.(error); ok {
		return Classify(err, context)
	}
	return newClientError(CodeUnknown, context, nil)
}

func codeForStatus(status int) ErrorCode {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CodeUnauthorized
	case status == http.StatusNotFound:
		return CodeNotFound
	case status == http.StatusTooManyRequests:
		return CodeRateLimit
	default:
		return CodeUpstream
	}
}

// codeForMessage covers errors that never passed through the typed boundary.
func codeForMessage(message string) ErrorCode {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(message, "HTTP 401") || strings.Contains(message, "HTTP 403"):
		return CodeUnauthorized
	case strings.Contains(message, "HTTP 404") || strings.Contains(lower, "not found"):
		return CodeNotFound
	case strings.Contains(message, "HTTP 429") || strings.Contains(lower, "rate limit"):
		return CodeRateLimit
	case strings.Contains(message, "HTTP"):
		return CodeUpstream
	default:
		return CodeUnknown
	}
}

func newClientError(code ErrorCode, context string, cause error) *ClientError {
	var detail string
	retriable := false
	switch code {
	case CodeUnauthorized:
		detail = "unauthorized upstream request"
	case CodeNotFound:
		detail = "resource was not found"
	case CodeRateLimit:
		detail = "upstream rate limit reached"
		retriable = true
	case CodeUpstream:
		detail = "upstream request failed"
		retriable = true
	default:
		detail = "unexpected client error"
	}
	return &ClientError{
		Code:      code,
		Message:   fmt.Sprintf("%s: %s", context, detail),
		Retriable: retriable,
		cause:     cause,
	}
}

package engine

import (
	"context"
	"errors"
	"strings"
)

// ErrorClass groups completion errors for logging and failover decisions.
type ErrorClass string

const (
	ErrorClassAuth            ErrorClass = "AUTH"
	ErrorClassRateLimit       ErrorClass = "RATE_LIMIT"
	ErrorClassTimeout         ErrorClass = "TIMEOUT"
	ErrorClassBilling         ErrorClass = "BILLING"
	ErrorClassContextOverflow ErrorClass = "CONTEXT_OVERFLOW"
	// ErrorClassUnavailable covers 5xx responses and dropped connections.
	ErrorClassUnavailable ErrorClass = "UNAVAILABLE"
	// ErrorClassCanceled means the caller gave up; no provider is at fault.
	ErrorClassCanceled ErrorClass = "CANCELED"
	ErrorClassUnknown  ErrorClass = "UNKNOWN"
)

var classPatterns = []struct {
	class    ErrorClass
	patterns []string
}{
	{ErrorClassAuth, []string{"401", "unauthorized", "invalid key", "invalid api key", "api key not valid", "forbidden", "403"}},
	{ErrorClassRateLimit, []string{"429", "rate limit", "rate_limit", "quota", "too many requests", "resource_exhausted"}},
	{ErrorClassTimeout, []string{"deadline exceeded", "timeout", "timed out"}},
	{ErrorClassBilling, []string{"billing", "payment", "insufficient funds", "credit balance"}},
	{ErrorClassContextOverflow, []string{"context_length", "context length", "token limit", "max tokens", "maximum context", "context window", "prompt is too long"}},
	{ErrorClassUnavailable, []string{"500", "502", "503", "504", "unavailable", "overloaded", "connection refused", "connection reset", "eof"}},
}

// ClassifyError inspects an error for known provider failure patterns and
// returns the first matching class.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, context.Canceled) {
		return ErrorClassCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTimeout
	}
	msg := strings.ToLower(err.Error())
	for _, cp := range classPatterns {
		for _, p := range cp.patterns {
			if strings.Contains(msg, p) {
				return cp.class
			}
		}
	}
	return ErrorClassUnknown
}

// FailsOver reports whether another provider may succeed where this one
// failed. The same prompt overflows everywhere, and a cancelled caller is
// gone.
func (c ErrorClass) FailsOver() bool {
	switch c {
	case ErrorClassContextOverflow, ErrorClassCanceled:
		return false
	default:
		return true
	}
}

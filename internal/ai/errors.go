package ai

import (
	"context"
	"errors"
	"strings"
)

// ErrEmptyResponse is returned when Gemini answers without any text.
var ErrEmptyResponse = errors.New("ai: gemini returned an empty response")

// FailureKind categorizes a failed attempt for logs and metrics.
// Every kind is handled the same way: rotate and retry.
type FailureKind string

const (
	FailAuth      FailureKind = "auth"      // 401/403, invalid or revoked key
	FailQuota     FailureKind = "quota"     // 429, RESOURCE_EXHAUSTED
	FailTimeout   FailureKind = "timeout"   // context deadline exceeded
	FailServer    FailureKind = "server"    // 5xx from Gemini
	FailMalformed FailureKind = "malformed" // empty or blocked response
	FailNetwork   FailureKind = "network"   // dial/connection errors
	FailUnknown   FailureKind = "unknown"
)

// ClassifyError inspects an attempt error and returns its FailureKind.
func ClassifyError(err error) FailureKind {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return FailTimeout
	case errors.Is(err, ErrEmptyResponse):
		return FailMalformed
	}

	raw := err.Error()
	switch {
	case containsAny(raw, "error 429", "status 429", "resource_exhausted", "quota", "rate limit"):
		return FailQuota
	case containsAny(raw, "error 401", "error 403", "status 401", "status 403",
		"api_key_invalid", "api key not valid", "permission_denied", "unauthenticated"):
		return FailAuth
	case containsAny(raw, "error 500", "error 502", "error 503", "error 504",
		"status 5", "internal", "unavailable"):
		return FailServer
	case containsAny(raw, "deadline exceeded", "timeout"):
		return FailTimeout
	case containsAny(raw, "connection refused", "no such host", "connection reset", "eof", "dial tcp"):
		return FailNetwork
	case containsAny(raw, "blocked", "no candidates", "unmarshal", "invalid character"):
		return FailMalformed
	default:
		return FailUnknown
	}
}

func containsAny(s string, patterns ...string) bool {
	lower := strings.ToLower(s)
	for _, p := range patterns {
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

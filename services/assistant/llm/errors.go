package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrorKind classifies every failure an adapter can surface. No raw HTTP
// status codes or vendor error shapes escape the adapter boundary; callers
// branch on the kind alone.
type ErrorKind int

const (
	// ErrUnknown is the zero value; adapters never return it deliberately.
	ErrUnknown ErrorKind = iota

	// ErrNotConfigured means no API key is loaded for the adapter.
	ErrNotConfigured

	// ErrInvalidAPIKey means the provider rejected the credential.
	ErrInvalidAPIKey

	// ErrRateLimited means the provider throttled the request. RetryAfter
	// carries the upstream hint when one was provided.
	ErrRateLimited

	// ErrNetwork covers transport-level failures (DNS, reset, 5xx).
	ErrNetwork

	// ErrInvalidResponse means the provider answered with a body the
	// adapter could not interpret.
	ErrInvalidResponse

	// ErrContentBlocked means the provider refused to generate for this
	// input. Terminal for the request; retrying is pointless.
	ErrContentBlocked

	// ErrModelUnavailable means the requested model does not exist or does
	// not belong to the adapter's provider.
	ErrModelUnavailable

	// ErrQuotaExceeded means the account is out of credit or over its
	// usage cap.
	ErrQuotaExceeded

	// ErrTimeout means the request or stream exceeded its deadline.
	ErrTimeout
)

// String returns the stable name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrNotConfigured:
		return "not_configured"
	case ErrInvalidAPIKey:
		return "invalid_api_key"
	case ErrRateLimited:
		return "rate_limited"
	case ErrNetwork:
		return "network_error"
	case ErrInvalidResponse:
		return "invalid_response"
	case ErrContentBlocked:
		return "content_blocked"
	case ErrModelUnavailable:
		return "model_unavailable"
	case ErrQuotaExceeded:
		return "quota_exceeded"
	case ErrTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is the unified error surfaced by every adapter and the routing
// service.
type Error struct {
	// Kind is the taxonomy bucket.
	Kind ErrorKind

	// Provider is the adapter that produced the error.
	Provider Provider

	// Model is the model involved, when relevant.
	Model string

	// RetryAfter is the upstream retry hint for rate-limit errors.
	// Zero when the provider gave none.
	RetryAfter time.Duration

	// Detail is a short human-readable description.
	Detail string

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Provider))
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	if e.Model != "" {
		b.WriteString(" (model ")
		b.WriteString(e.Model)
		b.WriteString(")")
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the taxonomy kind from any error. Returns ErrUnknown for
// errors that did not originate in an adapter.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// newError builds an adapter error.
func newError(provider Provider, kind ErrorKind, detail string) *Error {
	return &Error{Kind: kind, Provider: provider, Detail: detail}
}

// wrapError builds an adapter error around an underlying cause.
func wrapError(provider Provider, kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Err: err}
}

// classifyStatus maps a non-2xx HTTP response to the shared taxonomy.
// Trigger codes differ per vendor; the vendor-specific quirks (such as
// Gemini reporting bad keys as 400) are handled by the callers before
// falling back here.
func classifyStatus(provider Provider, status int, body []byte, header http.Header) *Error {
	detail := snippet(body)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Kind: ErrInvalidAPIKey, Provider: provider, Detail: detail}
	case status == http.StatusTooManyRequests:
		if strings.Contains(strings.ToLower(detail), "quota") ||
			strings.Contains(detail, "insufficient_quota") {
			return &Error{Kind: ErrQuotaExceeded, Provider: provider, Detail: detail}
		}
		return &Error{
			Kind:       ErrRateLimited,
			Provider:   provider,
			RetryAfter: retryAfterHint(header),
			Detail:     detail,
		}
	case status == http.StatusPaymentRequired:
		return &Error{Kind: ErrQuotaExceeded, Provider: provider, Detail: detail}
	case status == http.StatusNotFound:
		return &Error{Kind: ErrModelUnavailable, Provider: provider, Detail: detail}
	case status >= 500:
		return &Error{
			Kind:     ErrNetwork,
			Provider: provider,
			Detail:   fmt.Sprintf("upstream status %d: %s", status, detail),
		}
	default:
		return &Error{
			Kind:     ErrInvalidResponse,
			Provider: provider,
			Detail:   fmt.Sprintf("unexpected status %d: %s", status, detail),
		}
	}
}

// retryAfterHint parses the retry-after header as delay seconds.
func retryAfterHint(header http.Header) time.Duration {
	if header == nil {
		return 0
	}
	raw := header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// snippet trims an error body for logs and error details.
func snippet(body []byte) string {
	const maxLen = 300
	s := strings.TrimSpace(string(body))
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}

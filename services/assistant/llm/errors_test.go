package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   int
		body     string
		header   http.Header
		wantKind ErrorKind
	}{
		{"unauthorized", http.StatusUnauthorized, "nope", nil, ErrInvalidAPIKey},
		{"forbidden", http.StatusForbidden, "nope", nil, ErrInvalidAPIKey},
		{"too many requests", http.StatusTooManyRequests, "slow down", nil, ErrRateLimited},
		{"quota in 429 body", http.StatusTooManyRequests, "insufficient_quota", nil, ErrQuotaExceeded},
		{"payment required", http.StatusPaymentRequired, "", nil, ErrQuotaExceeded},
		{"not found", http.StatusNotFound, "", nil, ErrModelUnavailable},
		{"bad gateway", http.StatusBadGateway, "", nil, ErrNetwork},
		{"teapot", http.StatusTeapot, "", nil, ErrInvalidResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := classifyStatus(ProviderAnthropic, tt.status, []byte(tt.body), tt.header)
			if e.Kind != tt.wantKind {
				t.Errorf("kind = %s, want %s", e.Kind, tt.wantKind)
			}
		})
	}
}

func TestRetryAfterHint(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Set("Retry-After", "30")
	e := classifyStatus(ProviderOpenAI, http.StatusTooManyRequests, nil, h)
	if e.RetryAfter != 30*time.Second {
		t.Errorf("retry after = %v, want 30s", e.RetryAfter)
	}

	h.Set("Retry-After", "not-a-number")
	e = classifyStatus(ProviderOpenAI, http.StatusTooManyRequests, nil, h)
	if e.RetryAfter != 0 {
		t.Errorf("retry after = %v, want 0 for unparseable header", e.RetryAfter)
	}
}

func TestErrorUnwrapAndKind(t *testing.T) {
	t.Parallel()

	cause := fmt.Errorf("connection refused")
	err := wrapError(ProviderGemini, ErrNetwork, cause)
	wrapped := fmt.Errorf("calling provider: %w", err)

	if !IsKind(wrapped, ErrNetwork) {
		t.Error("kind lost through wrapping")
	}
	if KindOf(wrapped) != ErrNetwork {
		t.Errorf("KindOf = %s, want %s", KindOf(wrapped), ErrNetwork)
	}
	if !errors.Is(wrapped, cause) {
		t.Error("underlying cause lost through wrapping")
	}
	if KindOf(fmt.Errorf("plain")) != ErrUnknown {
		t.Error("plain error should map to ErrUnknown")
	}
}

func TestErrorString(t *testing.T) {
	t.Parallel()

	e := &Error{
		Kind:     ErrModelUnavailable,
		Provider: ProviderOpenAI,
		Model:    "gpt-4o",
		Detail:   "does not exist",
	}
	got := e.Error()
	for _, want := range []string{"openai", "model_unavailable", "gpt-4o", "does not exist"} {
		if !strings.Contains(got, want) {
			t.Errorf("error string %q missing %q", got, want)
		}
	}
}

func TestSnippetTruncates(t *testing.T) {
	t.Parallel()

	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'a'
	}
	s := snippet(long)
	if len(s) != 303 {
		t.Errorf("snippet length = %d, want 300 plus ellipsis", len(s))
	}
}

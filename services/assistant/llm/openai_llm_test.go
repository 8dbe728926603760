package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testOpenAIAdapter(url string) *OpenAIAdapter {
	o := NewOpenAIAdapter()
	o.baseURL = url + "/v1"
	o.Configure("sk-original")
	return o
}

func TestOpenAIGenerate(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-original" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("path = %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		fmt.Fprint(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"model": "gpt-4o-mini",
			"choices": [{
				"index": 0,
				"message": {"role": "assistant", "content": "Hi there"},
				"finish_reason": "stop"
			}],
			"usage": {"prompt_tokens": 9, "completion_tokens": 2, "total_tokens": 11}
		}`)
	}))
	defer server.Close()

	o := testOpenAIAdapter(server.URL)
	resp, err := o.Generate(context.Background(), &Request{
		Prompt:       "hi",
		SystemPrompt: "be friendly",
		MaxTokens:    32,
	}, cheapestModel(ProviderOpenAI))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if resp.Content != "Hi there" {
		t.Errorf("content = %q, want %q", resp.Content, "Hi there")
	}
	if resp.FinishReason != FinishComplete {
		t.Errorf("finish reason = %s, want %s", resp.FinishReason, FinishComplete)
	}
	if resp.Usage == nil || resp.Usage.InputTokens != 9 || resp.Usage.OutputTokens != 2 {
		t.Errorf("usage = %+v, want 9/2", resp.Usage)
	}

	// System prompt rides as a synthetic leading message.
	messages, ok := gotBody["messages"].([]any)
	if !ok || len(messages) != 2 {
		t.Fatalf("messages = %v, want system + user", gotBody["messages"])
	}
	first := messages[0].(map[string]any)
	if first["role"] != "system" || first["content"] != "be friendly" {
		t.Errorf("leading message = %v, want system prompt", first)
	}
}

func TestOpenAIFinishReasons(t *testing.T) {
	t.Parallel()

	tests := []struct {
		reason string
		want   FinishReason
	}{
		{"stop", FinishComplete},
		{"length", FinishMaxTokens},
	}
	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprintf(w, `{"choices":[{"message":{"role":"assistant","content":"x"},"finish_reason":%q}],"usage":{}}`, tt.reason)
			}))
			defer server.Close()

			o := testOpenAIAdapter(server.URL)
			resp, err := o.Generate(context.Background(), &Request{Prompt: "hi"}, cheapestModel(ProviderOpenAI))
			if err != nil {
				t.Fatalf("Generate: %v", err)
			}
			if resp.FinishReason != tt.want {
				t.Errorf("finish reason = %s, want %s", resp.FinishReason, tt.want)
			}
		})
	}
}

func TestOpenAIErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   int
		body     string
		wantKind ErrorKind
	}{
		{
			name:     "invalid key",
			status:   http.StatusUnauthorized,
			body:     `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error","code":"invalid_api_key"}}`,
			wantKind: ErrInvalidAPIKey,
		},
		{
			name:     "rate limited",
			status:   http.StatusTooManyRequests,
			body:     `{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`,
			wantKind: ErrRateLimited,
		},
		{
			name:     "out of quota",
			status:   http.StatusTooManyRequests,
			body:     `{"error":{"message":"You exceeded your current quota","type":"insufficient_quota","code":"insufficient_quota"}}`,
			wantKind: ErrQuotaExceeded,
		},
		{
			name:     "unknown model",
			status:   http.StatusNotFound,
			body:     `{"error":{"message":"The model does not exist","type":"invalid_request_error","code":"model_not_found"}}`,
			wantKind: ErrModelUnavailable,
		},
		{
			name:     "server error",
			status:   http.StatusInternalServerError,
			body:     `{"error":{"message":"The server had an error","type":"server_error"}}`,
			wantKind: ErrNetwork,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer server.Close()

			o := testOpenAIAdapter(server.URL)
			_, err := o.Generate(context.Background(), &Request{Prompt: "hi"}, cheapestModel(ProviderOpenAI))
			if err == nil {
				t.Fatal("expected error")
			}
			if !IsKind(err, tt.wantKind) {
				t.Errorf("kind = %s, want %s (err: %v)", KindOf(err), tt.wantKind, err)
			}
		})
	}
}

func TestOpenAIRetryAfterHint(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`)
	}))
	defer server.Close()

	o := testOpenAIAdapter(server.URL)
	_, err := o.Generate(context.Background(), &Request{Prompt: "hi"}, cheapestModel(ProviderOpenAI))
	if err == nil {
		t.Fatal("expected error")
	}

	var pe *Error
	if !errors.As(err, &pe) {
		t.Fatalf("error %v is not an adapter error", err)
	}
	if pe.Kind != ErrRateLimited {
		t.Fatalf("kind = %s, want %s", pe.Kind, ErrRateLimited)
	}
	if pe.RetryAfter != 30*time.Second {
		t.Errorf("retry after = %v, want 30s", pe.RetryAfter)
	}
}

func TestOpenAINotConfigured(t *testing.T) {
	t.Parallel()

	o := NewOpenAIAdapter()
	_, err := o.Generate(context.Background(), &Request{Prompt: "hi"}, cheapestModel(ProviderOpenAI))
	if !IsKind(err, ErrNotConfigured) {
		t.Errorf("kind = %s, want %s", KindOf(err), ErrNotConfigured)
	}
}

func TestOpenAIRejectsForeignModel(t *testing.T) {
	t.Parallel()

	o := NewOpenAIAdapter()
	o.Configure("sk-test")
	_, err := o.Generate(context.Background(), &Request{Prompt: "hi"}, cheapestModel(ProviderGemini))
	if !IsKind(err, ErrModelUnavailable) {
		t.Errorf("kind = %s, want %s", KindOf(err), ErrModelUnavailable)
	}
}

func TestOpenAIStream(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"id":"chatcmpl-1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"alpha "}}]}`,
			`{"id":"chatcmpl-1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"beta "}}]}`,
			`{"id":"chatcmpl-1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"gamma"}}]}`,
		}
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer server.Close()

	o := testOpenAIAdapter(server.URL)

	var got strings.Builder
	done := false
	err := o.GenerateStream(context.Background(), &Request{Prompt: "go"}, cheapestModel(ProviderOpenAI), func(ev StreamEvent) error {
		switch ev.Type {
		case StreamEventToken:
			if done {
				t.Error("token after done event")
			}
			got.WriteString(ev.Content)
		case StreamEventDone:
			done = true
		case StreamEventError:
			t.Errorf("unexpected stream error: %s", ev.Error)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	if got.String() != "alpha beta gamma" {
		t.Errorf("assembled = %q, want %q", got.String(), "alpha beta gamma")
	}
	if !done {
		t.Error("missing done event")
	}
}

func TestOpenAIValidateAPIKeyRestoresOriginal(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-original" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error","code":"invalid_api_key"}}`)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}],"usage":{}}`)
	}))
	defer server.Close()

	o := testOpenAIAdapter(server.URL)

	valid, err := o.ValidateAPIKey(context.Background(), "sk-candidate")
	if err != nil {
		t.Fatalf("ValidateAPIKey: %v", err)
	}
	if valid {
		t.Error("rejected key reported valid")
	}
	if _, err := o.Generate(context.Background(), &Request{Prompt: "hi"}, cheapestModel(ProviderOpenAI)); err != nil {
		t.Fatalf("Generate after validation: %v", err)
	}
}

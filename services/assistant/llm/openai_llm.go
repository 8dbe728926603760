package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// OpenAIAdapter wraps the OpenAI Chat Completions API through the
// go-openai client.
type OpenAIAdapter struct {
	mu      sync.RWMutex
	client  *openai.Client
	baseURL string

	// httpClient is shared by every client this adapter builds. Its
	// transport records Retry-After headers, which the go-openai error
	// types do not surface.
	httpClient *http.Client
	retryHints *retryAfterRecorder
}

// NewOpenAIAdapter creates an adapter with no key loaded.
func NewOpenAIAdapter() *OpenAIAdapter {
	hc := newHTTPClient()
	recorder := &retryAfterRecorder{base: hc.Transport}
	hc.Transport = recorder
	return &OpenAIAdapter{httpClient: hc, retryHints: recorder}
}

// newClient builds a go-openai client for the given key on the adapter's
// shared transport.
func (o *OpenAIAdapter) newClient(apiKey string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	cfg.HTTPClient = o.httpClient
	if o.baseURL != "" {
		cfg.BaseURL = o.baseURL
	}
	return openai.NewClientWithConfig(cfg)
}

// retryAfterRecorder captures the Retry-After header of the most recent
// 429 response. openai.APIError carries no response headers, so the hint
// has to be taken off the wire before the client discards it.
type retryAfterRecorder struct {
	base http.RoundTripper

	mu   sync.Mutex
	hint time.Duration
}

func (r *retryAfterRecorder) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := r.base.RoundTrip(req)
	if err == nil && resp.StatusCode == http.StatusTooManyRequests {
		r.mu.Lock()
		r.hint = retryAfterHint(resp.Header)
		r.mu.Unlock()
	}
	return resp, err
}

// take returns the recorded hint and clears it.
func (r *retryAfterRecorder) take() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	hint := r.hint
	r.hint = 0
	return hint
}

// classifyError maps a go-openai error to the taxonomy, attaching the
// recorded Retry-After hint to rate-limit errors.
func (o *OpenAIAdapter) classifyError(err error) *Error {
	apiErr := classifyOpenAIError(err)
	if apiErr.Kind == ErrRateLimited {
		apiErr.RetryAfter = o.retryHints.take()
	}
	return apiErr
}

// Provider implements Adapter.
func (o *OpenAIAdapter) Provider() Provider { return ProviderOpenAI }

// Configure implements Adapter. The go-openai client binds the key at
// construction, so a new key means a new client.
func (o *OpenAIAdapter) Configure(apiKey string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if apiKey == "" {
		o.client = nil
		return
	}
	o.client = o.newClient(apiKey)
}

// IsConfigured implements Adapter.
func (o *OpenAIAdapter) IsConfigured() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.client != nil
}

// Models implements Adapter.
func (o *OpenAIAdapter) Models() []Model { return ModelsFor(ProviderOpenAI) }

func (o *OpenAIAdapter) current() *openai.Client {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.client
}

// Generate implements Adapter.
func (o *OpenAIAdapter) Generate(ctx context.Context, req *Request, model Model) (*Response, error) {
	ctx, span := tracer.Start(ctx, "OpenAIAdapter.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", model.ID))

	client := o.current()
	if client == nil {
		return nil, newError(ProviderOpenAI, ErrNotConfigured, "no API key loaded")
	}
	if err := checkModel(ProviderOpenAI, model); err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := client.CreateChatCompletion(ctx, openaiChatRequest(req, model, false))
	if err != nil {
		apiErr := o.classifyError(err)
		span.RecordError(apiErr)
		span.SetStatus(codes.Error, apiErr.Error())
		return nil, apiErr
	}

	if len(resp.Choices) == 0 {
		return nil, newError(ProviderOpenAI, ErrInvalidResponse, "no choices in response")
	}
	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonContentFilter && choice.Message.Content == "" {
		return nil, newError(ProviderOpenAI, ErrContentBlocked, "response filtered by provider")
	}

	content := choice.Message.Content
	if req.Format == FormatJSON {
		content = StripCodeFences(content)
	}

	return &Response{
		Content: content,
		Model:   resp.Model,
		Usage: &Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
		FinishReason: openaiFinishReason(choice.FinishReason),
		Duration:     time.Since(start),
	}, nil
}

// GenerateStream implements Adapter.
func (o *OpenAIAdapter) GenerateStream(ctx context.Context, req *Request, model Model, cb StreamCallback) error {
	ctx, span := tracer.Start(ctx, "OpenAIAdapter.GenerateStream")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", model.ID))

	client := o.current()
	if client == nil {
		return newError(ProviderOpenAI, ErrNotConfigured, "no API key loaded")
	}
	if err := checkModel(ProviderOpenAI, model); err != nil {
		return err
	}

	stream, err := client.CreateChatCompletionStream(ctx, openaiChatRequest(req, model, true))
	if err != nil {
		apiErr := o.classifyError(err)
		span.RecordError(apiErr)
		span.SetStatus(codes.Error, apiErr.Error())
		return apiErr
	}
	defer stream.Close()

	cfg := DefaultStreamConfig()
	cfg.StripFences = req.Format == FormatJSON
	emitter := newStreamEmitter(cfg, cb)

	for {
		if err := ctx.Err(); err != nil {
			return classifyTransport(ProviderOpenAI, err)
		}
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return emitter.emitDone()
		}
		if err != nil {
			apiErr := o.classifyError(err)
			_ = emitter.emitError(apiErr.Error())
			return apiErr
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if err := emitter.emitText(ctx, chunk.Choices[0].Delta.Content); err != nil {
			return fmt.Errorf("stream callback: %w", err)
		}
		if chunk.Choices[0].FinishReason == openai.FinishReasonStop {
			return emitter.emitDone()
		}
	}
}

// ValidateAPIKey implements Adapter. A candidate client is built for the
// probe and the previous client is restored afterward.
func (o *OpenAIAdapter) ValidateAPIKey(ctx context.Context, key string) (bool, error) {
	o.mu.Lock()
	previous := o.client
	o.client = o.newClient(key)
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.client = previous
		o.mu.Unlock()
	}()

	req := &Request{Prompt: validationPrompt, MaxTokens: 8}
	_, err := o.Generate(ctx, req, cheapestModel(ProviderOpenAI))
	if err != nil {
		if IsKind(err, ErrInvalidAPIKey) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// openaiChatRequest translates the uniform request into the go-openai
// shape. Images ride as data-URL parts on a multi-content user message.
func openaiChatRequest(req *Request, model Model, stream bool) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:  model.ID,
		Stream: stream,
	}
	if req.SystemPrompt != "" {
		out.Messages = append(out.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}

	if len(req.Images) > 0 {
		parts := make([]openai.ChatMessagePart, 0, len(req.Images)+1)
		for _, img := range req.Images {
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL: fmt.Sprintf("data:%s;base64,%s",
						detectImageMediaType(img), base64.StdEncoding.EncodeToString(img)),
				},
			})
		}
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeText,
			Text: req.Prompt,
		})
		out.Messages = append(out.Messages, openai.ChatCompletionMessage{
			Role:         openai.ChatMessageRoleUser,
			MultiContent: parts,
		})
	} else {
		out.Messages = append(out.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: req.Prompt,
		})
	}

	if req.Temperature > 0 {
		out.Temperature = req.Temperature
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	if req.Format == FormatJSON {
		out.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	return out
}

// classifyOpenAIError maps a go-openai error to the taxonomy. API errors
// carry an HTTP status and a vendor code; anything else is a transport
// failure.
func classifyOpenAIError(err error) *Error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		detail := apiErr.Message
		if code, ok := apiErr.Code.(string); ok && code == "insufficient_quota" {
			return newError(ProviderOpenAI, ErrQuotaExceeded, detail)
		}
		switch apiErr.HTTPStatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return newError(ProviderOpenAI, ErrInvalidAPIKey, detail)
		case http.StatusTooManyRequests:
			return newError(ProviderOpenAI, ErrRateLimited, detail)
		case http.StatusNotFound:
			return newError(ProviderOpenAI, ErrModelUnavailable, detail)
		default:
			if apiErr.HTTPStatusCode >= 500 {
				return newError(ProviderOpenAI, ErrNetwork, detail)
			}
			return newError(ProviderOpenAI, ErrInvalidResponse, detail)
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		e := classifyStatus(ProviderOpenAI, reqErr.HTTPStatusCode, nil, nil)
		e.Err = reqErr
		return e
	}
	return classifyTransport(ProviderOpenAI, err)
}

// openaiFinishReason normalizes the vendor finish reason.
func openaiFinishReason(reason openai.FinishReason) FinishReason {
	switch reason {
	case openai.FinishReasonLength:
		return FinishMaxTokens
	case openai.FinishReasonContentFilter:
		return FinishContentFilter
	default:
		return FinishComplete
	}
}

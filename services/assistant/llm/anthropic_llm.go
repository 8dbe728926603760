package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	anthropicAPIVersion     = "2023-06-01"
	anthropicDefaultBaseURL = "https://api.anthropic.com/v1/messages"
)

// --- Wire format ---

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"` // Top-level system prompt
	MaxTokens int                `json:"max_tokens"`

	Temperature *float32 `json:"temperature,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicContentBlock struct {
	Type   string                `json:"type"`
	Text   string                `json:"text,omitempty"`
	Source *anthropicImageSource `json:"source,omitempty"`
}

type anthropicImageSource struct {
	Type      string `json:"type"` // Must be "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Role       string             `json:"role"`
	Model      string             `json:"model"`
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      *anthropicUsage    `json:"usage,omitempty"`
	Error      *anthropicError    `json:"error,omitempty"`
}

type anthropicContent struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	Thinking string `json:"thinking,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// anthropicStreamEvent is the union of the SSE event payloads the stream
// loop cares about: content_block_delta carries text, message_delta
// carries the stop reason, error carries an in-stream failure.
type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage *anthropicUsage `json:"usage,omitempty"`
	Error *anthropicError `json:"error,omitempty"`
}

// --- Adapter ---

// AnthropicAdapter wraps the Anthropic Messages API.
type AnthropicAdapter struct {
	httpClient *http.Client
	baseURL    string
	keys       keyHolder
	streamCfg  StreamConfig
}

// NewAnthropicAdapter creates an adapter with no key loaded. The key is
// injected later via Configure, normally from the secret store.
func NewAnthropicAdapter() *AnthropicAdapter {
	return &AnthropicAdapter{
		httpClient: newHTTPClient(),
		baseURL:    anthropicDefaultBaseURL,
		streamCfg:  DefaultStreamConfig(),
	}
}

// Provider implements Adapter.
func (a *AnthropicAdapter) Provider() Provider { return ProviderAnthropic }

// Configure implements Adapter.
func (a *AnthropicAdapter) Configure(apiKey string) { a.keys.set(apiKey) }

// IsConfigured implements Adapter.
func (a *AnthropicAdapter) IsConfigured() bool { return a.keys.configured() }

// Models implements Adapter.
func (a *AnthropicAdapter) Models() []Model { return ModelsFor(ProviderAnthropic) }

// Generate implements Adapter.
func (a *AnthropicAdapter) Generate(ctx context.Context, req *Request, model Model) (*Response, error) {
	ctx, span := tracer.Start(ctx, "AnthropicAdapter.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", model.ID))

	start := time.Now()
	resp, body, err := a.roundTrip(ctx, req, model, false)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := a.classifyError(resp.StatusCode, body, resp.Header)
		span.RecordError(apiErr)
		span.SetStatus(codes.Error, apiErr.Error())
		return nil, apiErr
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, wrapError(ProviderAnthropic, ErrInvalidResponse, err)
	}
	if apiResp.Error != nil {
		return nil, newError(ProviderAnthropic, ErrInvalidResponse,
			fmt.Sprintf("%s: %s", apiResp.Error.Type, apiResp.Error.Message))
	}

	// Text blocks only; thinking blocks are skipped.
	var text strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, newError(ProviderAnthropic, ErrInvalidResponse, "no text block in response content")
	}

	content := text.String()
	if req.Format == FormatJSON {
		content = StripCodeFences(content)
	}

	out := &Response{
		Content:      content,
		Model:        apiResp.Model,
		FinishReason: anthropicFinishReason(apiResp.StopReason),
		Duration:     time.Since(start),
	}
	if apiResp.Usage != nil {
		out.Usage = &Usage{
			InputTokens:  apiResp.Usage.InputTokens,
			OutputTokens: apiResp.Usage.OutputTokens,
		}
	}
	return out, nil
}

// GenerateStream implements Adapter.
//
// The Messages API streams SSE events; text arrives in
// content_block_delta events and the stream ends at message_stop. A
// literal [DONE] data payload is also honored as an end marker.
func (a *AnthropicAdapter) GenerateStream(ctx context.Context, req *Request, model Model, cb StreamCallback) error {
	ctx, span := tracer.Start(ctx, "AnthropicAdapter.GenerateStream")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", model.ID))

	resp, body, err := a.roundTrip(ctx, req, model, true)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return a.classifyError(resp.StatusCode, body, resp.Header)
	}

	cfg := a.streamCfg
	cfg.StripFences = req.Format == FormatJSON
	emitter := newStreamEmitter(cfg, cb)
	scanner := newSSEScanner(resp.Body)

	for {
		if err := ctx.Err(); err != nil {
			// Closing the body tears down the connection; no further
			// fragments are delivered.
			return classifyTransport(ProviderAnthropic, err)
		}
		event, data, err := scanner.next()
		if err == io.EOF {
			return emitter.emitDone()
		}
		if err != nil {
			return classifyTransport(ProviderAnthropic, err)
		}
		if data == sseDone || event == "message_stop" {
			return emitter.emitDone()
		}

		var chunk anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			slog.Warn("Skipping malformed Anthropic stream event", "error", err)
			continue
		}
		switch chunk.Type {
		case "content_block_delta":
			if chunk.Delta.Type == "text_delta" || chunk.Delta.Text != "" {
				if err := emitter.emitText(ctx, chunk.Delta.Text); err != nil {
					return fmt.Errorf("stream callback: %w", err)
				}
			}
		case "message_stop":
			return emitter.emitDone()
		case "error":
			msg := "stream error"
			if chunk.Error != nil {
				msg = chunk.Error.Message
			}
			_ = emitter.emitError(msg)
			return newError(ProviderAnthropic, ErrInvalidResponse, msg)
		}
		// message_start, content_block_start/stop, ping: nothing to emit.
	}
}

// ValidateAPIKey implements Adapter.
func (a *AnthropicAdapter) ValidateAPIKey(ctx context.Context, key string) (bool, error) {
	return validateWithGenerate(ctx, a, &a.keys, key, cheapestModel(ProviderAnthropic))
}

// roundTrip builds and sends the HTTP request. For non-streaming calls the
// response body is fully read and returned; for streaming calls the body
// is returned open unless the status was non-2xx.
func (a *AnthropicAdapter) roundTrip(ctx context.Context, req *Request, model Model, stream bool) (*http.Response, []byte, error) {
	if !a.keys.configured() {
		return nil, nil, newError(ProviderAnthropic, ErrNotConfigured, "no API key loaded")
	}
	if err := checkModel(ProviderAnthropic, model); err != nil {
		return nil, nil, err
	}

	payload := anthropicRequest{
		Model:     model.ID,
		Messages:  []anthropicMessage{{Role: "user", Content: anthropicBlocks(req)}},
		System:    req.SystemPrompt,
		MaxTokens: req.MaxTokens,
		Stream:    stream,
	}
	if payload.MaxTokens <= 0 {
		payload.MaxTokens = 1024
	}
	if req.Temperature > 0 {
		temp := req.Temperature
		payload.Temperature = &temp
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, wrapError(ProviderAnthropic, ErrInvalidResponse, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, nil, wrapError(ProviderAnthropic, ErrNetwork, err)
	}
	httpReq.Header.Set("x-api-key", a.keys.get())
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)
	httpReq.Header.Set("content-type", "application/json")
	if stream {
		httpReq.Header.Set("accept", "text/event-stream")
	}

	slog.Debug("Sending request to Anthropic", "model", model.ID, "stream", stream)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, nil, classifyTransport(ProviderAnthropic, err)
	}

	if stream && resp.StatusCode == http.StatusOK {
		return resp, nil, nil
	}
	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, nil, classifyTransport(ProviderAnthropic, err)
	}
	return resp, respBody, nil
}

// classifyError maps an Anthropic error response to the taxonomy. The
// typed error body is consulted first; generic status mapping is the
// fallback.
func (a *AnthropicAdapter) classifyError(status int, body []byte, header http.Header) *Error {
	var apiResp anthropicResponse
	if err := json.Unmarshal(body, &apiResp); err == nil && apiResp.Error != nil {
		switch apiResp.Error.Type {
		case "authentication_error":
			return newError(ProviderAnthropic, ErrInvalidAPIKey, apiResp.Error.Message)
		case "not_found_error":
			return newError(ProviderAnthropic, ErrModelUnavailable, apiResp.Error.Message)
		case "overloaded_error":
			return newError(ProviderAnthropic, ErrNetwork, apiResp.Error.Message)
		}
	}
	return classifyStatus(ProviderAnthropic, status, body, header)
}

// anthropicBlocks assembles the content array for the user message:
// image blocks first, then the text prompt.
func anthropicBlocks(req *Request) []anthropicContentBlock {
	blocks := make([]anthropicContentBlock, 0, len(req.Images)+1)
	for _, img := range req.Images {
		blocks = append(blocks, anthropicContentBlock{
			Type: "image",
			Source: &anthropicImageSource{
				Type:      "base64",
				MediaType: detectImageMediaType(img),
				Data:      base64.StdEncoding.EncodeToString(img),
			},
		})
	}
	blocks = append(blocks, anthropicContentBlock{Type: "text", Text: req.Prompt})
	return blocks
}

// anthropicFinishReason normalizes the vendor stop reason.
func anthropicFinishReason(reason string) FinishReason {
	switch reason {
	case "max_tokens":
		return FinishMaxTokens
	case "refusal":
		return FinishContentFilter
	default:
		return FinishComplete
	}
}

// detectImageMediaType sniffs the media type from magic bytes, defaulting
// to PNG (the format screen captures arrive in).
func detectImageMediaType(data []byte) string {
	switch {
	case len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return "image/jpeg"
	case len(data) >= 6 && string(data[:6]) == "GIF87a",
		len(data) >= 6 && string(data[:6]) == "GIF89a":
		return "image/gif"
	case len(data) >= 12 && string(data[8:12]) == "WEBP":
		return "image/webp"
	default:
		return "image/png"
	}
}

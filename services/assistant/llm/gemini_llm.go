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

const geminiDefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// --- Wire format ---

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiGenerationConfig struct {
	Temperature      *float32 `json:"temperature,omitempty"`
	MaxOutputTokens  int      `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string   `json:"responseMimeType,omitempty"`
}

type geminiResponse struct {
	Candidates     []geminiCandidate     `json:"candidates"`
	PromptFeedback *geminiPromptFeedback `json:"promptFeedback,omitempty"`
	UsageMetadata  *geminiUsage          `json:"usageMetadata,omitempty"`
	Error          *geminiError          `json:"error,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiPromptFeedback struct {
	BlockReason string `json:"blockReason"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// --- Adapter ---

// GeminiAdapter wraps the Gemini generateContent API.
type GeminiAdapter struct {
	httpClient *http.Client
	baseURL    string
	keys       keyHolder
	streamCfg  StreamConfig
}

// NewGeminiAdapter creates an adapter with no key loaded.
func NewGeminiAdapter() *GeminiAdapter {
	return &GeminiAdapter{
		httpClient: newHTTPClient(),
		baseURL:    geminiDefaultBaseURL,
		streamCfg:  DefaultStreamConfig(),
	}
}

// Provider implements Adapter.
func (g *GeminiAdapter) Provider() Provider { return ProviderGemini }

// Configure implements Adapter.
func (g *GeminiAdapter) Configure(apiKey string) { g.keys.set(apiKey) }

// IsConfigured implements Adapter.
func (g *GeminiAdapter) IsConfigured() bool { return g.keys.configured() }

// Models implements Adapter.
func (g *GeminiAdapter) Models() []Model { return ModelsFor(ProviderGemini) }

// Generate implements Adapter.
func (g *GeminiAdapter) Generate(ctx context.Context, req *Request, model Model) (*Response, error) {
	ctx, span := tracer.Start(ctx, "GeminiAdapter.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", model.ID))

	start := time.Now()
	resp, body, err := g.roundTrip(ctx, req, model, false)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := g.classifyError(resp.StatusCode, body, resp.Header)
		span.RecordError(apiErr)
		span.SetStatus(codes.Error, apiErr.Error())
		return nil, apiErr
	}

	var apiResp geminiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, wrapError(ProviderGemini, ErrInvalidResponse, err)
	}

	// A blocked prompt comes back as 200 with promptFeedback set and no
	// candidates.
	if apiResp.PromptFeedback != nil && apiResp.PromptFeedback.BlockReason != "" {
		return nil, newError(ProviderGemini, ErrContentBlocked,
			"prompt blocked: "+apiResp.PromptFeedback.BlockReason)
	}
	if len(apiResp.Candidates) == 0 {
		return nil, newError(ProviderGemini, ErrInvalidResponse, "no candidates in response")
	}
	candidate := apiResp.Candidates[0]
	if candidate.FinishReason == "SAFETY" {
		return nil, newError(ProviderGemini, ErrContentBlocked, "response blocked on safety grounds")
	}

	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		text.WriteString(part.Text)
	}
	content := text.String()
	if req.Format == FormatJSON {
		content = StripCodeFences(content)
	}

	out := &Response{
		Content:      content,
		Model:        model.ID,
		FinishReason: geminiFinishReason(candidate.FinishReason),
		Duration:     time.Since(start),
	}
	if apiResp.UsageMetadata != nil {
		out.Usage = &Usage{
			InputTokens:  apiResp.UsageMetadata.PromptTokenCount,
			OutputTokens: apiResp.UsageMetadata.CandidatesTokenCount,
		}
	}
	return out, nil
}

// GenerateStream implements Adapter.
//
// streamGenerateContent with alt=sse delivers one geminiResponse JSON
// object per SSE data line; the stream simply ends when generation is
// done.
func (g *GeminiAdapter) GenerateStream(ctx context.Context, req *Request, model Model, cb StreamCallback) error {
	ctx, span := tracer.Start(ctx, "GeminiAdapter.GenerateStream")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", model.ID))

	resp, body, err := g.roundTrip(ctx, req, model, true)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return g.classifyError(resp.StatusCode, body, resp.Header)
	}

	cfg := g.streamCfg
	cfg.StripFences = req.Format == FormatJSON
	emitter := newStreamEmitter(cfg, cb)
	scanner := newSSEScanner(resp.Body)

	for {
		if err := ctx.Err(); err != nil {
			return classifyTransport(ProviderGemini, err)
		}
		_, data, err := scanner.next()
		if err == io.EOF {
			return emitter.emitDone()
		}
		if err != nil {
			return classifyTransport(ProviderGemini, err)
		}
		if data == sseDone {
			return emitter.emitDone()
		}

		var chunk geminiResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			slog.Warn("Skipping malformed Gemini stream chunk", "error", err)
			continue
		}
		if chunk.Error != nil {
			_ = emitter.emitError(chunk.Error.Message)
			return newError(ProviderGemini, ErrInvalidResponse, chunk.Error.Message)
		}
		if chunk.PromptFeedback != nil && chunk.PromptFeedback.BlockReason != "" {
			msg := "prompt blocked: " + chunk.PromptFeedback.BlockReason
			_ = emitter.emitError(msg)
			return newError(ProviderGemini, ErrContentBlocked, msg)
		}
		for _, candidate := range chunk.Candidates {
			if candidate.FinishReason == "SAFETY" {
				msg := "response blocked on safety grounds"
				_ = emitter.emitError(msg)
				return newError(ProviderGemini, ErrContentBlocked, msg)
			}
			for _, part := range candidate.Content.Parts {
				if err := emitter.emitText(ctx, part.Text); err != nil {
					return fmt.Errorf("stream callback: %w", err)
				}
			}
		}
	}
}

// ValidateAPIKey implements Adapter.
func (g *GeminiAdapter) ValidateAPIKey(ctx context.Context, key string) (bool, error) {
	return validateWithGenerate(ctx, g, &g.keys, key, cheapestModel(ProviderGemini))
}

// roundTrip builds and sends the HTTP request, mirroring the Anthropic
// adapter's contract: streaming 200s return an open body, everything else
// is read fully.
func (g *GeminiAdapter) roundTrip(ctx context.Context, req *Request, model Model, stream bool) (*http.Response, []byte, error) {
	if !g.keys.configured() {
		return nil, nil, newError(ProviderGemini, ErrNotConfigured, "no API key loaded")
	}
	if err := checkModel(ProviderGemini, model); err != nil {
		return nil, nil, err
	}

	payload := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: geminiParts(req)}},
	}
	if req.SystemPrompt != "" {
		payload.SystemInstruction = &geminiContent{
			Parts: []geminiPart{{Text: req.SystemPrompt}},
		}
	}
	genCfg := &geminiGenerationConfig{MaxOutputTokens: req.MaxTokens}
	if genCfg.MaxOutputTokens <= 0 {
		genCfg.MaxOutputTokens = 1024
	}
	if req.Temperature > 0 {
		temp := req.Temperature
		genCfg.Temperature = &temp
	}
	if req.Format == FormatJSON {
		genCfg.ResponseMimeType = "application/json"
	}
	payload.GenerationConfig = genCfg

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, wrapError(ProviderGemini, ErrInvalidResponse, err)
	}

	method := ":generateContent"
	if stream {
		method = ":streamGenerateContent?alt=sse"
	}
	url := fmt.Sprintf("%s/models/%s%s", g.baseURL, model.ID, method)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, nil, wrapError(ProviderGemini, ErrNetwork, err)
	}
	httpReq.Header.Set("x-goog-api-key", g.keys.get())
	httpReq.Header.Set("content-type", "application/json")
	if stream {
		httpReq.Header.Set("accept", "text/event-stream")
	}

	slog.Debug("Sending request to Gemini", "model", model.ID, "stream", stream)

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, nil, classifyTransport(ProviderGemini, err)
	}

	if stream && resp.StatusCode == http.StatusOK {
		return resp, nil, nil
	}
	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, nil, classifyTransport(ProviderGemini, err)
	}
	return resp, respBody, nil
}

// classifyError maps a Gemini error response to the taxonomy. Gemini
// reports bad API keys as 400 with an API_KEY_INVALID detail, so the
// typed body is consulted before generic status mapping.
func (g *GeminiAdapter) classifyError(status int, body []byte, header http.Header) *Error {
	var apiResp geminiResponse
	if err := json.Unmarshal(body, &apiResp); err == nil && apiResp.Error != nil {
		msg := apiResp.Error.Message
		switch {
		case strings.Contains(msg, "API_KEY_INVALID"),
			strings.Contains(msg, "API key not valid"),
			apiResp.Error.Status == "UNAUTHENTICATED":
			return newError(ProviderGemini, ErrInvalidAPIKey, msg)
		case apiResp.Error.Status == "RESOURCE_EXHAUSTED":
			if strings.Contains(strings.ToLower(msg), "quota") {
				return newError(ProviderGemini, ErrQuotaExceeded, msg)
			}
			return &Error{
				Kind:       ErrRateLimited,
				Provider:   ProviderGemini,
				RetryAfter: retryAfterHint(header),
				Detail:     msg,
			}
		case apiResp.Error.Status == "NOT_FOUND":
			return newError(ProviderGemini, ErrModelUnavailable, msg)
		}
	}
	return classifyStatus(ProviderGemini, status, body, header)
}

// geminiParts assembles the user content parts: images first, then the
// text prompt.
func geminiParts(req *Request) []geminiPart {
	parts := make([]geminiPart, 0, len(req.Images)+1)
	for _, img := range req.Images {
		parts = append(parts, geminiPart{
			InlineData: &geminiInlineData{
				MimeType: detectImageMediaType(img),
				Data:     base64.StdEncoding.EncodeToString(img),
			},
		})
	}
	parts = append(parts, geminiPart{Text: req.Prompt})
	return parts
}

// geminiFinishReason normalizes the vendor finish reason.
func geminiFinishReason(reason string) FinishReason {
	switch reason {
	case "MAX_TOKENS":
		return FinishMaxTokens
	case "SAFETY", "PROHIBITED_CONTENT":
		return FinishContentFilter
	default:
		return FinishComplete
	}
}

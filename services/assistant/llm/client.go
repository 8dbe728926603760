// Package llm provides the provider adapters for text generation.
//
// Three hosted backends (Anthropic, OpenAI, Gemini) are wrapped behind one
// uniform Adapter contract: request shaping, response parsing, streaming,
// and error classification are normalized here so nothing vendor-specific
// leaks to callers.
//
// Thread Safety:
//
//	Adapters are safe for concurrent use. The only shared mutable state
//	per adapter is its loaded API key, guarded by a mutex so that
//	ValidateAPIKey can swap a candidate key in and out safely.
package llm

import (
	"context"
	"time"
)

// Provider identifies one remote text-generation backend.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderGemini    Provider = "gemini"
)

// QualityTier is a coarse cost/capability classification.
type QualityTier int

const (
	// TierStandard is the cheap, fast tier.
	TierStandard QualityTier = iota

	// TierPremium is the high-capability tier.
	TierPremium
)

// String returns "standard" or "premium".
func (t QualityTier) String() string {
	if t == TierPremium {
		return "premium"
	}
	return "standard"
}

// Model identifies a concrete backend model. The catalog is static and
// never mutated at runtime.
type Model struct {
	// ID is the provider's model identifier as sent on the wire.
	ID string

	// Provider owns the model.
	Provider Provider

	// DisplayName is the human-readable name.
	DisplayName string

	// Tier is the quality tier.
	Tier QualityTier

	// SupportsVision indicates whether image inputs are accepted.
	SupportsVision bool
}

// Catalog is the static model catalog across all providers.
var Catalog = []Model{
	{ID: "claude-sonnet-4-20250514", Provider: ProviderAnthropic, DisplayName: "Claude Sonnet 4", Tier: TierPremium, SupportsVision: true},
	{ID: "claude-3-5-haiku-20241022", Provider: ProviderAnthropic, DisplayName: "Claude 3.5 Haiku", Tier: TierStandard, SupportsVision: true},
	{ID: "gpt-4o", Provider: ProviderOpenAI, DisplayName: "GPT-4o", Tier: TierPremium, SupportsVision: true},
	{ID: "gpt-4o-mini", Provider: ProviderOpenAI, DisplayName: "GPT-4o mini", Tier: TierStandard, SupportsVision: true},
	{ID: "gemini-1.5-pro", Provider: ProviderGemini, DisplayName: "Gemini 1.5 Pro", Tier: TierPremium, SupportsVision: true},
	{ID: "gemini-1.5-flash", Provider: ProviderGemini, DisplayName: "Gemini 1.5 Flash", Tier: TierStandard, SupportsVision: true},
}

// ModelsFor returns the catalog entries belonging to a provider.
func ModelsFor(provider Provider) []Model {
	var models []Model
	for _, m := range Catalog {
		if m.Provider == provider {
			models = append(models, m)
		}
	}
	return models
}

// ResponseFormat selects the shape the caller expects back.
type ResponseFormat string

const (
	FormatText ResponseFormat = "text"
	FormatJSON ResponseFormat = "json"
)

// Request is the uniform generation request. Immutable once built;
// adapters translate it into their provider's wire shape.
type Request struct {
	// Prompt is the user prompt.
	Prompt string

	// SystemPrompt is transmitted via whatever channel the provider uses
	// for system instructions. Optional.
	SystemPrompt string

	// Images are raw image bytes attached to the prompt. Optional; only
	// valid against vision-capable models.
	Images [][]byte

	// Temperature controls randomness (0.0-1.0).
	Temperature float32

	// MaxTokens limits the response length.
	MaxTokens int

	// Format is the expected response shape. Defaults to text.
	Format ResponseFormat
}

// Usage carries token accounting when the provider reports it.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// FinishReason is the normalized reason generation stopped.
type FinishReason string

const (
	FinishComplete      FinishReason = "complete"
	FinishMaxTokens     FinishReason = "max_tokens"
	FinishContentFilter FinishReason = "content_filter"
)

// Response is the uniform generation result.
type Response struct {
	// Content is the generated text. For streaming calls the caller
	// assembles this from the emitted fragments.
	Content string

	// Model is the model that produced the response.
	Model string

	// Usage is token accounting, when the provider reported it.
	Usage *Usage

	// FinishReason is the normalized stop reason.
	FinishReason FinishReason

	// Duration is how long the request took.
	Duration time.Duration
}

// StreamEventType discriminates stream callback events.
type StreamEventType int

const (
	// StreamEventToken is an incremental text fragment.
	StreamEventToken StreamEventType = iota

	// StreamEventDone marks clean stream termination.
	StreamEventDone

	// StreamEventError carries an in-stream error before the stream
	// method returns it.
	StreamEventError
)

// StreamEvent is one unit of streaming output.
type StreamEvent struct {
	Type    StreamEventType
	Content string
	Error   string
}

// StreamCallback receives stream events in order. Returning a non-nil
// error aborts the stream; no further events are delivered.
type StreamCallback func(event StreamEvent) error

// Adapter is the uniform contract every provider implements.
type Adapter interface {
	// Provider returns the backend this adapter wraps.
	Provider() Provider

	// Configure loads (or replaces) the API key.
	Configure(apiKey string)

	// IsConfigured reports whether an API key is loaded.
	IsConfigured() bool

	// Models returns this provider's catalog entries.
	Models() []Model

	// Generate runs one blocking generation call.
	//
	// Returns ErrNotConfigured if no key is loaded and ErrModelUnavailable
	// if the model belongs to a different provider.
	Generate(ctx context.Context, req *Request, model Model) (*Response, error)

	// GenerateStream runs one streaming generation call, delivering text
	// fragments through cb until the provider's end marker, an error, or
	// context cancellation. No events are delivered after cancellation.
	GenerateStream(ctx context.Context, req *Request, model Model, cb StreamCallback) error

	// ValidateAPIKey checks a candidate key with a minimal generation
	// request, restoring the previously configured key afterward.
	// An InvalidAPIKey rejection yields (false, nil); any other failure
	// is returned as-is since it says nothing about the key.
	ValidateAPIKey(ctx context.Context, key string) (bool, error)
}

// TaskCategory labels why a generation call is being made. Each category
// maps to fixed defaults used by the routing service.
type TaskCategory string

const (
	TaskDraftSuggestion        TaskCategory = "draft_suggestion"
	TaskArgumentRefinement     TaskCategory = "argument_refinement"
	TaskContextAnalysis        TaskCategory = "context_analysis"
	TaskStuckAssistance        TaskCategory = "stuck_assistance"
	TaskQuickEdit              TaskCategory = "quick_edit"
	TaskDocumentClassification TaskCategory = "document_classification"
)

// TaskProfile holds the static defaults for a task category.
type TaskProfile struct {
	Tier           QualityTier
	RequiresVision bool
	Temperature    float32
	MaxTokens      int
	Format         ResponseFormat
}

// taskProfiles is the static lookup table.
var taskProfiles = map[TaskCategory]TaskProfile{
	TaskDraftSuggestion:        {Tier: TierPremium, Temperature: 0.7, MaxTokens: 1024, Format: FormatText},
	TaskArgumentRefinement:     {Tier: TierPremium, Temperature: 0.7, MaxTokens: 2048, Format: FormatText},
	TaskContextAnalysis:        {Tier: TierStandard, RequiresVision: true, Temperature: 0.3, MaxTokens: 1024, Format: FormatJSON},
	TaskStuckAssistance:        {Tier: TierStandard, Temperature: 0.8, MaxTokens: 512, Format: FormatText},
	TaskQuickEdit:              {Tier: TierStandard, Temperature: 0.4, MaxTokens: 512, Format: FormatText},
	TaskDocumentClassification: {Tier: TierStandard, Temperature: 0.1, MaxTokens: 256, Format: FormatJSON},
}

// ProfileFor returns the defaults for a task category. Unknown categories
// fall back to the quick-edit profile.
func ProfileFor(category TaskCategory) TaskProfile {
	if p, ok := taskProfiles[category]; ok {
		return p
	}
	return taskProfiles[TaskQuickEdit]
}

// validationPrompt is the minimal request used by ValidateAPIKey.
const validationPrompt = "say ok"

// Package routing selects a provider and model per task category and
// delegates to the matching adapter.
package routing

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/inkwell-ai/inkwell/services/assistant/llm"
	"github.com/inkwell-ai/inkwell/services/assistant/secrets"
)

var tracer = otel.Tracer("inkwell.assistant.routing")

// Service routes generation calls to the best available provider.
//
// # Description
//
// Given a task category, the service reads the category's recommended
// tier and vision requirement, selects a qualifying model among the
// configured adapters (preferring the default model's provider), and
// delegates the call. Adapter errors pass through unchanged; the only
// error the service adds is NotConfigured when no provider qualifies.
//
// # Thread Safety
//
// Service is safe for concurrent use.
type Service struct {
	mu           sync.RWMutex
	adapters     map[llm.Provider]llm.Adapter
	defaultModel llm.Model
	hasDefault   bool
	logger       *slog.Logger
}

// NewService creates a routing service over the given adapters.
func NewService(adapters ...llm.Adapter) *Service {
	s := &Service{
		adapters: make(map[llm.Provider]llm.Adapter, len(adapters)),
		logger:   slog.Default(),
	}
	for _, a := range adapters {
		s.adapters[a.Provider()] = a
	}
	return s
}

// LoadKeys configures every registered adapter whose provider has a key
// in the secret store. Missing keys are not an error; the provider just
// stays unconfigured.
func (s *Service) LoadKeys(store secrets.Store) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for provider, adapter := range s.adapters {
		key, err := store.Retrieve(string(provider))
		if err != nil {
			s.logger.Warn("Failed to read provider key from secret store",
				"provider", provider, "error", err)
			continue
		}
		if key == "" {
			continue
		}
		adapter.Configure(key)
		s.logger.Info("Configured provider from secret store", "provider", provider)
	}
}

// ConfigureProvider loads an API key into a provider's adapter.
func (s *Service) ConfigureProvider(provider llm.Provider, apiKey string) error {
	s.mu.RLock()
	adapter, ok := s.adapters[provider]
	s.mu.RUnlock()
	if !ok {
		return &llm.Error{
			Kind:     llm.ErrNotConfigured,
			Provider: provider,
			Detail:   "no adapter registered for provider",
		}
	}
	adapter.Configure(apiKey)
	return nil
}

// ValidateAPIKey checks a candidate key against a provider's live API.
func (s *Service) ValidateAPIKey(ctx context.Context, provider llm.Provider, key string) (bool, error) {
	s.mu.RLock()
	adapter, ok := s.adapters[provider]
	s.mu.RUnlock()
	if !ok {
		return false, &llm.Error{
			Kind:     llm.ErrNotConfigured,
			Provider: provider,
			Detail:   "no adapter registered for provider",
		}
	}
	return adapter.ValidateAPIKey(ctx, key)
}

// ConfiguredProviders returns the providers that currently hold a key,
// in catalog order.
func (s *Service) ConfiguredProviders() []llm.Provider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []llm.Provider
	for _, p := range []llm.Provider{llm.ProviderAnthropic, llm.ProviderOpenAI, llm.ProviderGemini} {
		if a, ok := s.adapters[p]; ok && a.IsConfigured() {
			out = append(out, p)
		}
	}
	return out
}

// DefaultModel returns the configured default model, if one is set.
func (s *Service) DefaultModel() (llm.Model, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaultModel, s.hasDefault
}

// SetDefaultModel sets the preferred model. Its provider is preferred
// during selection whenever it qualifies for the task.
func (s *Service) SetDefaultModel(model llm.Model) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultModel = model
	s.hasDefault = true
}

// CallOption overrides a task category's default request parameters.
type CallOption func(*llm.Request)

// WithTemperature overrides the category's default temperature.
func WithTemperature(t float32) CallOption {
	return func(r *llm.Request) { r.Temperature = t }
}

// WithMaxTokens overrides the category's default token limit.
func WithMaxTokens(n int) CallOption {
	return func(r *llm.Request) { r.MaxTokens = n }
}

// WithSystemPrompt attaches a system prompt.
func WithSystemPrompt(p string) CallOption {
	return func(r *llm.Request) { r.SystemPrompt = p }
}

// WithImages attaches image bytes to the request.
func WithImages(images ...[]byte) CallOption {
	return func(r *llm.Request) { r.Images = images }
}

// WithJSONFormat requests a structured JSON response.
func WithJSONFormat() CallOption {
	return func(r *llm.Request) { r.Format = llm.FormatJSON }
}

// Generate runs one blocking generation call for a task category.
func (s *Service) Generate(ctx context.Context, category llm.TaskCategory, prompt string, opts ...CallOption) (*llm.Response, error) {
	ctx, span := tracer.Start(ctx, "routing.Generate")
	defer span.End()

	adapter, model, req, err := s.prepare(category, prompt, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	requestID := uuid.NewString()
	span.SetAttributes(
		attribute.String("llm.request_id", requestID),
		attribute.String("llm.task", string(category)),
		attribute.String("llm.model", model.ID),
	)
	s.logger.Debug("Routing generation request",
		"request_id", requestID, "task", category,
		"provider", model.Provider, "model", model.ID)

	resp, err := adapter.Generate(ctx, req, model)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("Generation failed",
			"request_id", requestID, "provider", model.Provider, "error", err)
		return nil, err
	}
	return resp, nil
}

// GenerateStream runs one streaming generation call for a task
// category, delivering fragments through cb.
func (s *Service) GenerateStream(ctx context.Context, category llm.TaskCategory, prompt string, cb llm.StreamCallback, opts ...CallOption) error {
	ctx, span := tracer.Start(ctx, "routing.GenerateStream")
	defer span.End()

	adapter, model, req, err := s.prepare(category, prompt, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	requestID := uuid.NewString()
	span.SetAttributes(
		attribute.String("llm.request_id", requestID),
		attribute.String("llm.task", string(category)),
		attribute.String("llm.model", model.ID),
	)
	s.logger.Debug("Routing streaming request",
		"request_id", requestID, "task", category,
		"provider", model.Provider, "model", model.ID)

	if err := adapter.GenerateStream(ctx, req, model, cb); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// prepare resolves the adapter, model, and request for a call.
func (s *Service) prepare(category llm.TaskCategory, prompt string, opts []CallOption) (llm.Adapter, llm.Model, *llm.Request, error) {
	profile := llm.ProfileFor(category)

	req := &llm.Request{
		Prompt:      prompt,
		Temperature: profile.Temperature,
		MaxTokens:   profile.MaxTokens,
		Format:      profile.Format,
	}
	for _, opt := range opts {
		opt(req)
	}

	model, err := s.selectModel(profile)
	if err != nil {
		return nil, llm.Model{}, nil, err
	}
	s.mu.RLock()
	adapter := s.adapters[model.Provider]
	s.mu.RUnlock()
	return adapter, model, req, nil
}

// selectModel picks the model for a task profile: vision requirement
// satisfied, tier matched or exceeded, default model's provider first.
func (s *Service) selectModel(profile llm.TaskProfile) (llm.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	providers := []llm.Provider{llm.ProviderAnthropic, llm.ProviderOpenAI, llm.ProviderGemini}
	if s.hasDefault {
		// Move the default model's provider to the front.
		ordered := []llm.Provider{s.defaultModel.Provider}
		for _, p := range providers {
			if p != s.defaultModel.Provider {
				ordered = append(ordered, p)
			}
		}
		providers = ordered
	}

	for _, provider := range providers {
		adapter, ok := s.adapters[provider]
		if !ok || !adapter.IsConfigured() {
			continue
		}
		// The default model itself wins when it qualifies.
		if s.hasDefault && provider == s.defaultModel.Provider && qualifies(s.defaultModel, profile) {
			return s.defaultModel, nil
		}
		if model, ok := bestFor(provider, profile); ok {
			return model, nil
		}
	}
	return llm.Model{}, &llm.Error{
		Kind:   llm.ErrNotConfigured,
		Detail: "no configured provider qualifies for task",
	}
}

// qualifies reports whether a model satisfies a task profile.
func qualifies(m llm.Model, profile llm.TaskProfile) bool {
	if profile.RequiresVision && !m.SupportsVision {
		return false
	}
	return m.Tier >= profile.Tier
}

// bestFor returns a provider's cheapest qualifying model.
func bestFor(provider llm.Provider, profile llm.TaskProfile) (llm.Model, bool) {
	var best llm.Model
	found := false
	for _, m := range llm.ModelsFor(provider) {
		if !qualifies(m, profile) {
			continue
		}
		if !found || m.Tier < best.Tier {
			best = m
			found = true
		}
	}
	return best, found
}

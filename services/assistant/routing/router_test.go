package routing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwell-ai/inkwell/services/assistant/llm"
)

// fakeAdapter is a scripted llm.Adapter for routing tests.
type fakeAdapter struct {
	provider   llm.Provider
	configured bool

	lastReq   *llm.Request
	lastModel llm.Model
	calls     int

	resp *llm.Response
	err  error

	validateResult bool
	validateErr    error
	lastKey        string
}

func (f *fakeAdapter) Provider() llm.Provider { return f.provider }

func (f *fakeAdapter) Configure(apiKey string) {
	f.lastKey = apiKey
	f.configured = apiKey != ""
}

func (f *fakeAdapter) IsConfigured() bool { return f.configured }

func (f *fakeAdapter) Models() []llm.Model { return llm.ModelsFor(f.provider) }

func (f *fakeAdapter) Generate(ctx context.Context, req *llm.Request, model llm.Model) (*llm.Response, error) {
	f.calls++
	f.lastReq = req
	f.lastModel = model
	if f.err != nil {
		return nil, f.err
	}
	if f.resp != nil {
		return f.resp, nil
	}
	return &llm.Response{Content: "ok", Model: model.ID, FinishReason: llm.FinishComplete}, nil
}

func (f *fakeAdapter) GenerateStream(ctx context.Context, req *llm.Request, model llm.Model, cb llm.StreamCallback) error {
	f.calls++
	f.lastReq = req
	f.lastModel = model
	if f.err != nil {
		return f.err
	}
	if err := cb(llm.StreamEvent{Type: llm.StreamEventToken, Content: "ok"}); err != nil {
		return err
	}
	return cb(llm.StreamEvent{Type: llm.StreamEventDone})
}

func (f *fakeAdapter) ValidateAPIKey(ctx context.Context, key string) (bool, error) {
	return f.validateResult, f.validateErr
}

func newFakes() (anthropic, openai, gemini *fakeAdapter, svc *Service) {
	anthropic = &fakeAdapter{provider: llm.ProviderAnthropic}
	openai = &fakeAdapter{provider: llm.ProviderOpenAI}
	gemini = &fakeAdapter{provider: llm.ProviderGemini}
	svc = NewService(anthropic, openai, gemini)
	return
}

func TestGenerateUsesTaskDefaults(t *testing.T) {
	t.Parallel()

	anthropic, _, _, svc := newFakes()
	anthropic.configured = true

	resp, err := svc.Generate(context.Background(), llm.TaskDraftSuggestion, "write an opener")
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)

	profile := llm.ProfileFor(llm.TaskDraftSuggestion)
	require.NotNil(t, anthropic.lastReq)
	assert.Equal(t, profile.Temperature, anthropic.lastReq.Temperature)
	assert.Equal(t, profile.MaxTokens, anthropic.lastReq.MaxTokens)
	assert.Equal(t, llm.TierPremium, anthropic.lastModel.Tier)
}

func TestCallOptionsOverrideDefaults(t *testing.T) {
	t.Parallel()

	anthropic, _, _, svc := newFakes()
	anthropic.configured = true

	_, err := svc.Generate(context.Background(), llm.TaskQuickEdit, "fix this",
		WithTemperature(0.9),
		WithMaxTokens(2000),
		WithSystemPrompt("you are terse"),
		WithJSONFormat(),
	)
	require.NoError(t, err)

	req := anthropic.lastReq
	require.NotNil(t, req)
	assert.InDelta(t, 0.9, float64(req.Temperature), 1e-6)
	assert.Equal(t, 2000, req.MaxTokens)
	assert.Equal(t, "you are terse", req.SystemPrompt)
	assert.Equal(t, llm.FormatJSON, req.Format)
}

func TestDefaultModelPreferred(t *testing.T) {
	t.Parallel()

	anthropic, openai, _, svc := newFakes()
	anthropic.configured = true
	openai.configured = true

	gpt4o := findModel(t, "gpt-4o")
	svc.SetDefaultModel(gpt4o)

	_, err := svc.Generate(context.Background(), llm.TaskDraftSuggestion, "hi")
	require.NoError(t, err)
	assert.Equal(t, 0, anthropic.calls)
	assert.Equal(t, "gpt-4o", openai.lastModel.ID)
}

func TestDefaultModelSkippedWhenUnderqualified(t *testing.T) {
	t.Parallel()

	_, openai, _, svc := newFakes()
	openai.configured = true

	// Default is the standard-tier model but the task wants premium;
	// the same provider's premium model must be chosen instead.
	svc.SetDefaultModel(findModel(t, "gpt-4o-mini"))

	_, err := svc.Generate(context.Background(), llm.TaskArgumentRefinement, "hi")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", openai.lastModel.ID)
}

func TestStandardTaskPicksCheapestModel(t *testing.T) {
	t.Parallel()

	anthropic, _, _, svc := newFakes()
	anthropic.configured = true

	_, err := svc.Generate(context.Background(), llm.TaskQuickEdit, "hi")
	require.NoError(t, err)
	assert.Equal(t, llm.TierStandard, anthropic.lastModel.Tier)
}

func TestFallbackToOtherProvider(t *testing.T) {
	t.Parallel()

	anthropic, _, gemini, svc := newFakes()
	_ = anthropic
	gemini.configured = true

	_, err := svc.Generate(context.Background(), llm.TaskQuickEdit, "hi")
	require.NoError(t, err)
	assert.Equal(t, llm.ProviderGemini, gemini.lastModel.Provider)
}

func TestNoQualifyingProvider(t *testing.T) {
	t.Parallel()

	_, _, _, svc := newFakes()

	_, err := svc.Generate(context.Background(), llm.TaskQuickEdit, "hi")
	require.Error(t, err)
	assert.True(t, llm.IsKind(err, llm.ErrNotConfigured))
}

func TestAdapterErrorsPassThroughUnchanged(t *testing.T) {
	t.Parallel()

	anthropic, _, _, svc := newFakes()
	anthropic.configured = true
	anthropic.err = &llm.Error{Kind: llm.ErrRateLimited, Provider: llm.ProviderAnthropic}

	_, err := svc.Generate(context.Background(), llm.TaskQuickEdit, "hi")
	require.Error(t, err)
	assert.True(t, llm.IsKind(err, llm.ErrRateLimited), "routing must not reinterpret adapter errors")
}

func TestGenerateStreamDelegates(t *testing.T) {
	t.Parallel()

	anthropic, _, _, svc := newFakes()
	anthropic.configured = true

	var tokens []string
	err := svc.GenerateStream(context.Background(), llm.TaskStuckAssistance, "help", func(ev llm.StreamEvent) error {
		if ev.Type == llm.StreamEventToken {
			tokens = append(tokens, ev.Content)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, tokens)
}

func TestVisionRequirementFilters(t *testing.T) {
	t.Parallel()

	anthropic, _, _, svc := newFakes()
	anthropic.configured = true

	_, err := svc.Generate(context.Background(), llm.TaskContextAnalysis, "describe",
		WithImages([]byte{0x89, 'P', 'N', 'G'}))
	require.NoError(t, err)
	assert.True(t, anthropic.lastModel.SupportsVision)
}

func TestConfiguredProviders(t *testing.T) {
	t.Parallel()

	anthropic, _, gemini, svc := newFakes()
	assert.Empty(t, svc.ConfiguredProviders())

	anthropic.configured = true
	gemini.configured = true
	assert.Equal(t, []llm.Provider{llm.ProviderAnthropic, llm.ProviderGemini}, svc.ConfiguredProviders())
}

func TestConfigureProviderUnknown(t *testing.T) {
	t.Parallel()

	svc := NewService()
	err := svc.ConfigureProvider(llm.ProviderOpenAI, "sk-x")
	require.Error(t, err)
	assert.True(t, llm.IsKind(err, llm.ErrNotConfigured))
}

func TestValidateAPIKeyDelegates(t *testing.T) {
	t.Parallel()

	anthropic, _, _, svc := newFakes()
	anthropic.validateResult = true

	valid, err := svc.ValidateAPIKey(context.Background(), llm.ProviderAnthropic, "sk-x")
	require.NoError(t, err)
	assert.True(t, valid)
}

// mapStore is an in-memory secrets.Store for LoadKeys tests.
type mapStore map[string]string

func (m mapStore) Save(provider, key string) error { m[provider] = key; return nil }

func (m mapStore) Retrieve(provider string) (string, error) { return m[provider], nil }

func TestLoadKeys(t *testing.T) {
	t.Parallel()

	anthropic, openai, gemini, svc := newFakes()
	svc.LoadKeys(mapStore{
		"anthropic": "sk-ant",
		"gemini":    "gm-key",
	})

	assert.Equal(t, "sk-ant", anthropic.lastKey)
	assert.True(t, anthropic.configured)
	assert.False(t, openai.configured)
	assert.Equal(t, "gm-key", gemini.lastKey)
}

func findModel(t *testing.T, id string) llm.Model {
	t.Helper()
	for _, m := range llm.Catalog {
		if m.ID == id {
			return m
		}
	}
	t.Fatalf("model %s not in catalog", id)
	return llm.Model{}
}

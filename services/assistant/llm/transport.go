package llm

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("inkwell.assistant.llm")

const (
	// requestHeaderTimeout bounds how long a provider may sit on a request
	// before sending response headers.
	requestHeaderTimeout = 120 * time.Second

	// overallTimeout bounds the entire call including streaming reads.
	overallTimeout = 300 * time.Second
)

// newHTTPClient builds the single HTTP client an adapter owns.
func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: overallTimeout,
		Transport: &http.Transport{
			ResponseHeaderTimeout: requestHeaderTimeout,
			MaxIdleConnsPerHost:   4,
		},
	}
}

// keyHolder guards an adapter's API key. ValidateAPIKey swaps a candidate
// in and the returned restore closure puts the original back, error or not.
type keyHolder struct {
	mu  sync.RWMutex
	key string
}

func (k *keyHolder) set(key string) {
	k.mu.Lock()
	k.key = key
	k.mu.Unlock()
}

func (k *keyHolder) get() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.key
}

func (k *keyHolder) configured() bool {
	return k.get() != ""
}

// swap installs a candidate key and returns a closure restoring the
// previous one.
func (k *keyHolder) swap(candidate string) (restore func()) {
	k.mu.Lock()
	previous := k.key
	k.key = candidate
	k.mu.Unlock()
	return func() { k.set(previous) }
}

// classifyTransport maps a transport-level failure to the taxonomy.
// Deadline and timeout conditions become ErrTimeout; everything else is
// ErrNetwork with the underlying error preserved.
func classifyTransport(provider Provider, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return wrapError(provider, ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return wrapError(provider, ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		// Cancellation is the caller's doing; keep the sentinel visible.
		return wrapError(provider, ErrNetwork, err)
	}
	return wrapError(provider, ErrNetwork, err)
}

// checkModel enforces the caller contract that the requested model belongs
// to this adapter's provider.
func checkModel(provider Provider, model Model) *Error {
	if model.Provider != provider {
		e := newError(provider, ErrModelUnavailable, "model belongs to provider "+string(model.Provider))
		e.Model = model.ID
		return e
	}
	return nil
}

// cheapestModel returns a provider's standard-tier model, used for the
// minimal key-validation request.
func cheapestModel(provider Provider) Model {
	models := ModelsFor(provider)
	for _, m := range models {
		if m.Tier == TierStandard {
			return m
		}
	}
	return models[0]
}

// validateWithGenerate implements the shared ValidateAPIKey behavior on
// top of an adapter's Generate.
func validateWithGenerate(ctx context.Context, a Adapter, keys *keyHolder, key string, model Model) (bool, error) {
	restore := keys.swap(key)
	defer restore()

	req := &Request{Prompt: validationPrompt, MaxTokens: 8}
	_, err := a.Generate(ctx, req, model)
	if err != nil {
		if IsKind(err, ErrInvalidAPIKey) {
			return false, nil
		}
		// Network errors, timeouts etc. say nothing about the key.
		return false, err
	}
	return true, nil
}

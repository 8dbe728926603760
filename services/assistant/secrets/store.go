// Package secrets provides API key storage for provider adapters.
package secrets

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
)

// Store is the secret store contract the rest of the system depends on.
// Keys are addressed by provider name.
type Store interface {
	// Save stores a key for a provider, replacing any previous one.
	Save(provider, key string) error

	// Retrieve returns the key for a provider, or "" when none is
	// stored. Absence is not an error.
	Retrieve(provider string) (string, error)
}

// EnclaveStore keeps keys in encrypted memory enclaves so plaintext
// credentials never sit in the ordinary heap between uses.
//
// Thread Safety: safe for concurrent use.
type EnclaveStore struct {
	mu       sync.RWMutex
	enclaves map[string]*memguard.Enclave
}

// NewEnclaveStore creates an empty in-memory store.
func NewEnclaveStore() *EnclaveStore {
	return &EnclaveStore{enclaves: make(map[string]*memguard.Enclave)}
}

// Save implements Store. The key bytes are sealed into an enclave; the
// caller's copy is theirs to wipe.
func (s *EnclaveStore) Save(provider, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key == "" {
		delete(s.enclaves, provider)
		return nil
	}
	s.enclaves[provider] = memguard.NewEnclave([]byte(key))
	return nil
}

// Retrieve implements Store.
func (s *EnclaveStore) Retrieve(provider string) (string, error) {
	s.mu.RLock()
	enclave, ok := s.enclaves[provider]
	s.mu.RUnlock()
	if !ok {
		return "", nil
	}
	buf, err := enclave.Open()
	if err != nil {
		return "", fmt.Errorf("open enclave for %s: %w", provider, err)
	}
	defer buf.Destroy()
	return string(buf.Bytes()), nil
}

// EnvStore reads keys from the environment, falling back to container
// secret files. The lookup order for provider "anthropic" is the
// INKWELL_ANTHROPIC_API_KEY variable, then /run/secrets/anthropic_api_key.
//
// Save is unsupported; the environment is read-only at runtime.
type EnvStore struct {
	// SecretsDir overrides the secret file directory. Defaults to
	// /run/secrets.
	SecretsDir string
}

// Save implements Store.
func (e EnvStore) Save(provider, key string) error {
	return fmt.Errorf("environment store is read-only")
}

// Retrieve implements Store.
func (e EnvStore) Retrieve(provider string) (string, error) {
	envVar := fmt.Sprintf("INKWELL_%s_API_KEY", strings.ToUpper(provider))
	if key := strings.TrimSpace(os.Getenv(envVar)); key != "" {
		return key, nil
	}

	dir := e.SecretsDir
	if dir == "" {
		dir = "/run/secrets"
	}
	path := fmt.Sprintf("%s/%s_api_key", dir, strings.ToLower(provider))
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read secret file %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Layered tries stores in order and returns the first hit. Save goes to
// the first store.
type Layered []Store

// Save implements Store.
func (l Layered) Save(provider, key string) error {
	if len(l) == 0 {
		return fmt.Errorf("no stores configured")
	}
	return l[0].Save(provider, key)
}

// Retrieve implements Store.
func (l Layered) Retrieve(provider string) (string, error) {
	for _, s := range l {
		key, err := s.Retrieve(provider)
		if err != nil {
			return "", err
		}
		if key != "" {
			return key, nil
		}
	}
	return "", nil
}

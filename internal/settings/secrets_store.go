package settings

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// SecretsStore keeps provider API keys in secrets.json, next to but apart
// from config.json. Keys are never returned to HTTP clients; they only see
// whether a key is set.
type SecretsStore struct {
	path   string
	getenv func(string) string

	mu sync.Mutex
}

func NewSecretsStore(path string) *SecretsStore {
	return &SecretsStore{path: filepath.Clean(strings.TrimSpace(path)), getenv: os.Getenv}
}

func (s *SecretsStore) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

type secretsFile struct {
	SchemaVersion   int               `json:"schema_version"`
	ProviderAPIKeys map[string]string `json:"provider_api_keys,omitempty"`
}

// envKeyForType names the environment variable consulted when no key is
// stored for a provider.
func envKeyForType(providerType string) string {
	switch strings.ToLower(strings.TrimSpace(providerType)) {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai", "openai_compatible":
		return "OPENAI_API_KEY"
	default:
		return ""
	}
}

// ResolveProviderAPIKey returns the stored key for providerID, or the
// environment key for its type.
func (s *SecretsStore) ResolveProviderAPIKey(providerID string, providerType string) (string, bool, error) {
	if s == nil {
		return "", false, errors.New("nil secrets store")
	}
	providerID = strings.TrimSpace(providerID)
	if providerID == "" {
		return "", false, errors.New("missing provider id")
	}

	s.mu.Lock()
	sf, err := s.loadLocked()
	s.mu.Unlock()
	if err != nil {
		return "", false, err
	}
	if v := strings.TrimSpace(sf.ProviderAPIKeys[providerID]); v != "" {
		return v, true, nil
	}
	if env := envKeyForType(providerType); env != "" && s.getenv != nil {
		if v := strings.TrimSpace(s.getenv(env)); v != "" {
			return v, true, nil
		}
	}
	return "", false, nil
}

// SetProviderAPIKey stores apiKey for providerID. A nil apiKey clears it.
func (s *SecretsStore) SetProviderAPIKey(providerID string, apiKey *string) error {
	if s == nil {
		return errors.New("nil secrets store")
	}
	providerID = strings.TrimSpace(providerID)
	if providerID == "" {
		return errors.New("missing provider id")
	}
	var key string
	if apiKey != nil {
		key = strings.TrimSpace(*apiKey)
		if key == "" {
			return errors.New("missing api key")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sf, err := s.loadLocked()
	if err != nil {
		return err
	}
	if sf.ProviderAPIKeys == nil {
		sf.ProviderAPIKeys = make(map[string]string)
	}
	if apiKey == nil {
		delete(sf.ProviderAPIKeys, providerID)
	} else {
		sf.ProviderAPIKeys[providerID] = key
	}
	if len(sf.ProviderAPIKeys) == 0 {
		sf.ProviderAPIKeys = nil
	}
	return s.saveLocked(sf)
}

// ProviderKeyStatus reports which providers have a stored key.
func (s *SecretsStore) ProviderKeyStatus(providerIDs []string) (map[string]bool, error) {
	if s == nil {
		return nil, errors.New("nil secrets store")
	}
	s.mu.Lock()
	sf, err := s.loadLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(providerIDs))
	for _, id := range providerIDs {
		if id = strings.TrimSpace(id); id != "" {
			out[id] = strings.TrimSpace(sf.ProviderAPIKeys[id]) != ""
		}
	}
	return out, nil
}

func (s *SecretsStore) loadLocked() (*secretsFile, error) {
	if s.path == "" || s.path == "." {
		return nil, errors.New("missing secrets path")
	}
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &secretsFile{SchemaVersion: 1}, nil
		}
		return nil, err
	}
	var sf secretsFile
	if err := json.Unmarshal(b, &sf); err != nil {
		return nil, err
	}
	if sf.SchemaVersion == 0 {
		sf.SchemaVersion = 1
	}
	return &sf, nil
}

func (s *SecretsStore) saveLocked(sf *secretsFile) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/floegence/flower-relay/internal/hooks"
	"github.com/floegence/flower-relay/internal/runtime"
)

const (
	defaultListenAddr = "127.0.0.1:7411"
	defaultLogFormat  = "text"
	defaultLogLevel   = "info"
	defaultCheckpoint = 50
)

// Config is the relay's on-disk configuration.
//
// Provider API keys never live here; see settings.SecretsStore.
type Config struct {
	ListenAddr string `json:"listen_addr,omitempty"`

	// StateDir holds the session database, secrets and audit log.
	// Defaults to ~/.flower-relay.
	StateDir string `json:"state_dir,omitempty"`

	LogFormat string `json:"log_format,omitempty"` // text|json
	LogLevel  string `json:"log_level,omitempty"`  // debug|info|warn|error

	Runtime *RuntimeConfig `json:"runtime,omitempty"`

	// Hooks are the server-wide lifecycle webhooks. A request may override
	// individual events.
	Hooks *hooks.Config `json:"hooks,omitempty"`

	Checkpoints *CheckpointConfig `json:"checkpoints,omitempty"`
	Commands    *CommandsConfig   `json:"commands,omitempty"`

	PartialStreamingDefault bool   `json:"partial_streaming_default,omitempty"`
	PermissionModeDefault   string `json:"permission_mode_default,omitempty"`
}

type CheckpointConfig struct {
	EnabledByDefault bool `json:"enabled_by_default,omitempty"`
	// Keep bounds the number of checkpoints retained per session.
	Keep int `json:"keep,omitempty"`
}

type CommandsConfig struct {
	// ExtraRoots are scanned after the project and user .claude directories.
	ExtraRoots []string `json:"extra_roots,omitempty"`
}

// Default returns a config that runs the CLI driver on localhost.
func Default() *Config {
	return &Config{
		ListenAddr: defaultListenAddr,
		LogFormat:  defaultLogFormat,
		LogLevel:   defaultLogLevel,
		Runtime:    &RuntimeConfig{Driver: DriverCLI},
	}
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if _, ok := runtime.NormalizePermissionMode(c.PermissionModeDefault); !ok {
		return fmt.Errorf("invalid permission_mode_default %q", c.PermissionModeDefault)
	}
	if c.Runtime != nil {
		if err := c.Runtime.Validate(); err != nil {
			return fmt.Errorf("runtime: %w", err)
		}
	}
	if err := c.Hooks.Validate(); err != nil {
		return fmt.Errorf("hooks: %w", err)
	}
	if c.Checkpoints != nil && c.Checkpoints.Keep < 0 {
		return errors.New("checkpoints.keep must be >= 0")
	}
	return nil
}

func (c *Config) EffectiveListenAddr() string {
	if c == nil || strings.TrimSpace(c.ListenAddr) == "" {
		return defaultListenAddr
	}
	return strings.TrimSpace(c.ListenAddr)
}

func (c *Config) EffectiveStateDir() string {
	if c != nil && strings.TrimSpace(c.StateDir) != "" {
		return filepath.Clean(strings.TrimSpace(c.StateDir))
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ".flower-relay"
	}
	return filepath.Join(home, ".flower-relay")
}

func (c *Config) EffectiveLogFormat() string {
	if c == nil || strings.TrimSpace(c.LogFormat) == "" {
		return defaultLogFormat
	}
	return strings.ToLower(strings.TrimSpace(c.LogFormat))
}

func (c *Config) EffectiveLogLevel() string {
	if c == nil || strings.TrimSpace(c.LogLevel) == "" {
		return defaultLogLevel
	}
	return strings.ToLower(strings.TrimSpace(c.LogLevel))
}

func (c *Config) EffectivePermissionMode() string {
	if c == nil {
		return runtime.PermissionDefault
	}
	mode, ok := runtime.NormalizePermissionMode(c.PermissionModeDefault)
	if !ok {
		return runtime.PermissionDefault
	}
	return mode
}

func (c *Config) EffectiveRuntime() *RuntimeConfig {
	if c == nil || c.Runtime == nil {
		return &RuntimeConfig{Driver: DriverCLI}
	}
	return c.Runtime
}

func (c *Config) CheckpointsEnabledByDefault() bool {
	return c != nil && c.Checkpoints != nil && c.Checkpoints.EnabledByDefault
}

func (c *Config) EffectiveCheckpointKeep() int {
	if c == nil || c.Checkpoints == nil || c.Checkpoints.Keep <= 0 {
		return defaultCheckpoint
	}
	return c.Checkpoints.Keep
}

func (c *Config) CommandRoots() []string {
	if c == nil || c.Commands == nil {
		return nil
	}
	return append([]string(nil), c.Commands.ExtraRoots...)
}

func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "flower-relay.config.json"
	}
	return filepath.Join(home, ".flower-relay", "config.json")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads path, falling back to Default when the file does not
// exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

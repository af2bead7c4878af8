package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const (
	DriverCLI       = "cli"
	DriverAnthropic = "anthropic"
	DriverOpenAI    = "openai"
)

const (
	defaultCLIPath   = "claude"
	defaultMaxTokens = 8192
)

// RuntimeConfig selects and tunes the agent runtime driver.
type RuntimeConfig struct {
	// Driver is one of: "cli" | "anthropic" | "openai".
	Driver string `json:"driver,omitempty"`

	// CLIPath is the agent CLI binary used by the cli driver.
	CLIPath string `json:"cli_path,omitempty"`
	// CLIExtraArgs are appended to every CLI invocation.
	CLIExtraArgs []string `json:"cli_extra_args,omitempty"`

	DefaultModel string `json:"default_model,omitempty"`
	MaxTurns     int    `json:"max_turns,omitempty"`
	MaxTokens    int    `json:"max_tokens,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Tools is the tool list advertised to clients in the init event.
	Tools []string `json:"tools,omitempty"`

	// Providers is used by the native drivers.
	//
	// At most one providers[].models[].is_default may be true.
	Providers []Provider `json:"providers,omitempty"`
}

type Provider struct {
	// ID is stable; secrets are keyed by it.
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`

	// Type is one of: "anthropic" | "openai" | "openai_compatible".
	Type string `json:"type"`

	// BaseURL overrides the provider endpoint. Required for openai_compatible.
	BaseURL string `json:"base_url,omitempty"`

	Models []ProviderModel `json:"models,omitempty"`
}

type ProviderModel struct {
	ModelName string `json:"model_name"`
	IsDefault bool   `json:"is_default,omitempty"`

	// Pricing in USD per million tokens. Zero means unknown, and no cost is
	// reported for runs on this model.
	InputUSDPerMTok  float64 `json:"input_usd_per_mtok,omitempty"`
	OutputUSDPerMTok float64 `json:"output_usd_per_mtok,omitempty"`
}

func (r *RuntimeConfig) Validate() error {
	if r == nil {
		return nil
	}
	switch r.EffectiveDriver() {
	case DriverCLI, DriverAnthropic, DriverOpenAI:
	default:
		return fmt.Errorf("invalid driver %q", r.Driver)
	}
	if r.MaxTurns < 0 || r.MaxTokens < 0 {
		return errors.New("max_turns and max_tokens must be >= 0")
	}

	seen := map[string]bool{}
	defaults := 0
	for i, p := range r.Providers {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return fmt.Errorf("providers[%d]: missing id", i)
		}
		if seen[id] {
			return fmt.Errorf("providers[%d]: duplicate id %q", i, id)
		}
		seen[id] = true

		typ := strings.ToLower(strings.TrimSpace(p.Type))
		switch typ {
		case "anthropic", "openai", "openai_compatible":
		default:
			return fmt.Errorf("providers[%d]: invalid type %q", i, p.Type)
		}
		base := strings.TrimSpace(p.BaseURL)
		if typ == "openai_compatible" && base == "" {
			return fmt.Errorf("providers[%d]: base_url is required for openai_compatible", i)
		}
		if base != "" {
			u, err := url.Parse(base)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("providers[%d]: invalid base_url %q", i, p.BaseURL)
			}
		}
		if len(p.Models) == 0 {
			return fmt.Errorf("providers[%d]: missing models", i)
		}
		for j, m := range p.Models {
			if strings.TrimSpace(m.ModelName) == "" {
				return fmt.Errorf("providers[%d].models[%d]: missing model_name", i, j)
			}
			if m.InputUSDPerMTok < 0 || m.OutputUSDPerMTok < 0 {
				return fmt.Errorf("providers[%d].models[%d]: negative pricing", i, j)
			}
			if m.IsDefault {
				defaults++
			}
		}
	}
	if defaults > 1 {
		return errors.New("multiple default models")
	}
	if d := r.EffectiveDriver(); d != DriverCLI {
		if _, _, ok := r.ResolveModel(""); !ok {
			return fmt.Errorf("driver %q needs a provider of a matching type", d)
		}
	}
	return nil
}

func (r *RuntimeConfig) EffectiveDriver() string {
	if r == nil || strings.TrimSpace(r.Driver) == "" {
		return DriverCLI
	}
	return strings.ToLower(strings.TrimSpace(r.Driver))
}

func (r *RuntimeConfig) EffectiveCLIPath() string {
	if r == nil || strings.TrimSpace(r.CLIPath) == "" {
		return defaultCLIPath
	}
	return strings.TrimSpace(r.CLIPath)
}

func (r *RuntimeConfig) EffectiveMaxTokens() int {
	if r == nil || r.MaxTokens <= 0 {
		return defaultMaxTokens
	}
	return r.MaxTokens
}

func (r *RuntimeConfig) AdvertisedTools() []string {
	if r == nil {
		return []string{}
	}
	out := make([]string, 0, len(r.Tools))
	for _, t := range r.Tools {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// providerMatchesDriver reports whether a provider can serve a native driver.
func providerMatchesDriver(driver string, p Provider) bool {
	typ := strings.ToLower(strings.TrimSpace(p.Type))
	switch driver {
	case DriverAnthropic:
		return typ == "anthropic"
	case DriverOpenAI:
		return typ == "openai" || typ == "openai_compatible"
	default:
		return false
	}
}

// ResolveModel picks the provider and model for a run on a native driver.
//
// An explicit model must be listed by a matching provider. Otherwise the
// default model wins, then DefaultModel, then the first listed model.
func (r *RuntimeConfig) ResolveModel(model string) (Provider, ProviderModel, bool) {
	if r == nil {
		return Provider{}, ProviderModel{}, false
	}
	driver := r.EffectiveDriver()
	want := strings.TrimSpace(model)
	if want == "" {
		for _, p := range r.Providers {
			if !providerMatchesDriver(driver, p) {
				continue
			}
			for _, m := range p.Models {
				if m.IsDefault {
					return p, m, true
				}
			}
		}
		want = strings.TrimSpace(r.DefaultModel)
	}
	var firstP Provider
	var firstM ProviderModel
	found := false
	for _, p := range r.Providers {
		if !providerMatchesDriver(driver, p) {
			continue
		}
		for _, m := range p.Models {
			if want != "" && strings.TrimSpace(m.ModelName) == want {
				return p, m, true
			}
			if !found {
				firstP, firstM, found = p, m, true
			}
		}
	}
	if strings.TrimSpace(model) != "" {
		return Provider{}, ProviderModel{}, false
	}
	return firstP, firstM, found
}

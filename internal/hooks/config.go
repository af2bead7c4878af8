package hooks

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Event names a lifecycle point at which a hook can run.
type Event string

const (
	PreToolUse   Event = "pre_tool_use"
	PostToolUse  Event = "post_tool_use"
	Stop         Event = "stop"
	SubagentStop Event = "subagent_stop"
	PromptSubmit Event = "prompt_submit"
)

// Gating reports whether a failed hook must block the pending action.
func (e Event) Gating() bool {
	return e == PreToolUse || e == PromptSubmit
}

const (
	defaultTimeout = 10 * time.Second
	maxTimeout     = 2 * time.Minute
)

// Hook is one configured webhook.
type Hook struct {
	URL       string            `json:"url"`
	TimeoutMs int               `json:"timeout_ms,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// EffectiveTimeout returns the bounded callback timeout for the hook.
func (h *Hook) EffectiveTimeout() time.Duration {
	if h == nil || h.TimeoutMs <= 0 {
		return defaultTimeout
	}
	d := time.Duration(h.TimeoutMs) * time.Millisecond
	if d > maxTimeout {
		return maxTimeout
	}
	return d
}

func (h *Hook) Validate() error {
	if h == nil {
		return nil
	}
	raw := strings.TrimSpace(h.URL)
	if raw == "" {
		return errors.New("missing url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported url scheme: %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("url has no host")
	}
	if h.TimeoutMs < 0 {
		return errors.New("timeout_ms must be >= 0")
	}
	return nil
}

// Config holds at most one hook per lifecycle event. A nil field means the
// event is not hooked.
type Config struct {
	PreToolUse   *Hook `json:"pre_tool_use,omitempty"`
	PostToolUse  *Hook `json:"post_tool_use,omitempty"`
	Stop         *Hook `json:"stop,omitempty"`
	SubagentStop *Hook `json:"subagent_stop,omitempty"`
	PromptSubmit *Hook `json:"prompt_submit,omitempty"`
}

func (c *Config) For(event Event) *Hook {
	if c == nil {
		return nil
	}
	switch event {
	case PreToolUse:
		return c.PreToolUse
	case PostToolUse:
		return c.PostToolUse
	case Stop:
		return c.Stop
	case SubagentStop:
		return c.SubagentStop
	case PromptSubmit:
		return c.PromptSubmit
	default:
		return nil
	}
}

func (c *Config) Validate() error {
	if c == nil {
		return nil
	}
	for _, ev := range []Event{PreToolUse, PostToolUse, Stop, SubagentStop, PromptSubmit} {
		if err := c.For(ev).Validate(); err != nil {
			return fmt.Errorf("%s: %w", ev, err)
		}
	}
	return nil
}

// Merge returns c with any hooks set in override replacing its own.
func (c *Config) Merge(override *Config) *Config {
	if c == nil && override == nil {
		return nil
	}
	out := &Config{}
	if c != nil {
		*out = *c
	}
	if override == nil {
		return out
	}
	if override.PreToolUse != nil {
		out.PreToolUse = override.PreToolUse
	}
	if override.PostToolUse != nil {
		out.PostToolUse = override.PostToolUse
	}
	if override.Stop != nil {
		out.Stop = override.Stop
	}
	if override.SubagentStop != nil {
		out.SubagentStop = override.SubagentStop
	}
	if override.PromptSubmit != nil {
		out.PromptSubmit = override.PromptSubmit
	}
	return out
}

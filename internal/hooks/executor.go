package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// ErrMalformedResponse is returned when a webhook answers with something
// that is not a decision.
var ErrMalformedResponse = errors.New("malformed hook response")

// Outcome is the verdict of a hook.
type Outcome string

const (
	Allow  Outcome = "allow"
	Deny   Outcome = "deny"
	Modify Outcome = "modify"
)

// Decision is what the executor hands back to its caller.
type Decision struct {
	Outcome Outcome
	// Payload replaces the pending input when Outcome is Modify.
	Payload json.RawMessage
	Reason  string
}

func (d Decision) Allowed() bool {
	return d.Outcome != Deny
}

// Payload is the JSON body delivered to a webhook.
type Payload struct {
	Event     Event  `json:"event"`
	SessionID string `json:"session_id"`
	Model     string `json:"model,omitempty"`
	Cwd       string `json:"cwd,omitempty"`

	ToolName    string          `json:"tool_name,omitempty"`
	ToolUseID   string          `json:"tool_use_id,omitempty"`
	ToolInput   json.RawMessage `json:"tool_input,omitempty"`
	ToolResult  json.RawMessage `json:"tool_result,omitempty"`
	ToolIsError bool            `json:"tool_is_error,omitempty"`

	Reason  string `json:"reason,omitempty"`
	IsError bool   `json:"is_error,omitempty"`

	Subagent string `json:"subagent,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
}

// Response is the JSON body a webhook answers with.
type Response struct {
	Decision string          `json:"decision"`
	Reason   string          `json:"reason,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Invoker performs the outbound call for a hook.
type Invoker interface {
	Invoke(ctx context.Context, event Event, hook Hook, payload Payload) (*Response, error)
}

type InvokerFunc func(ctx context.Context, event Event, hook Hook, payload Payload) (*Response, error)

func (f InvokerFunc) Invoke(ctx context.Context, event Event, hook Hook, payload Payload) (*Response, error) {
	return f(ctx, event, hook, payload)
}

// Scope carries the run fields every hook payload includes.
type Scope struct {
	SessionID string
	Model     string
	Cwd       string
}

type Options struct {
	Logger  *slog.Logger
	Invoker Invoker
	// Observe, when set, is told about every decision the executor makes.
	Observe func(event Event, outcome Outcome, failed bool)
}

// Executor turns webhook responses into decisions.
//
// Transport failures and malformed responses deny gating events and allow
// informational ones.
type Executor struct {
	log     *slog.Logger
	invoker Invoker
	observe func(event Event, outcome Outcome, failed bool)
}

func NewExecutor(opts Options) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Executor{log: logger, invoker: opts.Invoker, observe: opts.Observe}
}

func (e *Executor) PreToolUse(ctx context.Context, cfg *Config, scope Scope, toolUseID string, toolName string, input json.RawMessage) Decision {
	p := scope.payload(PreToolUse)
	p.ToolUseID = strings.TrimSpace(toolUseID)
	p.ToolName = strings.TrimSpace(toolName)
	p.ToolInput = input
	return e.run(ctx, cfg, p)
}

func (e *Executor) PostToolUse(ctx context.Context, cfg *Config, scope Scope, toolUseID string, toolName string, input json.RawMessage, result json.RawMessage, isError bool) Decision {
	p := scope.payload(PostToolUse)
	p.ToolUseID = strings.TrimSpace(toolUseID)
	p.ToolName = strings.TrimSpace(toolName)
	p.ToolInput = input
	p.ToolResult = result
	p.ToolIsError = isError
	return e.run(ctx, cfg, p)
}

func (e *Executor) Stop(ctx context.Context, cfg *Config, scope Scope, reason string, isError bool) Decision {
	p := scope.payload(Stop)
	p.Reason = strings.TrimSpace(reason)
	p.IsError = isError
	return e.run(ctx, cfg, p)
}

func (e *Executor) SubagentStop(ctx context.Context, cfg *Config, scope Scope, subagent string) Decision {
	p := scope.payload(SubagentStop)
	p.Subagent = strings.TrimSpace(subagent)
	return e.run(ctx, cfg, p)
}

func (e *Executor) PromptSubmit(ctx context.Context, cfg *Config, scope Scope, prompt string) Decision {
	p := scope.payload(PromptSubmit)
	p.Prompt = prompt
	return e.run(ctx, cfg, p)
}

func (s Scope) payload(event Event) Payload {
	return Payload{
		Event:     event,
		SessionID: strings.TrimSpace(s.SessionID),
		Model:     strings.TrimSpace(s.Model),
		Cwd:       strings.TrimSpace(s.Cwd),
	}
}

func (e *Executor) run(ctx context.Context, cfg *Config, payload Payload) Decision {
	event := payload.Event
	hook := cfg.For(event)
	if hook == nil {
		return Decision{Outcome: Allow}
	}
	if e == nil || e.invoker == nil {
		return e.failed(event, errors.New("no hook invoker configured"))
	}
	if ctx == nil {
		ctx = context.Background()
	}

	callCtx, cancel := context.WithTimeout(ctx, hook.EffectiveTimeout())
	defer cancel()

	resp, err := e.invoker.Invoke(callCtx, event, *hook, payload)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("hook timed out after %s: %w", hook.EffectiveTimeout(), err)
		}
		return e.failed(event, err)
	}
	d, err := decisionFromResponse(resp)
	if err != nil {
		return e.failed(event, err)
	}
	e.log.Debug("hook decision", "event", event, "session_id", payload.SessionID, "outcome", d.Outcome)
	e.notify(event, d.Outcome, false)
	return d
}

func (e *Executor) failed(event Event, err error) Decision {
	d := Decision{Outcome: Allow}
	if event.Gating() {
		d = Decision{Outcome: Deny, Reason: fmt.Sprintf("%s hook failed: %v", event, err)}
	}
	if e != nil {
		e.log.Warn("hook failed", "event", event, "outcome", d.Outcome, "error", err)
		e.notify(event, d.Outcome, true)
	}
	return d
}

func (e *Executor) notify(event Event, outcome Outcome, failed bool) {
	if e == nil || e.observe == nil {
		return
	}
	e.observe(event, outcome, failed)
}

func decisionFromResponse(resp *Response) (Decision, error) {
	if resp == nil {
		return Decision{}, fmt.Errorf("%w: empty response", ErrMalformedResponse)
	}
	reason := strings.TrimSpace(resp.Reason)
	switch strings.ToLower(strings.TrimSpace(resp.Decision)) {
	case "allow", "approve":
		return Decision{Outcome: Allow, Reason: reason}, nil
	case "deny", "block":
		return Decision{Outcome: Deny, Reason: reason}, nil
	case "modify":
		if len(resp.Payload) == 0 || string(resp.Payload) == "null" {
			return Decision{}, fmt.Errorf("%w: modify without payload", ErrMalformedResponse)
		}
		return Decision{Outcome: Modify, Payload: resp.Payload, Reason: reason}, nil
	default:
		return Decision{}, fmt.Errorf("%w: unknown decision %q", ErrMalformedResponse, resp.Decision)
	}
}

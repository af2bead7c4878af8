package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func newTestExecutor(inv Invoker) *Executor {
	return NewExecutor(Options{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Invoker: inv,
	})
}

func allHooked() *Config {
	h := &Hook{URL: "http://hooks.invalid/x"}
	return &Config{PreToolUse: h, PostToolUse: h, Stop: h, SubagentStop: h, PromptSubmit: h}
}

func TestExecutor_UnconfiguredEventAllows(t *testing.T) {
	t.Parallel()

	called := false
	e := newTestExecutor(InvokerFunc(func(context.Context, Event, Hook, Payload) (*Response, error) {
		called = true
		return nil, errors.New("unexpected")
	}))
	d := e.PreToolUse(context.Background(), &Config{}, Scope{SessionID: "s1"}, "tu_1", "Bash", nil)
	if d.Outcome != Allow {
		t.Fatalf("outcome=%q, want allow", d.Outcome)
	}
	if called {
		t.Fatalf("invoker must not be called without a hook")
	}
	if d := e.Stop(context.Background(), nil, Scope{}, "completed", false); d.Outcome != Allow {
		t.Fatalf("nil config outcome=%q", d.Outcome)
	}
}

func TestExecutor_PreToolUseDeny(t *testing.T) {
	t.Parallel()

	var got Payload
	e := newTestExecutor(InvokerFunc(func(_ context.Context, ev Event, _ Hook, p Payload) (*Response, error) {
		got = p
		return &Response{Decision: "deny", Reason: "no shell"}, nil
	}))
	d := e.PreToolUse(context.Background(), allHooked(), Scope{SessionID: "s1"}, "tu_1", "Bash", json.RawMessage(`{"command":"rm -rf /"}`))
	if d.Allowed() || d.Reason != "no shell" {
		t.Fatalf("decision=%+v", d)
	}
	if got.Event != PreToolUse || got.ToolName != "Bash" || got.SessionID != "s1" || string(got.ToolInput) != `{"command":"rm -rf /"}` {
		t.Fatalf("payload=%+v", got)
	}
}

func TestExecutor_PromptSubmitModify(t *testing.T) {
	t.Parallel()

	e := newTestExecutor(InvokerFunc(func(context.Context, Event, Hook, Payload) (*Response, error) {
		return &Response{Decision: "modify", Payload: json.RawMessage(`{"prompt":"be nice"}`)}, nil
	}))
	d := e.PromptSubmit(context.Background(), allHooked(), Scope{SessionID: "s1"}, "be mean")
	if d.Outcome != Modify || string(d.Payload) != `{"prompt":"be nice"}` {
		t.Fatalf("decision=%+v", d)
	}
}

func TestExecutor_FailurePolicy(t *testing.T) {
	t.Parallel()

	failing := []struct {
		name string
		inv  InvokerFunc
	}{
		{"transport", func(context.Context, Event, Hook, Payload) (*Response, error) {
			return nil, errors.New("connection refused")
		}},
		{"malformed", func(context.Context, Event, Hook, Payload) (*Response, error) {
			return &Response{Decision: "maybe"}, nil
		}},
		{"modify_without_payload", func(context.Context, Event, Hook, Payload) (*Response, error) {
			return &Response{Decision: "modify"}, nil
		}},
	}
	for _, tc := range failing {
		e := newTestExecutor(tc.inv)
		ctx := context.Background()
		cfg := allHooked()
		scope := Scope{SessionID: "s1"}

		if d := e.PreToolUse(ctx, cfg, scope, "tu", "Write", nil); d.Outcome != Deny {
			t.Fatalf("%s: pre_tool_use outcome=%q, want deny", tc.name, d.Outcome)
		}
		if d := e.PromptSubmit(ctx, cfg, scope, "hi"); d.Outcome != Deny {
			t.Fatalf("%s: prompt_submit outcome=%q, want deny", tc.name, d.Outcome)
		}
		if d := e.PostToolUse(ctx, cfg, scope, "tu", "Write", nil, nil, false); d.Outcome != Allow {
			t.Fatalf("%s: post_tool_use outcome=%q, want allow", tc.name, d.Outcome)
		}
		if d := e.Stop(ctx, cfg, scope, "completed", false); d.Outcome != Allow {
			t.Fatalf("%s: stop outcome=%q, want allow", tc.name, d.Outcome)
		}
		if d := e.SubagentStop(ctx, cfg, scope, "reviewer"); d.Outcome != Allow {
			t.Fatalf("%s: subagent_stop outcome=%q, want allow", tc.name, d.Outcome)
		}
	}
}

func TestExecutor_TimeoutIsTransportFailure(t *testing.T) {
	t.Parallel()

	e := newTestExecutor(InvokerFunc(func(ctx context.Context, _ Event, _ Hook, _ Payload) (*Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	h := &Hook{URL: "http://hooks.invalid/x", TimeoutMs: 20}
	cfg := &Config{PreToolUse: h, Stop: h}

	start := time.Now()
	if d := e.PreToolUse(context.Background(), cfg, Scope{}, "tu", "Bash", nil); d.Outcome != Deny {
		t.Fatalf("pre_tool_use outcome=%q, want deny", d.Outcome)
	}
	if d := e.Stop(context.Background(), cfg, Scope{}, "completed", false); d.Outcome != Allow {
		t.Fatalf("stop outcome=%q, want allow", d.Outcome)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("timeouts were not bounded")
	}
}

func TestExecutor_ObserveReportsFailures(t *testing.T) {
	t.Parallel()

	type seen struct {
		event   Event
		outcome Outcome
		failed  bool
	}
	var got []seen
	e := NewExecutor(Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Invoker: InvokerFunc(func(context.Context, Event, Hook, Payload) (*Response, error) {
			return nil, errors.New("down")
		}),
		Observe: func(ev Event, o Outcome, failed bool) {
			got = append(got, seen{ev, o, failed})
		},
	})
	e.PreToolUse(context.Background(), allHooked(), Scope{}, "tu", "Bash", nil)
	if len(got) != 1 || got[0] != (seen{PreToolUse, Deny, true}) {
		t.Fatalf("observed=%+v", got)
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	if err := (&Config{Stop: &Hook{URL: "ftp://x"}}).Validate(); err == nil {
		t.Fatalf("expected scheme error")
	}
	if err := (&Config{Stop: &Hook{URL: "https://hooks.example.com/stop"}}).Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	var nilCfg *Config
	if err := nilCfg.Validate(); err != nil {
		t.Fatalf("nil Validate: %v", err)
	}
}

func TestConfig_Merge(t *testing.T) {
	t.Parallel()

	base := &Config{Stop: &Hook{URL: "http://a/stop"}, PreToolUse: &Hook{URL: "http://a/pre"}}
	out := base.Merge(&Config{Stop: &Hook{URL: "http://b/stop"}})
	if out.Stop.URL != "http://b/stop" || out.PreToolUse.URL != "http://a/pre" {
		t.Fatalf("merged=%+v", out)
	}
	if base.Stop.URL != "http://a/stop" {
		t.Fatalf("merge mutated base")
	}
}

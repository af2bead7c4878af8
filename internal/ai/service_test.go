package ai

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/floegence/flower-relay/internal/hooks"
	"github.com/floegence/flower-relay/internal/runtime"
	"github.com/floegence/flower-relay/internal/stream"
)

func newTestService(driver runtime.Driver, mutate func(*Options)) *Service {
	opts := Options{
		Logger:       discardLogger(),
		Driver:       driver,
		Tools:        []string{"Read", "Write"},
		DefaultModel: "model-default",
	}
	if mutate != nil {
		mutate(&opts)
	}
	return NewService(opts)
}

func TestStreamQuery_CleanRun(t *testing.T) {
	t.Parallel()

	drv := &scriptedDriver{script: func(ctx context.Context, _ runtime.Request, s *fakeSession) {
		s.send(ctx, runtime.SystemMessage{Subtype: "init", Model: "model-x"})
		s.send(ctx, assistantText("hello", &runtime.Usage{InputTokens: 3, OutputTokens: 2}))
		s.send(ctx, okResult("hello", 1))
		s.Finish(nil)
	}}
	rec := &fakeRecorder{}
	svc := newTestService(drv, func(o *Options) { o.Sessions = rec })

	out := &recorder{}
	if err := svc.StreamQuery(context.Background(), QueryRequest{Prompt: "hi", SessionID: "s-clean"}, out); err != nil {
		t.Fatalf("StreamQuery: %v", err)
	}

	want := []string{stream.EventInit, stream.EventMessage, stream.EventResult, stream.EventDone}
	if got := out.names(); !equalStrings(got, want) {
		t.Fatalf("events=%v, want %v", got, want)
	}

	var init InitPayload
	out.decode(t, stream.EventInit, &init)
	if init.SessionID != "s-clean" || init.PermissionMode != runtime.PermissionDefault || len(init.Tools) != 2 {
		t.Fatalf("unexpected init payload: %+v", init)
	}

	var result ResultPayload
	out.decode(t, stream.EventResult, &result)
	if result.IsError || result.NumTurns != 1 || result.Result == nil || *result.Result != "hello" {
		t.Fatalf("unexpected result payload: %+v", result)
	}
	if result.Usage.InputTokens != 10 || result.TotalCost == nil {
		t.Fatalf("result usage/cost not taken from runtime result: %+v", result)
	}

	var done DonePayload
	out.decode(t, stream.EventDone, &done)
	if done.Reason != ReasonCompleted {
		t.Fatalf("done reason=%q, want %q", done.Reason, ReasonCompleted)
	}
	if svc.registry.IsActive("s-clean") {
		t.Fatalf("session still registered after done")
	}
	if len(rec.begins) != 1 || len(rec.finishes) != 1 || rec.finishes[0].Reason != ReasonCompleted {
		t.Fatalf("session record not written: begins=%v finishes=%v", rec.begins, rec.finishes)
	}
	if len(rec.events) != 4 {
		t.Fatalf("recorded events=%v", rec.events)
	}
}

func TestStreamQuery_RuntimeErrorWithoutResult(t *testing.T) {
	t.Parallel()

	drv := &scriptedDriver{script: func(ctx context.Context, _ runtime.Request, s *fakeSession) {
		s.send(ctx, assistantText("partial answer", nil))
		s.Finish(errors.New("runtime exited with status 1"))
	}}
	svc := newTestService(drv, nil)

	out := &recorder{}
	if err := svc.StreamQuery(context.Background(), QueryRequest{Prompt: "hi"}, out); err != nil {
		t.Fatalf("StreamQuery: %v", err)
	}
	want := []string{stream.EventInit, stream.EventMessage, stream.EventError, stream.EventResult, stream.EventDone}
	if got := out.names(); !equalStrings(got, want) {
		t.Fatalf("events=%v, want %v", got, want)
	}
	var ep ErrorPayload
	out.decode(t, stream.EventError, &ep)
	if ep.Code != CodeRuntimeError {
		t.Fatalf("error code=%q", ep.Code)
	}
	var result ResultPayload
	out.decode(t, stream.EventResult, &result)
	if !result.IsError {
		t.Fatalf("result is_error=false after runtime failure")
	}
	var done DonePayload
	out.decode(t, stream.EventDone, &done)
	if done.Reason != ReasonError {
		t.Fatalf("done reason=%q, want error", done.Reason)
	}
}

func TestStreamQuery_DriverStartFailure(t *testing.T) {
	t.Parallel()

	svc := newTestService(&scriptedDriver{startErr: errors.New("cli not found")}, nil)
	out := &recorder{}
	if err := svc.StreamQuery(context.Background(), QueryRequest{Prompt: "hi"}, out); err != nil {
		t.Fatalf("StreamQuery: %v", err)
	}
	want := []string{stream.EventInit, stream.EventError, stream.EventResult, stream.EventDone}
	if got := out.names(); !equalStrings(got, want) {
		t.Fatalf("events=%v, want %v", got, want)
	}
	var ep ErrorPayload
	out.decode(t, stream.EventError, &ep)
	if ep.Code != CodeRuntimeUnavailable {
		t.Fatalf("error code=%q", ep.Code)
	}
}

func TestStreamQuery_PreRunFailures(t *testing.T) {
	t.Parallel()

	svc := newTestService(&scriptedDriver{script: func(context.Context, runtime.Request, *fakeSession) {}}, nil)
	out := &recorder{}

	if err := svc.StreamQuery(context.Background(), QueryRequest{Prompt: "  "}, out); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("empty prompt err=%v", err)
	}
	if err := svc.StreamQuery(context.Background(), QueryRequest{Prompt: "x", PermissionMode: "yolo"}, out); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("bad permission mode err=%v", err)
	}
	if err := svc.registry.Register("s-busy"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := svc.StreamQuery(context.Background(), QueryRequest{Prompt: "x", SessionID: "s-busy"}, out); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("busy session err=%v", err)
	}
	if n := len(out.names()); n != 0 {
		t.Fatalf("pre-run failures emitted %d events", n)
	}

	noDriver := newTestService(nil, nil)
	if err := noDriver.StreamQuery(context.Background(), QueryRequest{Prompt: "x"}, out); !errors.Is(err, ErrRuntimeUnavailable) {
		t.Fatalf("no driver err=%v", err)
	}
}

func TestStreamQuery_QuestionAnswered(t *testing.T) {
	t.Parallel()

	decisions := make(chan runtime.ToolDecision, 1)
	input := json.RawMessage(`{"question":"Which color?"}`)
	drv := &scriptedDriver{script: func(ctx context.Context, req runtime.Request, s *fakeSession) {
		s.send(ctx, runtime.AssistantMessage{Content: []runtime.ContentBlock{
			runtime.TextBlock("let me ask"),
			runtime.ToolUseBlock("tu-q", QuestionToolName, input),
		}})
		decisions <- req.ToolGate(ctx, runtime.ToolCall{ID: "tu-q", Name: QuestionToolName, Input: input})
		s.send(ctx, okResult("blue it is", 2))
		s.Finish(nil)
	}}
	svc := newTestService(drv, nil)

	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if svc.SubmitAnswer("s-q", "blue") {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	out := &recorder{}
	if err := svc.StreamQuery(context.Background(), QueryRequest{Prompt: "paint", SessionID: "s-q"}, out); err != nil {
		t.Fatalf("StreamQuery: %v", err)
	}
	want := []string{stream.EventInit, stream.EventQuestion, stream.EventResult, stream.EventDone}
	if got := out.names(); !equalStrings(got, want) {
		t.Fatalf("events=%v, want %v", got, want)
	}
	var q QuestionPayload
	out.decode(t, stream.EventQuestion, &q)
	if q.ToolUseID != "tu-q" || q.Question != "Which color?" || q.SessionID != "s-q" {
		t.Fatalf("unexpected question payload: %+v", q)
	}

	d := <-decisions
	if !d.Allow {
		t.Fatalf("answered question was denied: %+v", d)
	}
	var updated struct {
		Question string            `json:"question"`
		Answers  map[string]string `json:"answers"`
	}
	if err := json.Unmarshal(d.UpdatedInput, &updated); err != nil {
		t.Fatalf("decode updated input: %v", err)
	}
	if updated.Answers["Which color?"] != "blue" || updated.Question != "Which color?" {
		t.Fatalf("unexpected updated input: %s", d.UpdatedInput)
	}
}

func TestStreamQuery_PreToolHookDenies(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		respond func(ctx context.Context) (*hooks.Response, error)
	}{
		{
			name: "deny",
			respond: func(context.Context) (*hooks.Response, error) {
				return &hooks.Response{Decision: "deny", Reason: "no shell"}, nil
			},
		},
		{
			name: "transport failure",
			respond: func(context.Context) (*hooks.Response, error) {
				return nil, errors.New("connection refused")
			},
		},
		{
			name: "timeout",
			respond: func(ctx context.Context) (*hooks.Response, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			decisions := make(chan runtime.ToolDecision, 1)
			drv := &scriptedDriver{script: func(ctx context.Context, req runtime.Request, s *fakeSession) {
				decisions <- req.ToolGate(ctx, runtime.ToolCall{ID: "tu-1", Name: "Bash", Input: json.RawMessage(`{"command":"rm -rf /"}`)})
				s.send(ctx, okResult("ok", 1))
				s.Finish(nil)
			}}
			svc := newTestService(drv, func(o *Options) {
				o.Hooks = hookResponder(map[hooks.Event]func(context.Context) (*hooks.Response, error){hooks.PreToolUse: tc.respond})
				o.HooksConfig = &hooks.Config{PreToolUse: testHook()}
			})

			out := &recorder{}
			if err := svc.StreamQuery(context.Background(), QueryRequest{Prompt: "clean up"}, out); err != nil {
				t.Fatalf("StreamQuery: %v", err)
			}
			d := <-decisions
			if d.Allow || d.Reason == "" {
				t.Fatalf("tool call was not denied: %+v", d)
			}
			var done DonePayload
			out.decode(t, stream.EventDone, &done)
			if done.Reason != ReasonCompleted {
				t.Fatalf("done reason=%q", done.Reason)
			}
		})
	}
}

func TestStreamQuery_PreToolHookModifiesInput(t *testing.T) {
	t.Parallel()

	decisions := make(chan runtime.ToolDecision, 1)
	drv := &scriptedDriver{script: func(ctx context.Context, req runtime.Request, s *fakeSession) {
		decisions <- req.ToolGate(ctx, runtime.ToolCall{ID: "tu-1", Name: "Bash", Input: json.RawMessage(`{"command":"ls"}`)})
		s.Finish(nil)
	}}
	svc := newTestService(drv, func(o *Options) {
		o.Hooks = hookResponder(map[hooks.Event]func(context.Context) (*hooks.Response, error){
			hooks.PreToolUse: func(context.Context) (*hooks.Response, error) {
				return &hooks.Response{Decision: "modify", Payload: json.RawMessage(`{"command":"ls -la"}`)}, nil
			},
		})
		o.HooksConfig = &hooks.Config{PreToolUse: testHook()}
	})
	if err := svc.StreamQuery(context.Background(), QueryRequest{Prompt: "list"}, &recorder{}); err != nil {
		t.Fatalf("StreamQuery: %v", err)
	}
	d := <-decisions
	if !d.Allow || string(d.UpdatedInput) != `{"command":"ls -la"}` {
		t.Fatalf("unexpected decision: allow=%v input=%s", d.Allow, d.UpdatedInput)
	}
}

func TestStreamQuery_PromptSubmitHook(t *testing.T) {
	t.Parallel()

	t.Run("deny skips the runtime", func(t *testing.T) {
		t.Parallel()
		drv := &scriptedDriver{script: func(_ context.Context, _ runtime.Request, s *fakeSession) { s.Finish(nil) }}
		svc := newTestService(drv, func(o *Options) {
			o.Hooks = hookResponder(map[hooks.Event]func(context.Context) (*hooks.Response, error){
				hooks.PromptSubmit: func(context.Context) (*hooks.Response, error) {
					return &hooks.Response{Decision: "deny", Reason: "off topic"}, nil
				},
			})
			o.HooksConfig = &hooks.Config{PromptSubmit: testHook()}
		})
		out := &recorder{}
		if err := svc.StreamQuery(context.Background(), QueryRequest{Prompt: "hi"}, out); err != nil {
			t.Fatalf("StreamQuery: %v", err)
		}
		want := []string{stream.EventInit, stream.EventError, stream.EventResult, stream.EventDone}
		if got := out.names(); !equalStrings(got, want) {
			t.Fatalf("events=%v, want %v", got, want)
		}
		var ep ErrorPayload
		out.decode(t, stream.EventError, &ep)
		if ep.Code != CodePromptRejected || ep.Message != "off topic" {
			t.Fatalf("unexpected error payload: %+v", ep)
		}
		if drv.started() != 0 {
			t.Fatalf("runtime started despite rejected prompt")
		}
	})

	t.Run("modify rewrites the prompt", func(t *testing.T) {
		t.Parallel()
		drv := &scriptedDriver{script: func(_ context.Context, _ runtime.Request, s *fakeSession) { s.Finish(nil) }}
		svc := newTestService(drv, func(o *Options) {
			o.Hooks = hookResponder(map[hooks.Event]func(context.Context) (*hooks.Response, error){
				hooks.PromptSubmit: func(context.Context) (*hooks.Response, error) {
					return &hooks.Response{Decision: "modify", Payload: json.RawMessage(`{"prompt":"hi, politely"}`)}, nil
				},
			})
		})
		req := QueryRequest{Prompt: "hi", Hooks: &hooks.Config{PromptSubmit: testHook()}}
		if err := svc.StreamQuery(context.Background(), req, &recorder{}); err != nil {
			t.Fatalf("StreamQuery: %v", err)
		}
		if got := drv.lastRequest(t).Prompt; got != "hi, politely" {
			t.Fatalf("runtime prompt=%q", got)
		}
	})
}

func TestStreamQuery_StopHookTimeoutFailsOpen(t *testing.T) {
	t.Parallel()

	drv := &scriptedDriver{script: func(ctx context.Context, _ runtime.Request, s *fakeSession) {
		s.send(ctx, okResult("done", 1))
		s.Finish(nil)
	}}
	stopCalled := make(chan struct{}, 1)
	svc := newTestService(drv, func(o *Options) {
		o.Hooks = hookResponder(map[hooks.Event]func(context.Context) (*hooks.Response, error){
			hooks.Stop: func(ctx context.Context) (*hooks.Response, error) {
				stopCalled <- struct{}{}
				<-ctx.Done()
				return nil, ctx.Err()
			},
		})
		o.HooksConfig = &hooks.Config{Stop: &hooks.Hook{URL: "http://hooks.test/stop", TimeoutMs: 20}}
	})

	out := &recorder{}
	if err := svc.StreamQuery(context.Background(), QueryRequest{Prompt: "hi"}, out); err != nil {
		t.Fatalf("StreamQuery: %v", err)
	}
	select {
	case <-stopCalled:
	default:
		t.Fatalf("stop hook was not invoked")
	}
	var done DonePayload
	out.decode(t, stream.EventDone, &done)
	if done.Reason != ReasonCompleted {
		t.Fatalf("done reason=%q, want completed", done.Reason)
	}
}

func TestStreamQuery_PostToolUseAndSubagentHooks(t *testing.T) {
	t.Parallel()

	seen := make(chan hooks.Payload, 8)
	exec := hooks.NewExecutor(hooks.Options{
		Logger: discardLogger(),
		Invoker: hooks.InvokerFunc(func(_ context.Context, _ hooks.Event, _ hooks.Hook, p hooks.Payload) (*hooks.Response, error) {
			seen <- p
			return &hooks.Response{Decision: "allow"}, nil
		}),
	})
	drv := &scriptedDriver{script: func(ctx context.Context, _ runtime.Request, s *fakeSession) {
		s.send(ctx, runtime.AssistantMessage{Content: []runtime.ContentBlock{
			runtime.ToolUseBlock("tu-task", "Task", json.RawMessage(`{"subagent_type":"reviewer","prompt":"check"}`)),
		}})
		s.send(ctx, runtime.UserMessage{UUID: "u-2", Content: []runtime.ContentBlock{
			{Type: runtime.BlockToolResult, ToolUseID: "tu-task", Content: json.RawMessage(`"looks fine"`)},
		}})
		s.send(ctx, okResult("ok", 1))
		s.Finish(nil)
	}}
	svc := newTestService(drv, func(o *Options) {
		o.Hooks = exec
		o.HooksConfig = &hooks.Config{PostToolUse: testHook(), SubagentStop: testHook()}
	})
	if err := svc.StreamQuery(context.Background(), QueryRequest{Prompt: "review"}, &recorder{}); err != nil {
		t.Fatalf("StreamQuery: %v", err)
	}
	close(seen)

	var got []hooks.Payload
	for p := range seen {
		got = append(got, p)
	}
	if len(got) != 2 {
		t.Fatalf("hook calls=%d, want 2: %+v", len(got), got)
	}
	if got[0].Event != hooks.PostToolUse || got[0].ToolName != "Task" || string(got[0].ToolResult) != `"looks fine"` {
		t.Fatalf("unexpected post_tool_use payload: %+v", got[0])
	}
	if got[1].Event != hooks.SubagentStop || got[1].Subagent != "reviewer" {
		t.Fatalf("unexpected subagent_stop payload: %+v", got[1])
	}
}

func TestStreamQuery_InterruptWhileWaiting(t *testing.T) {
	t.Parallel()

	drv := &scriptedDriver{script: func(ctx context.Context, _ runtime.Request, s *fakeSession) {
		s.send(ctx, assistantText("working", nil))
		select {
		case <-s.interrupted:
		case <-ctx.Done():
		}
		s.Finish(nil)
	}}
	svc := newTestService(drv, nil)

	out := &recorder{}
	out.onEvent = func(rec stream.Record) {
		if rec.Event == stream.EventMessage {
			go func() {
				if !svc.Interrupt("s-int") {
					t.Errorf("Interrupt returned false for a live session")
				}
			}()
		}
	}
	if err := svc.StreamQuery(context.Background(), QueryRequest{Prompt: "long task", SessionID: "s-int"}, out); err != nil {
		t.Fatalf("StreamQuery: %v", err)
	}

	want := []string{stream.EventInit, stream.EventMessage, stream.EventResult, stream.EventDone}
	if got := out.names(); !equalStrings(got, want) {
		t.Fatalf("events=%v, want %v", got, want)
	}
	var done DonePayload
	out.decode(t, stream.EventDone, &done)
	if done.Reason != ReasonInterrupted {
		t.Fatalf("done reason=%q, want interrupted", done.Reason)
	}
	sess := drv.sessions[0]
	waitFor(t, "runtime interrupt", func() bool {
		select {
		case <-sess.interrupted:
			return sess.closed.Load()
		default:
			return false
		}
	})
	if svc.Interrupt("s-int") {
		t.Fatalf("Interrupt after done returned true")
	}
}

func TestStreamQuery_InterruptDropsQueuedMessages(t *testing.T) {
	t.Parallel()

	drv := &scriptedDriver{script: func(ctx context.Context, _ runtime.Request, s *fakeSession) {
		s.send(ctx, assistantText("first", nil))
		s.send(ctx, assistantText("second", nil))
		s.send(ctx, assistantText("third", nil))
		s.send(ctx, okResult("done", 3))
		s.Finish(nil)
	}}
	svc := newTestService(drv, nil)

	out := &recorder{}
	out.onEvent = func(rec stream.Record) {
		if rec.Event == stream.EventMessage {
			svc.Interrupt("s-queued")
		}
	}
	if err := svc.StreamQuery(context.Background(), QueryRequest{Prompt: "x", SessionID: "s-queued"}, out); err != nil {
		t.Fatalf("StreamQuery: %v", err)
	}

	want := []string{stream.EventInit, stream.EventMessage, stream.EventResult, stream.EventDone}
	if got := out.names(); !equalStrings(got, want) {
		t.Fatalf("events=%v, want %v", got, want)
	}
	var msg MessagePayload
	out.decode(t, stream.EventMessage, &msg)
	if len(msg.Content) != 1 || msg.Content[0].Text != "first" {
		t.Fatalf("unexpected message: %+v", msg.Content)
	}
	var done DonePayload
	out.decode(t, stream.EventDone, &done)
	if done.Reason != ReasonInterrupted {
		t.Fatalf("done reason=%q, want interrupted", done.Reason)
	}
}

func TestStreamQuery_InterruptTakesPrecedenceOverError(t *testing.T) {
	t.Parallel()

	drv := &scriptedDriver{script: func(ctx context.Context, _ runtime.Request, s *fakeSession) {
		res := okResult("failed", 1)
		res.IsError = true
		res.Subtype = "error_during_execution"
		s.send(ctx, res)
		s.Finish(nil)
	}}
	svc := newTestService(drv, nil)
	out := &recorder{}
	out.onEvent = func(rec stream.Record) {
		if rec.Event == stream.EventResult {
			svc.Interrupt("s-prec")
		}
	}
	if err := svc.StreamQuery(context.Background(), QueryRequest{Prompt: "x", SessionID: "s-prec"}, out); err != nil {
		t.Fatalf("StreamQuery: %v", err)
	}
	var result ResultPayload
	out.decode(t, stream.EventResult, &result)
	if !result.IsError {
		t.Fatalf("result is_error=false for an error result")
	}
	var done DonePayload
	out.decode(t, stream.EventDone, &done)
	if done.Reason != ReasonInterrupted {
		t.Fatalf("done reason=%q, want interrupted", done.Reason)
	}
}

func TestStreamQuery_ClientCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	drv := &scriptedDriver{script: func(ctx context.Context, _ runtime.Request, s *fakeSession) {
		s.send(ctx, assistantText("working", nil))
		<-ctx.Done()
		s.Finish(ctx.Err())
	}}
	svc := newTestService(drv, nil)
	out := &recorder{}
	out.onEvent = func(rec stream.Record) {
		if rec.Event == stream.EventMessage {
			cancel()
		}
	}
	if err := svc.StreamQuery(ctx, QueryRequest{Prompt: "x"}, out); err != nil {
		t.Fatalf("StreamQuery: %v", err)
	}
	var ep ErrorPayload
	out.decode(t, stream.EventError, &ep)
	if ep.Code != CodeCanceled {
		t.Fatalf("error code=%q, want canceled", ep.Code)
	}
	names := out.names()
	if names[len(names)-1] != stream.EventDone {
		t.Fatalf("last event=%q, want done", names[len(names)-1])
	}
}

func TestStreamQuery_MalformedResultIsNotFatal(t *testing.T) {
	t.Parallel()

	drv := &scriptedDriver{script: func(ctx context.Context, _ runtime.Request, s *fakeSession) {
		res := okResult("fine", 1)
		res.Usage = nil
		res.Invalid = []string{"usage"}
		s.send(ctx, assistantText("fine", &runtime.Usage{OutputTokens: 7}))
		s.send(ctx, res)
		s.Finish(nil)
	}}
	svc := newTestService(drv, nil)
	out := &recorder{}
	if err := svc.StreamQuery(context.Background(), QueryRequest{Prompt: "x"}, out); err != nil {
		t.Fatalf("StreamQuery: %v", err)
	}
	want := []string{stream.EventInit, stream.EventMessage, stream.EventError, stream.EventResult, stream.EventDone}
	if got := out.names(); !equalStrings(got, want) {
		t.Fatalf("events=%v, want %v", got, want)
	}
	var ep ErrorPayload
	out.decode(t, stream.EventError, &ep)
	if ep.Code != CodeResultMalformed {
		t.Fatalf("error code=%q", ep.Code)
	}
	var result ResultPayload
	out.decode(t, stream.EventResult, &result)
	if result.IsError || result.Usage.OutputTokens != 7 {
		t.Fatalf("unexpected result payload: %+v", result)
	}
	var done DonePayload
	out.decode(t, stream.EventDone, &done)
	if done.Reason != ReasonCompleted {
		t.Fatalf("done reason=%q", done.Reason)
	}
}

func TestStreamQuery_PartialMessages(t *testing.T) {
	t.Parallel()

	script := func(ctx context.Context, _ runtime.Request, s *fakeSession) {
		s.send(ctx, runtime.StreamEventMessage{Event: runtime.StreamEvent{Type: runtime.StreamContentBlockStart, Index: 0, ContentBlock: &runtime.ContentBlock{Type: runtime.BlockText}}})
		s.send(ctx, runtime.StreamEventMessage{Event: runtime.StreamEvent{Type: runtime.StreamContentBlockDelta, Index: 0, Delta: &runtime.Delta{Type: runtime.DeltaText, Text: "he"}}})
		s.send(ctx, runtime.StreamEventMessage{Event: runtime.StreamEvent{Type: runtime.StreamContentBlockStop, Index: 0}})
		s.send(ctx, assistantText("he", nil))
		s.Finish(nil)
	}

	enabled := &scriptedDriver{script: script}
	svc := newTestService(enabled, nil)
	out := &recorder{}
	req := QueryRequest{Prompt: "x", IncludePartialMessages: boolPtr(true)}
	if err := svc.StreamQuery(context.Background(), req, out); err != nil {
		t.Fatalf("StreamQuery: %v", err)
	}
	partials := 0
	for _, n := range out.names() {
		if n == stream.EventPartialMessage {
			partials++
		}
	}
	if partials != 3 {
		t.Fatalf("partial events=%d, want 3 (%v)", partials, out.names())
	}
	if !enabled.lastRequest(t).IncludePartialMessages {
		t.Fatalf("runtime was not asked for partial messages")
	}

	disabled := &scriptedDriver{script: script}
	svc = newTestService(disabled, nil)
	out = &recorder{}
	if err := svc.StreamQuery(context.Background(), QueryRequest{Prompt: "x"}, out); err != nil {
		t.Fatalf("StreamQuery: %v", err)
	}
	for _, n := range out.names() {
		if n == stream.EventPartialMessage {
			t.Fatalf("partial event emitted with partial streaming off: %v", out.names())
		}
	}
}

func TestStreamQuery_Checkpoint(t *testing.T) {
	t.Parallel()

	drv := &scriptedDriver{script: func(ctx context.Context, _ runtime.Request, s *fakeSession) {
		s.send(ctx, runtime.UserMessage{UUID: "turn-1", Content: []runtime.ContentBlock{runtime.TextBlock("edit files")}})
		s.send(ctx, runtime.AssistantMessage{Content: []runtime.ContentBlock{
			runtime.ToolUseBlock("t1", "Write", json.RawMessage(`{"file_path":"/w/a.go","content":"x"}`)),
			runtime.ToolUseBlock("t2", "Edit", json.RawMessage(`{"file_path":"/w/b.go"}`)),
			runtime.ToolUseBlock("t3", "Write", json.RawMessage(`{"file_path":"/w/a.go","content":"y"}`)),
			runtime.ToolUseBlock("t4", "Read", json.RawMessage(`{"file_path":"/w/c.go"}`)),
		}})
		s.send(ctx, okResult("ok", 1))
		s.Finish(nil)
	}}
	store := &fakeCheckpointStore{}
	svc := newTestService(drv, func(o *Options) { o.Checkpoints = store })

	resp, err := svc.Query(context.Background(), QueryRequest{Prompt: "edit", EnableCheckpointing: boolPtr(true)})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !drv.lastRequest(t).ReplayUserMessages {
		t.Fatalf("checkpointing run did not ask for replayed user turns")
	}
	if len(store.calls) != 1 {
		t.Fatalf("checkpoint calls=%d, want 1", len(store.calls))
	}
	call := store.calls[0]
	if call.turn != "turn-1" || !equalStrings(call.files, []string{"/w/a.go", "/w/b.go"}) {
		t.Fatalf("unexpected checkpoint call: %+v", call)
	}
	if resp.Checkpoint == nil || resp.Checkpoint.CheckpointID != "cp_test" {
		t.Fatalf("checkpoint missing from response: %+v", resp.Checkpoint)
	}

	store.err = errors.New("disk full")
	resp, err = svc.Query(context.Background(), QueryRequest{Prompt: "edit", EnableCheckpointing: boolPtr(true)})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if resp.Checkpoint != nil || resp.IsError || resp.Reason != ReasonCompleted {
		t.Fatalf("checkpoint failure leaked into the run: %+v", resp)
	}
}

func TestQuery_AggregatesText(t *testing.T) {
	t.Parallel()

	drv := &scriptedDriver{script: func(ctx context.Context, req runtime.Request, s *fakeSession) {
		if req.IncludePartialMessages {
			s.send(ctx, runtime.StreamEventMessage{Event: runtime.StreamEvent{Type: runtime.StreamContentBlockStart}})
		}
		s.send(ctx, assistantText("Hello, ", &runtime.Usage{OutputTokens: 1}))
		s.send(ctx, assistantText("world", &runtime.Usage{OutputTokens: 2}))
		s.send(ctx, okResult("Hello, world", 1))
		s.Finish(nil)
	}}
	svc := newTestService(drv, nil)

	resp, err := svc.Query(context.Background(), QueryRequest{Prompt: "greet", IncludePartialMessages: boolPtr(true)})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if resp.Text != "Hello, world" || len(resp.Content) != 1 || resp.Content[0].Text != "Hello, world" {
		t.Fatalf("unexpected text aggregation: %+v", resp)
	}
	if resp.IsError || resp.Reason != ReasonCompleted || resp.NumTurns != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Usage == nil || resp.Usage.InputTokens != 10 {
		t.Fatalf("usage should come from the result: %+v", resp.Usage)
	}
	if drv.lastRequest(t).IncludePartialMessages {
		t.Fatalf("single query asked the runtime for partial messages")
	}
	if drv.lastRequest(t).ReplayUserMessages {
		t.Fatalf("run without checkpointing asked for replayed user turns")
	}
}

func TestQuery_QuestionDoesNotBlock(t *testing.T) {
	t.Parallel()

	decisions := make(chan runtime.ToolDecision, 1)
	input := json.RawMessage(`{"question":"Which color?"}`)
	drv := &scriptedDriver{script: func(ctx context.Context, req runtime.Request, s *fakeSession) {
		s.send(ctx, runtime.AssistantMessage{Content: []runtime.ContentBlock{
			runtime.ToolUseBlock("tu-q", QuestionToolName, input),
		}})
		decisions <- req.ToolGate(ctx, runtime.ToolCall{ID: "tu-q", Name: QuestionToolName, Input: input})
		s.send(ctx, okResult("no answer", 1))
		s.Finish(nil)
	}}
	svc := newTestService(drv, func(o *Options) { o.QuestionTimeout = 10 * time.Minute })

	start := time.Now()
	resp, err := svc.Query(context.Background(), QueryRequest{Prompt: "paint"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("Query blocked for %s waiting on an answer", elapsed)
	}
	if resp.Question == nil || resp.Question.ToolUseID != "tu-q" || resp.Question.Question != "Which color?" {
		t.Fatalf("question not reported: %+v", resp.Question)
	}
	d := <-decisions
	if d.Allow || d.Reason != questionNoStreamError {
		t.Fatalf("decision=%+v, want immediate denial", d)
	}
}

func TestQuery_ErrorReplacesAggregate(t *testing.T) {
	t.Parallel()

	drv := &scriptedDriver{script: func(ctx context.Context, _ runtime.Request, s *fakeSession) {
		s.send(ctx, assistantText("half an answer", nil))
		s.Finish(errors.New("boom"))
	}}
	svc := newTestService(drv, nil)

	resp, err := svc.Query(context.Background(), QueryRequest{Prompt: "x"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !resp.IsError || resp.Error == nil || resp.Reason != ReasonError {
		t.Fatalf("error not reported: %+v", resp)
	}
	if len(resp.Content) != 1 || resp.Content[0].Type != runtime.BlockText || resp.Content[0].Text != "Error: boom" {
		t.Fatalf("aggregate not replaced by error block: %+v", resp.Content)
	}
	if strings.Contains(resp.Text, "half an answer") {
		t.Fatalf("partial text leaked: %q", resp.Text)
	}
}

func TestControlPlane_InactiveSession(t *testing.T) {
	t.Parallel()

	svc := newTestService(&scriptedDriver{}, nil)
	if svc.Interrupt("nope") {
		t.Fatalf("Interrupt on inactive session returned true")
	}
	if svc.SubmitAnswer("nope", "x") {
		t.Fatalf("SubmitAnswer on inactive session returned true")
	}
	if svc.UpdatePermissionMode("nope", runtime.PermissionPlan) {
		t.Fatalf("UpdatePermissionMode on inactive session returned true")
	}
	if got := svc.ActiveSessions(); len(got) != 0 {
		t.Fatalf("ActiveSessions=%v", got)
	}
}

func TestControlPlane_PlanModeBlocksWrites(t *testing.T) {
	t.Parallel()

	ready := make(chan struct{})
	decisions := make(chan runtime.ToolDecision, 2)
	drv := &scriptedDriver{script: func(ctx context.Context, req runtime.Request, s *fakeSession) {
		<-ready
		decisions <- req.ToolGate(ctx, runtime.ToolCall{ID: "t1", Name: "Write", Input: json.RawMessage(`{"file_path":"/a"}`)})
		decisions <- req.ToolGate(ctx, runtime.ToolCall{ID: "t2", Name: "Read", Input: json.RawMessage(`{"file_path":"/a"}`)})
		s.Finish(nil)
	}}
	svc := newTestService(drv, nil)

	go func() {
		defer close(ready)
		deadline := time.Now().Add(5 * time.Second)
		for svc.liveRun("s-plan") == nil && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		if svc.UpdatePermissionMode("s-plan", "ultra") {
			t.Errorf("unknown permission mode accepted")
		}
		if !svc.UpdatePermissionMode("s-plan", "plan") {
			t.Errorf("UpdatePermissionMode returned false for a live session")
		}
	}()

	if err := svc.StreamQuery(context.Background(), QueryRequest{Prompt: "x", SessionID: "s-plan"}, &recorder{}); err != nil {
		t.Fatalf("StreamQuery: %v", err)
	}
	if d := <-decisions; d.Allow {
		t.Fatalf("Write allowed in plan mode")
	}
	if d := <-decisions; !d.Allow {
		t.Fatalf("Read denied in plan mode: %+v", d)
	}
	select {
	case mode := <-drv.sessions[0].modes:
		if mode != runtime.PermissionPlan {
			t.Fatalf("runtime got mode %q", mode)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("permission mode was not forwarded to the runtime")
	}
}

func TestStreamQuery_ForkAndResume(t *testing.T) {
	t.Parallel()

	drv := &scriptedDriver{script: func(_ context.Context, _ runtime.Request, s *fakeSession) { s.Finish(nil) }}
	svc := newTestService(drv, nil)

	out := &recorder{}
	if err := svc.StreamQuery(context.Background(), QueryRequest{Prompt: "x", SessionID: "parent", Fork: true}, out); err != nil {
		t.Fatalf("StreamQuery: %v", err)
	}
	var init InitPayload
	out.decode(t, stream.EventInit, &init)
	if init.SessionID == "parent" || init.SessionID == "" || init.ParentSessionID != "parent" {
		t.Fatalf("unexpected fork init: %+v", init)
	}
	if req := drv.lastRequest(t); req.ForkFrom != "parent" || req.SessionID != init.SessionID || req.Resume {
		t.Fatalf("unexpected fork request: %+v", req)
	}

	if err := svc.StreamQuery(context.Background(), QueryRequest{Prompt: "x", SessionID: "parent", Resume: true}, &recorder{}); err != nil {
		t.Fatalf("StreamQuery: %v", err)
	}
	if req := drv.lastRequest(t); !req.Resume || req.SessionID != "parent" || req.ForkFrom != "" {
		t.Fatalf("unexpected resume request: %+v", req)
	}
}

package ai

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/floegence/flower-relay/internal/hooks"
	"github.com/floegence/flower-relay/internal/runtime"
	"github.com/floegence/flower-relay/internal/sessionstore"
	"github.com/floegence/flower-relay/internal/stream"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type scriptFunc func(ctx context.Context, req runtime.Request, sess *fakeSession)

// scriptedDriver runs script on its own goroutine for every Start. The
// script owns the pipe and must call Finish.
type scriptedDriver struct {
	script   scriptFunc
	startErr error

	mu       sync.Mutex
	requests []runtime.Request
	sessions []*fakeSession
}

func (d *scriptedDriver) Name() string { return "scripted" }

func (d *scriptedDriver) Start(ctx context.Context, req runtime.Request) (runtime.Session, error) {
	if d.startErr != nil {
		return nil, d.startErr
	}
	sess := &fakeSession{
		Pipe:        runtime.NewPipe(16),
		interrupted: make(chan struct{}),
		modes:       make(chan string, 4),
	}
	d.mu.Lock()
	d.requests = append(d.requests, req)
	d.sessions = append(d.sessions, sess)
	d.mu.Unlock()
	go d.script(ctx, req, sess)
	return sess, nil
}

func (d *scriptedDriver) lastRequest(t *testing.T) runtime.Request {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.requests) == 0 {
		t.Fatalf("driver was never started")
	}
	return d.requests[len(d.requests)-1]
}

func (d *scriptedDriver) started() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

type fakeSession struct {
	*runtime.Pipe

	interruptOnce sync.Once
	interrupted   chan struct{}
	modes         chan string
	closed        atomic.Bool
}

func (s *fakeSession) Interrupt(context.Context) error {
	s.interruptOnce.Do(func() { close(s.interrupted) })
	return nil
}

func (s *fakeSession) SetPermissionMode(_ context.Context, mode string) error {
	select {
	case s.modes <- mode:
	default:
	}
	return nil
}

func (s *fakeSession) SendUserMessage(context.Context, string) error {
	return runtime.ErrUnsupported
}

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	s.Abandon()
	return nil
}

func (s *fakeSession) send(ctx context.Context, msg runtime.Message) {
	s.Send(ctx, msg)
}

// recorder is a stream.Sink that keeps every record.
type recorder struct {
	mu      sync.Mutex
	recs    []stream.Record
	onEvent func(stream.Record)
}

func (r *recorder) Send(rec stream.Record) error {
	r.mu.Lock()
	r.recs = append(r.recs, rec)
	fn := r.onEvent
	r.mu.Unlock()
	if fn != nil {
		fn(rec)
	}
	return nil
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.recs))
	for _, rec := range r.recs {
		out = append(out, rec.Event)
	}
	return out
}

func (r *recorder) decode(t *testing.T, event string, v any) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.recs {
		if rec.Event != event {
			continue
		}
		if err := json.Unmarshal(rec.Data, v); err != nil {
			t.Fatalf("decode %s: %v", event, err)
		}
		return
	}
	t.Fatalf("no %s event in %v", event, r.namesLocked())
}

func (r *recorder) namesLocked() []string {
	out := make([]string, 0, len(r.recs))
	for _, rec := range r.recs {
		out = append(out, rec.Event)
	}
	return out
}

type fakeCheckpointStore struct {
	mu    sync.Mutex
	err   error
	calls []fakeCheckpointCall
}

type fakeCheckpointCall struct {
	sessionID string
	turn      string
	files     []string
}

func (s *fakeCheckpointStore) CreateCheckpoint(_ context.Context, sessionID string, userTurnID string, files []string) (sessionstore.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, fakeCheckpointCall{sessionID: sessionID, turn: userTurnID, files: files})
	if s.err != nil {
		return sessionstore.Checkpoint{}, s.err
	}
	return sessionstore.Checkpoint{
		CheckpointID: "cp_test",
		SessionID:    sessionID,
		UserTurnID:   userTurnID,
		Files:        files,
	}, nil
}

type fakeRecorder struct {
	mu       sync.Mutex
	begins   []sessionstore.SessionStart
	finishes []sessionstore.SessionFinish
	events   []string
}

func (f *fakeRecorder) BeginRun(_ context.Context, in sessionstore.SessionStart) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.begins = append(f.begins, in)
	return nil
}

func (f *fakeRecorder) FinishRun(_ context.Context, _ string, in sessionstore.SessionFinish) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finishes = append(f.finishes, in)
	return nil
}

func (f *fakeRecorder) AppendRunEvent(_ context.Context, ev sessionstore.RunEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev.Event)
	return nil
}

// hookResponder answers hooks per event; a missing entry allows.
func hookResponder(byEvent map[hooks.Event]func(ctx context.Context) (*hooks.Response, error)) *hooks.Executor {
	return hooks.NewExecutor(hooks.Options{
		Logger: discardLogger(),
		Invoker: hooks.InvokerFunc(func(ctx context.Context, event hooks.Event, _ hooks.Hook, _ hooks.Payload) (*hooks.Response, error) {
			if fn, ok := byEvent[event]; ok {
				return fn(ctx)
			}
			return &hooks.Response{Decision: "allow"}, nil
		}),
	})
}

func testHook() *hooks.Hook {
	return &hooks.Hook{URL: "http://hooks.test/cb", TimeoutMs: 50}
}

func strPtr(s string) *string { return &s }

func boolPtr(b bool) *bool { return &b }

func assistantText(text string, usage *runtime.Usage) runtime.AssistantMessage {
	return runtime.AssistantMessage{
		UUID:    "a-" + text,
		Model:   "model-x",
		Content: []runtime.ContentBlock{runtime.TextBlock(text)},
		Usage:   usage,
	}
}

func okResult(text string, turns int) runtime.ResultMessage {
	cost := 0.01
	return runtime.ResultMessage{
		Subtype:      "success",
		NumTurns:     turns,
		TotalCostUSD: &cost,
		Result:       strPtr(text),
		Usage:        &runtime.Usage{InputTokens: 10, OutputTokens: 5},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func equalStrings(a []string, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/floegence/flower-relay/internal/hooks"
	"github.com/floegence/flower-relay/internal/runtime"
	"github.com/floegence/flower-relay/internal/sessionstore"
	"github.com/floegence/flower-relay/internal/stream"
)

// runState is the orchestrator's lifecycle position for one run.
type runState string

const (
	stateStarting  runState = "starting"
	stateStreaming runState = "streaming"
	stateFinishing runState = "finishing"
	stateDone      runState = "done"
)

// eventSink receives each protocol event once it has been encoded.
type eventSink interface {
	deliver(ev Event, rec stream.Record)
}

type streamSink struct {
	log *slog.Logger
	out stream.Sink
}

func (s *streamSink) deliver(_ Event, rec stream.Record) {
	if err := s.out.Send(rec); err != nil {
		s.log.Debug("stream write failed", "event", rec.Event, "error", err)
	}
}

// execution is one run from init to done.
type execution struct {
	svc   *Service
	log   *slog.Logger
	mode  string
	runID string

	req             QueryRequest
	parentSessionID string
	rc              *RunContext
	live            *liveRun
	sink            eventSink
	hooksCfg        *hooks.Config
	scope           hooks.Scope

	state      runState
	toolUses   map[string]runtime.ContentBlock
	fatal      *ErrorPayload
	checkpoint *sessionstore.Checkpoint
	reason     string
}

func (s *Service) execute(ctx context.Context, req QueryRequest, sink eventSink, mode string) (*execution, error) {
	if s == nil {
		return nil, errors.New("nil service")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := req.normalize(); err != nil {
		return nil, err
	}
	if s.driver == nil {
		return nil, ErrRuntimeUnavailable
	}

	sessionID := req.SessionID
	parent := ""
	switch {
	case req.Fork:
		parent = req.SessionID
		sessionID = NewSessionID()
	case sessionID == "":
		sessionID = NewSessionID()
	}

	permission := req.PermissionMode
	if permission == "" {
		permission = s.defaultPermissionMode
	}
	model := req.Model
	if model == "" {
		model = s.defaultModel
	}
	checkpointing := s.checkpointsByDefault
	if req.EnableCheckpointing != nil {
		checkpointing = *req.EnableCheckpointing
	}
	partial := s.partialStreamingDefault
	if req.IncludePartialMessages != nil {
		partial = *req.IncludePartialMessages
	}
	if mode == modeQuery {
		partial = false
	}

	if err := s.registry.Register(sessionID); err != nil {
		return nil, err
	}

	rc := NewRunContext(RunContextOptions{
		SessionID:        sessionID,
		Model:            model,
		Cwd:              req.Cwd,
		PermissionMode:   permission,
		Checkpointing:    checkpointing,
		PartialStreaming: partial,
	})
	cfg := s.hooksCfg.Merge(req.Hooks)
	scope := hooks.Scope{SessionID: sessionID, Model: model, Cwd: req.Cwd}
	runID := newRunID()
	x := &execution{
		svc:             s,
		log:             s.log.With("session_id", sessionID, "run_id", runID),
		mode:            mode,
		runID:           runID,
		req:             req,
		parentSessionID: parent,
		rc:              rc,
		live:            newLiveRun(s, sessionID, mode, permission, cfg, scope),
		sink:            sink,
		hooksCfg:        cfg,
		scope:           scope,
		state:           stateStarting,
		toolUses:        map[string]runtime.ContentBlock{},
	}
	s.putLive(x.live)
	s.metrics.runStarted()
	defer func() {
		s.dropLive(sessionID)
		s.registry.Unregister(sessionID)
	}()

	x.run(ctx)
	return x, nil
}

func (x *execution) run(ctx context.Context) {
	x.log.Info("run started", "mode", x.mode, "resume", x.req.Resume, "fork", x.parentSessionID != "", "permission_mode", x.rc.PermissionMode)
	if sess := x.starting(ctx); sess != nil {
		x.state = stateStreaming
		x.streaming(ctx, sess)
	}
	x.state = stateFinishing
	x.finishing(context.WithoutCancel(ctx))
	x.state = stateDone
}

func (x *execution) starting(ctx context.Context) runtime.Session {
	s := x.svc
	rc := x.rc
	s.recordBegin(ctx, sessionstore.SessionStart{
		SessionID:       rc.SessionID,
		ParentSessionID: x.parentSessionID,
		Model:           rc.Model,
		Cwd:             rc.Cwd,
		Title:           x.req.Prompt,
		PermissionMode:  rc.PermissionMode,
	})

	cat := s.discover(ctx, rc.Cwd)
	initPayload := InitPayload{
		SessionID:       rc.SessionID,
		ParentSessionID: x.parentSessionID,
		Model:           rc.Model,
		Cwd:             rc.Cwd,
		Tools:           s.tools,
		Plugins:         cat.Plugins,
		Commands:        cat.Commands,
		Agents:          cat.Agents,
		PermissionMode:  rc.PermissionMode,
		MCPServers:      cat.MCPServers,
	}
	if err := x.emit(Event{Name: stream.EventInit, Payload: initPayload}); err != nil {
		x.fail(CodeInternalError, err.Error(), nil)
		return nil
	}

	prompt := x.req.Prompt
	d := s.hooks.PromptSubmit(ctx, x.hooksCfg, x.scope, prompt)
	switch d.Outcome {
	case hooks.Deny:
		reason := d.Reason
		if reason == "" {
			reason = "prompt rejected by prompt_submit hook"
		}
		x.fail(CodePromptRejected, reason, nil)
		return nil
	case hooks.Modify:
		p, ok := promptFromPayload(d.Payload)
		if !ok {
			x.fail(CodePromptRejected, "prompt_submit hook returned an unusable prompt", nil)
			return nil
		}
		prompt = p
	}

	systemPrompt := x.req.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = s.systemPrompt
	}
	maxTurns := x.req.MaxTurns
	if maxTurns == 0 {
		maxTurns = s.maxTurns
	}
	req := runtime.Request{
		Prompt:                 prompt,
		SystemPrompt:           systemPrompt,
		SessionID:              rc.SessionID,
		Model:                  rc.Model,
		Cwd:                    rc.Cwd,
		PermissionMode:         rc.PermissionMode,
		MaxTurns:               maxTurns,
		AllowedTools:           x.req.AllowedTools,
		IncludePartialMessages: rc.PartialStreamingEnabled(),
		ReplayUserMessages:     rc.CheckpointingEnabled(),
		ToolGate:               x.live.gate,
	}
	switch {
	case x.req.Resume:
		req.Resume = true
	case x.parentSessionID != "":
		req.ForkFrom = x.parentSessionID
	}

	sess, err := s.driver.Start(ctx, req)
	if err != nil {
		x.fail(CodeRuntimeUnavailable, err.Error(), map[string]any{"driver": s.driver.Name()})
		return nil
	}
	x.live.attach(sess)
	return sess
}

// streaming consumes runtime messages until the runtime finishes, the run
// is interrupted, the caller goes away, or a message cannot be handled.
func (x *execution) streaming(ctx context.Context, sess runtime.Session) {
	id := x.rc.SessionID
	reg := x.svc.registry
	interrupted := reg.Interrupted(id)
	msgs := sess.Messages()

	stopped := false
	defer func() {
		if stopped {
			go x.release(sess, true)
			return
		}
		x.release(sess, false)
	}()

	for {
		if reg.IsInterrupted(id) {
			stopped = true
			return
		}
		select {
		case <-interrupted:
			stopped = true
			return
		case <-ctx.Done():
			stopped = true
			x.fail(CodeCanceled, "request canceled", nil)
			return
		case msg, ok := <-msgs:
			if !ok {
				if err := sess.Err(); err != nil {
					if ctx.Err() != nil {
						x.fail(CodeCanceled, "request canceled", nil)
					} else if !reg.IsInterrupted(id) {
						x.fail(CodeRuntimeError, err.Error(), nil)
					}
				}
				return
			}
			if err := x.handle(ctx, msg); err != nil {
				stopped = true
				x.fail(CodeInternalError, err.Error(), nil)
				return
			}
		}
	}
}

// release stops the runtime session. interrupt is set when the stream was
// abandoned before the runtime finished.
func (x *execution) release(sess runtime.Session, interrupt bool) {
	if interrupt {
		ctx, cancel := context.WithTimeout(context.Background(), runtimeControlTimeout)
		if err := sess.Interrupt(ctx); err != nil && !errors.Is(err, runtime.ErrUnsupported) {
			x.log.Debug("runtime interrupt failed", "error", err)
		}
		cancel()
	}
	if err := sess.Close(); err != nil {
		x.log.Debug("runtime close failed", "error", err)
	}
}

func (x *execution) handle(ctx context.Context, msg runtime.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handle %s message: %v", msg.MessageType(), r)
		}
	}()
	if ev := x.svc.mapper.Map(msg, x.rc); ev != nil {
		if err := x.emit(*ev); err != nil {
			return err
		}
	}
	x.observeTools(ctx, msg)
	return nil
}

// observeTools pairs tool results with the tool calls that produced them and
// fires the post_tool_use and subagent_stop hooks.
func (x *execution) observeTools(ctx context.Context, msg runtime.Message) {
	switch v := msg.(type) {
	case runtime.AssistantMessage:
		for _, b := range v.Content {
			if b.Type == runtime.BlockToolUse && b.ID != "" {
				x.toolUses[b.ID] = b
			}
		}
	case runtime.UserMessage:
		for _, b := range v.Content {
			if b.Type != runtime.BlockToolResult {
				continue
			}
			call, ok := x.toolUses[b.ToolUseID]
			if !ok {
				continue
			}
			delete(x.toolUses, b.ToolUseID)
			x.svc.hooks.PostToolUse(ctx, x.hooksCfg, x.scope, call.ID, call.Name, call.Input, b.Content, b.IsError)
			if isSubagentTool(call.Name) {
				x.svc.hooks.SubagentStop(ctx, x.hooksCfg, x.scope, call.InputString(subagentTypeInputField))
			}
		}
	}
}

func (x *execution) finishing(ctx context.Context) {
	s := x.svc
	rc := x.rc

	if len(rc.resultWarnings) > 0 {
		p := ErrorPayload{
			Code:    CodeResultMalformed,
			Message: "result fields could not be decoded and were omitted",
			Details: map[string]any{"fields": rc.resultWarnings},
		}
		if err := x.emit(Event{Name: stream.EventError, Payload: p}); err != nil {
			x.log.Warn("emit result warning failed", "error", err)
		}
	}

	result := ResultPayload{
		SessionID:  rc.SessionID,
		Model:      rc.Model,
		Usage:      rc.Usage(),
		ModelUsage: rc.ModelUsage(),
		TotalCost:  rc.TotalCost,
		DurationMS: rc.DurationMS(),
		NumTurns:   rc.TurnCount,
		IsError:    rc.IsError(),
	}
	if text, ok := rc.ResultText(); ok {
		result.Result = &text
	}
	if err := x.emit(Event{Name: stream.EventResult, Payload: result}); err != nil {
		x.log.Error("emit result failed", "error", err)
	}

	if rc.CheckpointingEnabled() {
		x.checkpoint = s.checkpoints.CreateFromContext(ctx, rc)
		s.metrics.checkpoint(x.checkpoint != nil)
	}

	x.reason = ReasonCompleted
	switch {
	case s.registry.IsInterrupted(rc.SessionID):
		x.reason = ReasonInterrupted
	case rc.IsError():
		x.reason = ReasonError
	}

	s.hooks.Stop(ctx, x.hooksCfg, x.scope, x.reason, rc.IsError())
	s.recordFinish(ctx, rc.SessionID, sessionstore.SessionFinish{
		Reason:    x.reason,
		IsError:   rc.IsError(),
		TotalCost: rc.TotalCost,
		NumTurns:  rc.TurnCount,
	})
	elapsed := time.Since(rc.StartedAt)
	s.metrics.runFinished(x.mode, x.reason, elapsed)

	if err := x.emit(Event{Name: stream.EventDone, Payload: DonePayload{Reason: x.reason}}); err != nil {
		x.log.Error("emit done failed", "error", err)
	}
	x.log.Info("run finished", "reason", x.reason, "is_error", rc.IsError(), "num_turns", rc.TurnCount, "files_modified", len(rc.FilesModified()), "elapsed_ms", elapsed.Milliseconds())
}

// fail reports a fatal error. Only the first one is emitted; the run is
// marked failed either way.
func (x *execution) fail(code string, message string, details any) {
	x.rc.MarkError()
	if x.fatal != nil {
		x.log.Debug("suppressed secondary error", "code", code, "message", message)
		return
	}
	p := ErrorPayload{Code: code, Message: message, Details: details}
	x.fatal = &p
	x.log.Warn("run failed", "state", string(x.state), "code", code, "message", message)
	if err := x.emit(Event{Name: stream.EventError, Payload: p}); err != nil {
		x.log.Error("emit error failed", "error", err)
	}
}

func (x *execution) emit(ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("encode %s event: %v", ev.Name, r)
		}
	}()
	rec := stream.Encode(ev.Name, ev.Payload)
	x.sink.deliver(ev, rec)
	x.svc.metrics.eventEmitted(ev.Name)
	if !ev.partial() {
		x.svc.recordEvent(context.Background(), sessionstore.RunEvent{
			SessionID: x.rc.SessionID,
			RunID:     x.runID,
			Event:     rec.Event,
			Data:      rec.Data,
		})
	}
	return nil
}

// promptFromPayload reads a replacement prompt from a prompt_submit hook:
// either a JSON string or an object with a "prompt" field.
func promptFromPayload(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		return s, s != ""
	}
	var obj struct {
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", false
	}
	p := strings.TrimSpace(obj.Prompt)
	return p, p != ""
}

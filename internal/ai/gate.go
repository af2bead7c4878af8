package ai

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/floegence/flower-relay/internal/hooks"
	"github.com/floegence/flower-relay/internal/runtime"
)

const (
	defaultQuestionTimeout  = 30 * time.Minute
	runtimeControlTimeout   = 5 * time.Second
	subagentToolName        = "Task"
	subagentToolNameAlt     = "Agent"
	subagentTypeInputField  = "subagent_type"
	planModeDeniedToolError = "write tools are disabled in plan mode"
	questionNoStreamError   = "questions cannot be answered in single-query mode"
)

// liveRun is the control-plane handle of a run while it is registered.
//
// Its fields are shared between the run goroutine, the driver's goroutines
// (through the tool gate) and control-plane requests, so unlike RunContext
// everything here is guarded.
type liveRun struct {
	svc       *Service
	sessionID string
	hooksCfg  *hooks.Config
	scope     hooks.Scope

	// interactive is false for single queries: nobody sees the question
	// until the run has ended, so it is denied instead of awaited.
	interactive     bool
	questionTimeout time.Duration
	answers         chan string

	mu               sync.Mutex
	permissionMode   string
	session          runtime.Session
	questionsPending int
}

func newLiveRun(svc *Service, sessionID string, mode string, permissionMode string, cfg *hooks.Config, scope hooks.Scope) *liveRun {
	to := defaultQuestionTimeout
	if svc != nil && svc.questionTimeout > 0 {
		to = svc.questionTimeout
	}
	return &liveRun{
		svc:             svc,
		sessionID:       sessionID,
		hooksCfg:        cfg,
		scope:           scope,
		interactive:     mode != modeQuery,
		questionTimeout: to,
		answers:         make(chan string, 1),
		permissionMode:  permissionMode,
	}
}

func (l *liveRun) attach(sess runtime.Session) {
	l.mu.Lock()
	l.session = sess
	l.mu.Unlock()
}

func (l *liveRun) PermissionMode() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.permissionMode
}

// setPermissionMode switches the mode used by the tool gate and forwards it
// to the runtime without waiting for it.
func (l *liveRun) setPermissionMode(mode string) {
	l.mu.Lock()
	l.permissionMode = mode
	sess := l.session
	l.mu.Unlock()
	if sess == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), runtimeControlTimeout)
		defer cancel()
		if err := sess.SetPermissionMode(ctx, mode); err != nil && !errors.Is(err, runtime.ErrUnsupported) {
			l.svc.log.Debug("forward permission mode failed", "session_id", l.sessionID, "error", err)
		}
	}()
}

// submitAnswer hands answer to a pending question, or sends it to the
// runtime as a follow-up user message when nothing is waiting.
func (l *liveRun) submitAnswer(answer string) bool {
	l.mu.Lock()
	pending := l.questionsPending
	sess := l.session
	l.mu.Unlock()

	if pending > 0 {
		select {
		case l.answers <- answer:
			return true
		default:
			return false
		}
	}
	if sess == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), runtimeControlTimeout)
	defer cancel()
	if err := sess.SendUserMessage(ctx, answer); err != nil {
		l.svc.log.Debug("forward answer failed", "session_id", l.sessionID, "error", err)
		return false
	}
	return true
}

// gate is the runtime.ToolGate for the run.
func (l *liveRun) gate(ctx context.Context, call runtime.ToolCall) runtime.ToolDecision {
	if ctx == nil {
		ctx = context.Background()
	}
	input := call.Input

	d := l.svc.hooks.PreToolUse(ctx, l.hooksCfg, l.scope, call.ID, call.Name, input)
	switch d.Outcome {
	case hooks.Deny:
		reason := d.Reason
		if reason == "" {
			reason = "denied by pre_tool_use hook"
		}
		return runtime.ToolDecision{Allow: false, Reason: reason}
	case hooks.Modify:
		input = d.Payload
	}

	if l.PermissionMode() == runtime.PermissionPlan && isWriteTool(call.Name) {
		return runtime.ToolDecision{Allow: false, Reason: planModeDeniedToolError}
	}
	if strings.TrimSpace(call.Name) == QuestionToolName {
		if !l.interactive {
			return runtime.ToolDecision{Allow: false, Reason: questionNoStreamError}
		}
		return l.awaitAnswer(ctx, input)
	}
	return runtime.ToolDecision{Allow: true, UpdatedInput: input}
}

func (l *liveRun) awaitAnswer(ctx context.Context, input json.RawMessage) runtime.ToolDecision {
	l.mu.Lock()
	l.questionsPending++
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.questionsPending--
		l.mu.Unlock()
	}()

	timer := time.NewTimer(l.questionTimeout)
	defer timer.Stop()
	select {
	case answer := <-l.answers:
		return runtime.ToolDecision{Allow: true, UpdatedInput: withAnswers(input, answer)}
	case <-ctx.Done():
		return runtime.ToolDecision{Allow: false, Reason: "question was not answered"}
	case <-timer.C:
		return runtime.ToolDecision{Allow: false, Reason: "question timed out"}
	}
}

// withAnswers adds an "answers" object mapping every question text in input
// to answer.
func withAnswers(input json.RawMessage, answer string) json.RawMessage {
	fields := map[string]any{}
	if len(input) > 0 {
		_ = json.Unmarshal(input, &fields)
		if fields == nil {
			fields = map[string]any{}
		}
	}
	answers := map[string]string{}
	if q, ok := fields["question"].(string); ok && strings.TrimSpace(q) != "" {
		answers[q] = answer
	}
	if items, ok := fields["questions"].([]any); ok {
		for _, it := range items {
			m, ok := it.(map[string]any)
			if !ok {
				continue
			}
			if q, ok := m["question"].(string); ok && strings.TrimSpace(q) != "" {
				answers[q] = answer
			}
		}
	}
	if len(answers) == 0 {
		answers["answer"] = answer
	}
	fields["answers"] = answers
	out, err := json.Marshal(fields)
	if err != nil {
		return input
	}
	return out
}

func isSubagentTool(name string) bool {
	name = strings.TrimSpace(name)
	return name == subagentToolName || name == subagentToolNameAlt
}

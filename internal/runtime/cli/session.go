package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/floegence/flower-relay/internal/runtime"
)

const (
	lineControlRequest       = "control_request"
	lineControlResponse      = "control_response"
	lineControlCancelRequest = "control_cancel_request"

	subtypeCanUseTool        = "can_use_tool"
	subtypeInterrupt         = "interrupt"
	subtypeSetPermissionMode = "set_permission_mode"
)

// session is one CLI process seen through its stdio streams.
type session struct {
	log       *slog.Logger
	sessionID string
	gate      runtime.ToolGate
	pipe      *runtime.Pipe

	ctx    context.Context
	cancel context.CancelFunc

	stdout io.Reader
	wait   func() error
	kill   func()

	writeMu     sync.Mutex
	stdin       io.WriteCloser
	enc         *json.Encoder
	stdinClosed bool

	seq       atomic.Uint64
	pendingMu sync.Mutex
	pending   map[string]chan error

	sawResult atomic.Bool
	closing   atomic.Bool
	closeOnce sync.Once
}

func newSession(ctx context.Context, log *slog.Logger, req runtime.Request, stdin io.WriteCloser, stdout io.Reader, wait func() error, kill func()) *session {
	if ctx == nil {
		ctx = context.Background()
	}
	cctx, cancel := context.WithCancel(ctx)
	enc := json.NewEncoder(stdin)
	enc.SetEscapeHTML(false)
	return &session{
		log:       log,
		sessionID: strings.TrimSpace(req.SessionID),
		gate:      req.ToolGate,
		pipe:      runtime.NewPipe(64),
		ctx:       cctx,
		cancel:    cancel,
		stdout:    stdout,
		wait:      wait,
		kill:      kill,
		stdin:     stdin,
		enc:       enc,
		pending:   map[string]chan error{},
	}
}

func (s *session) start() {
	go s.readLoop()
}

func (s *session) Messages() <-chan runtime.Message { return s.pipe.Messages() }

func (s *session) Err() error { return s.pipe.Err() }

func (s *session) Interrupt(ctx context.Context) error {
	return s.control(ctx, subtypeInterrupt, nil)
}

func (s *session) SetPermissionMode(ctx context.Context, mode string) error {
	return s.control(ctx, subtypeSetPermissionMode, map[string]any{"mode": mode})
}

func (s *session) SendUserMessage(_ context.Context, text string) error {
	var parent *string
	return s.write(map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": text,
		},
		"parent_tool_use_id": parent,
		"session_id":         s.sessionID,
	})
}

func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.cancel()
		s.pipe.Abandon()
		s.closeStdin()
		if s.kill != nil {
			s.kill()
		}
	})
	return nil
}

func (s *session) write(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.stdinClosed {
		return runtime.ErrClosed
	}
	return s.enc.Encode(v)
}

func (s *session) closeStdin() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.stdinClosed {
		return
	}
	s.stdinClosed = true
	_ = s.stdin.Close()
}

func (s *session) readLoop() {
	sc := bufio.NewScanner(s.stdout)
	// Tool results and file contents arrive as single lines.
	sc.Buffer(make([]byte, 0, 64<<10), maxLineBytes)

	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if !s.dispatch(append([]byte(nil), line...)) {
			break
		}
	}
	scanErr := sc.Err()
	if c, ok := s.stdout.(io.Closer); ok && scanErr != nil {
		_ = c.Close()
	}

	var waitErr error
	if s.wait != nil {
		waitErr = s.wait()
	}
	s.failPending(runtime.ErrClosed)
	s.closeStdin()

	var err error
	switch {
	case s.closing.Load():
	case scanErr != nil:
		err = fmt.Errorf("read runtime output: %w", scanErr)
	case waitErr != nil && !s.sawResult.Load():
		err = fmt.Errorf("runtime exited: %w", waitErr)
	}
	if waitErr != nil {
		s.log.Debug("cli runtime exited", "error", waitErr, "saw_result", s.sawResult.Load())
	}
	s.pipe.Finish(err)
}

// dispatch handles one stdout line. It reports false once nobody is reading.
func (s *session) dispatch(line []byte) bool {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		s.log.Warn("cli runtime: skip non-json line", "error", err)
		return true
	}
	switch head.Type {
	case lineControlRequest:
		go s.answerControl(line)
		return true
	case lineControlResponse:
		s.resolveControl(line)
		return true
	case lineControlCancelRequest:
		s.log.Debug("cli runtime: control request canceled")
		return true
	}

	msg, err := runtime.DecodeMessage(line)
	if err != nil {
		s.log.Warn("cli runtime: skip undecodable message", "type", head.Type, "error", err)
		return true
	}
	if !s.pipe.Send(s.ctx, msg) {
		return false
	}
	if _, ok := msg.(runtime.ResultMessage); ok {
		s.sawResult.Store(true)
		// The CLI exits once its input ends.
		s.closeStdin()
	}
	return true
}

type controlRequestLine struct {
	RequestID string `json:"request_id"`
	Request   struct {
		Subtype   string          `json:"subtype"`
		ToolName  string          `json:"tool_name"`
		ToolUseID string          `json:"tool_use_id"`
		Input     json.RawMessage `json:"input"`
	} `json:"request"`
}

func (s *session) answerControl(line []byte) {
	var req controlRequestLine
	if err := json.Unmarshal(line, &req); err != nil || strings.TrimSpace(req.RequestID) == "" {
		s.log.Warn("cli runtime: malformed control request", "error", err)
		return
	}
	if req.Request.Subtype != subtypeCanUseTool {
		s.replyControl(req.RequestID, nil, fmt.Sprintf("unsupported control request %q", req.Request.Subtype))
		return
	}

	input := req.Request.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	d := runtime.ToolDecision{Allow: true, UpdatedInput: input}
	if s.gate != nil {
		d = s.gate(s.ctx, runtime.ToolCall{ID: req.Request.ToolUseID, Name: req.Request.ToolName, Input: input})
	}

	var body map[string]any
	if d.Allow {
		updated := d.UpdatedInput
		if len(updated) == 0 {
			updated = input
		}
		body = map[string]any{"behavior": "allow", "updatedInput": updated}
	} else {
		reason := strings.TrimSpace(d.Reason)
		if reason == "" {
			reason = "denied"
		}
		body = map[string]any{"behavior": "deny", "message": reason}
	}
	s.replyControl(req.RequestID, body, "")
}

func (s *session) replyControl(requestID string, body map[string]any, errMsg string) {
	resp := map[string]any{"request_id": requestID}
	if errMsg != "" {
		resp["subtype"] = "error"
		resp["error"] = errMsg
	} else {
		resp["subtype"] = "success"
		resp["response"] = body
	}
	if err := s.write(map[string]any{"type": lineControlResponse, "response": resp}); err != nil {
		s.log.Debug("cli runtime: control reply failed", "request_id", requestID, "error", err)
	}
}

// control sends a control request and waits for its response.
func (s *session) control(ctx context.Context, subtype string, fields map[string]any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	id := "req_" + strconv.FormatUint(s.seq.Add(1), 10)
	ch := make(chan error, 1)
	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	req := map[string]any{"subtype": subtype}
	for k, v := range fields {
		req[k] = v
	}
	if err := s.write(map[string]any{"type": lineControlRequest, "request_id": id, "request": req}); err != nil {
		return err
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *session) resolveControl(line []byte) {
	var resp struct {
		Response struct {
			Subtype   string `json:"subtype"`
			RequestID string `json:"request_id"`
			Error     string `json:"error"`
		} `json:"response"`
	}
	if err := json.Unmarshal(line, &resp); err != nil {
		s.log.Warn("cli runtime: malformed control response", "error", err)
		return
	}
	s.pendingMu.Lock()
	ch := s.pending[resp.Response.RequestID]
	s.pendingMu.Unlock()
	if ch == nil {
		return
	}
	var err error
	if resp.Response.Subtype == "error" {
		err = errors.New(strings.TrimSpace(resp.Response.Error))
	}
	select {
	case ch <- err:
	default:
	}
}

func (s *session) failPending(err error) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for _, ch := range s.pending {
		select {
		case ch <- err:
		default:
		}
	}
}

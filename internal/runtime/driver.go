package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

var (
	// ErrUnsupported is returned by sessions that lack an optional capability.
	ErrUnsupported = errors.New("not supported by runtime driver")
	// ErrClosed is returned once a session's stream has ended.
	ErrClosed = errors.New("runtime session closed")
)

// Permission modes understood by runtimes.
const (
	PermissionDefault           = "default"
	PermissionAcceptEdits       = "acceptEdits"
	PermissionPlan              = "plan"
	PermissionBypassPermissions = "bypassPermissions"
)

// NormalizePermissionMode maps user input to a canonical mode.
func NormalizePermissionMode(raw string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "default":
		return PermissionDefault, true
	case "acceptedits", "accept_edits":
		return PermissionAcceptEdits, true
	case "plan":
		return PermissionPlan, true
	case "bypasspermissions", "bypass_permissions":
		return PermissionBypassPermissions, true
	default:
		return "", false
	}
}

// ToolCall describes a tool invocation a runtime is about to perform.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolDecision is the answer to a ToolGate consultation.
type ToolDecision struct {
	Allow        bool
	UpdatedInput json.RawMessage
	Reason       string
}

// ToolGate is consulted by drivers before a tool runs.
type ToolGate func(ctx context.Context, call ToolCall) ToolDecision

// Request is one prompt submission.
type Request struct {
	Prompt       string
	SystemPrompt string

	// SessionID is the conversation id. With Resume it names an existing
	// session; with ForkFrom it is the id of the new fork.
	SessionID string
	Resume    bool
	ForkFrom  string

	Model          string
	Cwd            string
	PermissionMode string
	MaxTurns       int
	AllowedTools   []string

	IncludePartialMessages bool
	// ReplayUserMessages asks the runtime to echo submitted user turns so
	// they carry ids.
	ReplayUserMessages     bool

	ToolGate ToolGate
}

// Session is one live runtime execution.
//
// Messages is closed when the runtime stops producing output; Err reports why
// once that has happened.
type Session interface {
	Messages() <-chan Message
	Err() error

	Interrupt(ctx context.Context) error
	SetPermissionMode(ctx context.Context, mode string) error
	SendUserMessage(ctx context.Context, text string) error

	Close() error
}

// Driver starts runtime sessions.
type Driver interface {
	Name() string
	Start(ctx context.Context, req Request) (Session, error)
}

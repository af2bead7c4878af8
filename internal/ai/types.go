package ai

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/floegence/flower-relay/internal/commands"
	"github.com/floegence/flower-relay/internal/hooks"
	"github.com/floegence/flower-relay/internal/runtime"
	"github.com/floegence/flower-relay/internal/sessionstore"
	"github.com/floegence/flower-relay/internal/stream"
)

var (
	ErrInvalidRequest     = errors.New("invalid request")
	ErrSessionBusy        = errors.New("session already has an active run")
	ErrRuntimeUnavailable = errors.New("runtime driver not configured")
)

// Done reasons.
const (
	ReasonCompleted   = "completed"
	ReasonInterrupted = "interrupted"
	ReasonError       = "error"
)

// Error event codes.
const (
	CodeRuntimeError       = "runtime_error"
	CodeRuntimeUnavailable = "runtime_unavailable"
	CodeInternalError      = "internal_error"
	CodePromptRejected     = "prompt_rejected"
	CodeResultMalformed    = "result_malformed"
	CodeCanceled           = "canceled"
)

// QueryRequest is one prompt submission from a client.
type QueryRequest struct {
	Prompt string `json:"prompt"`

	// SessionID names the session to create, or with Resume/Fork the
	// existing session to continue from. Empty means a new generated id.
	SessionID string `json:"session_id,omitempty"`
	Resume    bool   `json:"resume,omitempty"`
	Fork      bool   `json:"fork,omitempty"`

	Model          string   `json:"model,omitempty"`
	Cwd            string   `json:"cwd,omitempty"`
	PermissionMode string   `json:"permission_mode,omitempty"`
	MaxTurns       int      `json:"max_turns,omitempty"`
	AllowedTools   []string `json:"allowed_tools,omitempty"`
	SystemPrompt   string   `json:"system_prompt,omitempty"`

	EnableCheckpointing    *bool `json:"enable_checkpointing,omitempty"`
	IncludePartialMessages *bool `json:"include_partial_messages,omitempty"`

	// Hooks override the server's hooks per event.
	Hooks *hooks.Config `json:"hooks,omitempty"`
}

func (r *QueryRequest) normalize() error {
	if r == nil {
		return ErrInvalidRequest
	}
	r.Prompt = strings.TrimSpace(r.Prompt)
	r.SessionID = strings.TrimSpace(r.SessionID)
	r.Model = strings.TrimSpace(r.Model)
	r.Cwd = strings.TrimSpace(r.Cwd)
	r.SystemPrompt = strings.TrimSpace(r.SystemPrompt)
	if r.Prompt == "" {
		return errors.Join(ErrInvalidRequest, errors.New("missing prompt"))
	}
	if (r.Resume || r.Fork) && r.SessionID == "" {
		return errors.Join(ErrInvalidRequest, errors.New("resume and fork need session_id"))
	}
	if r.Resume && r.Fork {
		return errors.Join(ErrInvalidRequest, errors.New("resume and fork are exclusive"))
	}
	if r.MaxTurns < 0 {
		return errors.Join(ErrInvalidRequest, errors.New("max_turns must be >= 0"))
	}
	if r.PermissionMode != "" {
		mode, ok := runtime.NormalizePermissionMode(r.PermissionMode)
		if !ok {
			return errors.Join(ErrInvalidRequest, errors.New("unknown permission_mode"))
		}
		r.PermissionMode = mode
	}
	if err := r.Hooks.Validate(); err != nil {
		return errors.Join(ErrInvalidRequest, err)
	}
	return nil
}

// Event is a protocol event before encoding.
type Event struct {
	Name    string
	Payload any
}

func (e Event) partial() bool {
	return e.Name == stream.EventPartialMessage
}

type InitPayload struct {
	SessionID       string               `json:"session_id"`
	ParentSessionID string               `json:"parent_session_id,omitempty"`
	Model           string               `json:"model"`
	Cwd             string               `json:"cwd,omitempty"`
	Tools           []string             `json:"tools"`
	Plugins         []commands.Plugin    `json:"plugins"`
	Commands        []commands.Command   `json:"commands"`
	Agents          []commands.Command   `json:"agents,omitempty"`
	PermissionMode  string               `json:"permission_mode"`
	MCPServers      []commands.MCPServer `json:"mcp_servers"`
}

type MessagePayload struct {
	Type            string                 `json:"type"`
	Content         []runtime.ContentBlock `json:"content"`
	Model           string                 `json:"model,omitempty"`
	Usage           *runtime.Usage         `json:"usage,omitempty"`
	UUID            string                 `json:"uuid,omitempty"`
	ParentToolUseID string                 `json:"parent_tool_use_id,omitempty"`
}

type QuestionPayload struct {
	ToolUseID string          `json:"tool_use_id"`
	Question  string          `json:"question"`
	SessionID string          `json:"session_id"`
	Questions json.RawMessage `json:"questions,omitempty"`
}

type PartialPayload struct {
	Type         string                `json:"type"`
	Index        int                   `json:"index"`
	ContentBlock *runtime.ContentBlock `json:"content_block,omitempty"`
	Delta        *runtime.Delta        `json:"delta,omitempty"`
}

type ResultPayload struct {
	SessionID  string                   `json:"session_id"`
	Model      string                   `json:"model"`
	Usage      runtime.Usage            `json:"usage"`
	ModelUsage map[string]runtime.Usage `json:"model_usage,omitempty"`
	TotalCost  *float64                 `json:"total_cost"`
	DurationMS int64                    `json:"duration_ms"`
	NumTurns   int                      `json:"num_turns"`
	IsError    bool                     `json:"is_error"`
	Result     *string                  `json:"result,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// fatal reports whether the error ends the run.
func (p ErrorPayload) fatal() bool {
	return p.Code != CodeResultMalformed
}

type DonePayload struct {
	Reason string `json:"reason"`
}

// QueryResponse is the single-query result.
type QueryResponse struct {
	SessionID  string                   `json:"session_id"`
	Model      string                   `json:"model"`
	Content    []runtime.ContentBlock   `json:"content"`
	Text       string                   `json:"text"`
	Question   *QuestionPayload         `json:"question,omitempty"`
	Usage      *runtime.Usage           `json:"usage,omitempty"`
	ModelUsage map[string]runtime.Usage `json:"model_usage,omitempty"`
	TotalCost  *float64                 `json:"total_cost"`
	DurationMS int64                    `json:"duration_ms"`
	NumTurns   int                      `json:"num_turns"`
	IsError    bool                     `json:"is_error"`
	Reason     string                   `json:"reason"`
	Error      *ErrorPayload            `json:"error,omitempty"`
	Checkpoint *sessionstore.Checkpoint `json:"checkpoint,omitempty"`
}

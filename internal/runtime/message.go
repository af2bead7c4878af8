package runtime

import (
	"encoding/json"
	"strings"
)

// Stream-json message discriminants.
const (
	TypeSystem      = "system"
	TypeUser        = "user"
	TypeAssistant   = "assistant"
	TypeResult      = "result"
	TypeStreamEvent = "stream_event"
)

// Content block types.
const (
	BlockText       = "text"
	BlockThinking   = "thinking"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Partial stream event types.
const (
	StreamContentBlockStart = "content_block_start"
	StreamContentBlockDelta = "content_block_delta"
	StreamContentBlockStop  = "content_block_stop"
)

// Delta types carried by content_block_delta events.
const (
	DeltaText      = "text_delta"
	DeltaThinking  = "thinking_delta"
	DeltaInputJSON = "input_json_delta"
	DeltaSignature = "signature_delta"
)

// Message is one item of a runtime's ordered output.
//
// The set of implementations is closed: SystemMessage, UserMessage,
// AssistantMessage, ResultMessage, StreamEventMessage and UnknownMessage.
type Message interface {
	MessageType() string
	sealed()
}

type SystemMessage struct {
	Subtype   string
	SessionID string
	Model     string
	Data      json.RawMessage
}

type UserMessage struct {
	UUID            string
	SessionID       string
	ParentToolUseID string
	Content         []ContentBlock
}

type AssistantMessage struct {
	UUID            string
	SessionID       string
	ParentToolUseID string
	MessageID       string
	Model           string
	Content         []ContentBlock
	Usage           *Usage
}

// ResultMessage is the runtime's terminal signal for a run.
type ResultMessage struct {
	Subtype      string
	SessionID    string
	IsError      bool
	NumTurns     int
	DurationMS   int64
	TotalCostUSD *float64
	Result       *string
	Usage        *Usage
	ModelUsage   map[string]Usage

	// Invalid lists fields that were present but could not be decoded.
	Invalid []string
}

type StreamEventMessage struct {
	UUID            string
	SessionID       string
	ParentToolUseID string
	Event           StreamEvent
}

// UnknownMessage carries a message whose type this build does not understand.
type UnknownMessage struct {
	Type string
	Raw  json.RawMessage
}

func (SystemMessage) MessageType() string      { return TypeSystem }
func (UserMessage) MessageType() string        { return TypeUser }
func (AssistantMessage) MessageType() string   { return TypeAssistant }
func (ResultMessage) MessageType() string      { return TypeResult }
func (StreamEventMessage) MessageType() string { return TypeStreamEvent }
func (m UnknownMessage) MessageType() string   { return m.Type }

func (SystemMessage) sealed()      {}
func (UserMessage) sealed()        {}
func (AssistantMessage) sealed()   {}
func (ResultMessage) sealed()      {}
func (StreamEventMessage) sealed() {}
func (UnknownMessage) sealed()     {}

// Usage is a token usage tuple.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
}

func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:              u.InputTokens + o.InputTokens,
		OutputTokens:             u.OutputTokens + o.OutputTokens,
		CacheReadInputTokens:     u.CacheReadInputTokens + o.CacheReadInputTokens,
		CacheCreationInputTokens: u.CacheCreationInputTokens + o.CacheCreationInputTokens,
	}
}

// StreamEvent is a partial content-block signal.
type StreamEvent struct {
	Type         string        `json:"type"`
	Index        int           `json:"index"`
	ContentBlock *ContentBlock `json:"content_block,omitempty"`
	Delta        *Delta        `json:"delta,omitempty"`
}

type Delta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	Signature   string `json:"signature,omitempty"`
}

// ContentBlock is one unit of message content.
//
// Blocks decoded from the wire remember their original bytes and re-encode
// them verbatim, so block types and fields unknown to the relay are kept.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Signature string          `json:"signature,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	raw json.RawMessage
}

type contentBlockWire ContentBlock

func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	var w contentBlockWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*b = ContentBlock(w)
	b.raw = append(json.RawMessage(nil), data...)
	return nil
}

func (b ContentBlock) MarshalJSON() ([]byte, error) {
	if len(b.raw) > 0 {
		return b.raw, nil
	}
	return json.Marshal(contentBlockWire(b))
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolUseBlock builds a tool invocation block.
func ToolUseBlock(id string, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// InputString returns a top-level string field of a tool_use input.
func (b ContentBlock) InputString(key string) string {
	if len(b.Input) == 0 {
		return ""
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b.Input, &m); err != nil {
		return ""
	}
	v, ok := m[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

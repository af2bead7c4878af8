package runtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// DecodeMessage decodes one stream-json line into a Message.
//
// Unknown types decode to UnknownMessage. A result line never fails on its
// optional fields: each undecodable field is skipped and listed in Invalid.
func DecodeMessage(line []byte) (Message, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, errors.New("empty message")
	}
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	switch strings.TrimSpace(head.Type) {
	case TypeSystem:
		return decodeSystem(line)
	case TypeUser:
		return decodeUser(line)
	case TypeAssistant:
		return decodeAssistant(line)
	case TypeResult:
		return decodeResult(line)
	case TypeStreamEvent:
		return decodeStreamEvent(line)
	default:
		return UnknownMessage{Type: head.Type, Raw: append(json.RawMessage(nil), line...)}, nil
	}
}

func decodeSystem(line []byte) (Message, error) {
	var w struct {
		Subtype   string `json:"subtype"`
		SessionID string `json:"session_id"`
		Model     string `json:"model"`
	}
	if err := json.Unmarshal(line, &w); err != nil {
		return nil, fmt.Errorf("decode system message: %w", err)
	}
	return SystemMessage{
		Subtype:   w.Subtype,
		SessionID: w.SessionID,
		Model:     w.Model,
		Data:      append(json.RawMessage(nil), line...),
	}, nil
}

type envelopeWire struct {
	UUID            string  `json:"uuid"`
	SessionID       string  `json:"session_id"`
	ParentToolUseID *string `json:"parent_tool_use_id"`
	Message         struct {
		ID      string          `json:"id"`
		Role    string          `json:"role"`
		Model   string          `json:"model"`
		Content json.RawMessage `json:"content"`
		Usage   *Usage          `json:"usage"`
	} `json:"message"`
}

func (w envelopeWire) parentToolUseID() string {
	if w.ParentToolUseID == nil {
		return ""
	}
	return *w.ParentToolUseID
}

func decodeUser(line []byte) (Message, error) {
	var w envelopeWire
	if err := json.Unmarshal(line, &w); err != nil {
		return nil, fmt.Errorf("decode user message: %w", err)
	}
	blocks, err := decodeContent(w.Message.Content)
	if err != nil {
		return nil, fmt.Errorf("decode user content: %w", err)
	}
	return UserMessage{
		UUID:            w.UUID,
		SessionID:       w.SessionID,
		ParentToolUseID: w.parentToolUseID(),
		Content:         blocks,
	}, nil
}

func decodeAssistant(line []byte) (Message, error) {
	var w envelopeWire
	if err := json.Unmarshal(line, &w); err != nil {
		return nil, fmt.Errorf("decode assistant message: %w", err)
	}
	blocks, err := decodeContent(w.Message.Content)
	if err != nil {
		return nil, fmt.Errorf("decode assistant content: %w", err)
	}
	return AssistantMessage{
		UUID:            w.UUID,
		SessionID:       w.SessionID,
		ParentToolUseID: w.parentToolUseID(),
		MessageID:       w.Message.ID,
		Model:           w.Message.Model,
		Content:         blocks,
		Usage:           w.Message.Usage,
	}, nil
}

// decodeContent accepts either a plain string or an array of blocks.
func decodeContent(raw json.RawMessage) ([]ContentBlock, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return []ContentBlock{TextBlock(s)}, nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

func decodeStreamEvent(line []byte) (Message, error) {
	var w struct {
		UUID            string      `json:"uuid"`
		SessionID       string      `json:"session_id"`
		ParentToolUseID *string     `json:"parent_tool_use_id"`
		Event           StreamEvent `json:"event"`
	}
	if err := json.Unmarshal(line, &w); err != nil {
		return nil, fmt.Errorf("decode stream event: %w", err)
	}
	out := StreamEventMessage{UUID: w.UUID, SessionID: w.SessionID, Event: w.Event}
	if w.ParentToolUseID != nil {
		out.ParentToolUseID = *w.ParentToolUseID
	}
	return out, nil
}

type modelUsageWire struct {
	InputTokens              int64 `json:"inputTokens"`
	OutputTokens             int64 `json:"outputTokens"`
	CacheReadInputTokens     int64 `json:"cacheReadInputTokens"`
	CacheCreationInputTokens int64 `json:"cacheCreationInputTokens"`
}

func decodeResult(line []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return nil, fmt.Errorf("decode result message: %w", err)
	}
	var out ResultMessage
	field := func(name string, dst any) bool {
		raw, ok := fields[name]
		if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			return false
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			out.Invalid = append(out.Invalid, name)
			return false
		}
		return true
	}

	field("subtype", &out.Subtype)
	field("session_id", &out.SessionID)
	field("is_error", &out.IsError)
	field("num_turns", &out.NumTurns)
	field("duration_ms", &out.DurationMS)

	var cost float64
	if field("total_cost_usd", &cost) {
		out.TotalCostUSD = &cost
	}
	var result string
	if field("result", &result) {
		out.Result = &result
	}
	var usage Usage
	if field("usage", &usage) {
		out.Usage = &usage
	}
	var modelUsage map[string]modelUsageWire
	if field("modelUsage", &modelUsage) && len(modelUsage) > 0 {
		out.ModelUsage = make(map[string]Usage, len(modelUsage))
		for model, u := range modelUsage {
			out.ModelUsage[model] = Usage{
				InputTokens:              u.InputTokens,
				OutputTokens:             u.OutputTokens,
				CacheReadInputTokens:     u.CacheReadInputTokens,
				CacheCreationInputTokens: u.CacheCreationInputTokens,
			}
		}
	}
	if strings.HasPrefix(out.Subtype, "error") {
		out.IsError = true
	}
	return out, nil
}

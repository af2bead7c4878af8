package ai

import (
	"encoding/json"
	"log/slog"
	"os"
	"strings"

	"github.com/floegence/flower-relay/internal/runtime"
	"github.com/floegence/flower-relay/internal/stream"
)

// QuestionToolName is the tool a runtime calls to ask the user a
// clarifying question.
const QuestionToolName = "AskUserQuestion"

// writeToolPathFields maps write/edit-class tools to the input field naming
// the file they touch.
var writeToolPathFields = map[string]string{
	"Write":        "file_path",
	"Edit":         "file_path",
	"MultiEdit":    "file_path",
	"NotebookEdit": "notebook_path",
}

func isWriteTool(name string) bool {
	_, ok := writeToolPathFields[strings.TrimSpace(name)]
	return ok
}

// Mapper turns runtime messages into protocol events.
type Mapper struct {
	log *slog.Logger
}

func NewMapper(log *slog.Logger) *Mapper {
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Mapper{log: log}
}

// Map applies one message to rc and returns the event to emit, if any.
//
// A message never yields more than one event. Result messages only mutate
// rc; the orchestrator decides what to surface at the end of the run.
func (m *Mapper) Map(msg runtime.Message, rc *RunContext) *Event {
	if msg == nil || rc == nil {
		return nil
	}
	switch v := msg.(type) {
	case runtime.SystemMessage:
		if rc.Model == "" && strings.TrimSpace(v.Model) != "" {
			rc.Model = strings.TrimSpace(v.Model)
		}
		return nil
	case runtime.UserMessage:
		return m.mapUser(v, rc)
	case runtime.AssistantMessage:
		return m.mapAssistant(v, rc)
	case runtime.ResultMessage:
		m.applyResult(v, rc)
		return nil
	case runtime.StreamEventMessage:
		return m.mapPartial(v, rc)
	default:
		m.log.Debug("mapper: skip unknown message", "session_id", rc.SessionID, "type", msg.MessageType())
		return nil
	}
}

func (m *Mapper) mapUser(msg runtime.UserMessage, rc *RunContext) *Event {
	if rc.CheckpointingEnabled() {
		if id := strings.TrimSpace(msg.UUID); id != "" {
			rc.LastUserTurnID = id
		}
	}
	return &Event{Name: stream.EventMessage, Payload: MessagePayload{
		Type:            runtime.TypeUser,
		Content:         nonNilBlocks(msg.Content),
		UUID:            msg.UUID,
		ParentToolUseID: msg.ParentToolUseID,
	}}
}

func (m *Mapper) mapAssistant(msg runtime.AssistantMessage, rc *RunContext) *Event {
	if model := strings.TrimSpace(msg.Model); model != "" {
		rc.Model = model
	}
	if msg.Usage != nil {
		u := *msg.Usage
		rc.lastUsage = &u
	}

	if rc.CheckpointingEnabled() {
		for _, b := range msg.Content {
			if b.Type != runtime.BlockToolUse {
				continue
			}
			field, ok := writeToolPathFields[strings.TrimSpace(b.Name)]
			if !ok {
				continue
			}
			if p := b.InputString(field); p != "" {
				rc.AddModifiedFile(p)
			}
		}
	}

	for _, b := range msg.Content {
		if b.Type == runtime.BlockToolUse && strings.TrimSpace(b.Name) == QuestionToolName {
			return &Event{Name: stream.EventQuestion, Payload: questionPayload(b, rc.SessionID)}
		}
	}

	return &Event{Name: stream.EventMessage, Payload: MessagePayload{
		Type:            runtime.TypeAssistant,
		Content:         nonNilBlocks(msg.Content),
		Model:           msg.Model,
		Usage:           msg.Usage,
		UUID:            msg.UUID,
		ParentToolUseID: msg.ParentToolUseID,
	}}
}

// questionPayload accepts both a single "question" input and a "questions"
// list whose items carry a "question" field.
func questionPayload(b runtime.ContentBlock, sessionID string) QuestionPayload {
	out := QuestionPayload{ToolUseID: b.ID, SessionID: sessionID}
	if q := b.InputString("question"); q != "" {
		out.Question = q
		return out
	}
	var in struct {
		Questions json.RawMessage `json:"questions"`
	}
	if err := json.Unmarshal(b.Input, &in); err != nil || len(in.Questions) == 0 {
		return out
	}
	out.Questions = in.Questions
	var items []struct {
		Question string `json:"question"`
	}
	if err := json.Unmarshal(in.Questions, &items); err == nil {
		var texts []string
		for _, it := range items {
			if q := strings.TrimSpace(it.Question); q != "" {
				texts = append(texts, q)
			}
		}
		out.Question = strings.Join(texts, "\n\n")
	}
	return out
}

func (m *Mapper) applyResult(msg runtime.ResultMessage, rc *RunContext) {
	if msg.IsError {
		rc.MarkError()
	}
	rc.TurnCount = msg.NumTurns
	if msg.TotalCostUSD != nil {
		cost := *msg.TotalCostUSD
		rc.TotalCost = &cost
	}
	if msg.Result != nil {
		if !rc.SetResultText(*msg.Result) {
			m.log.Warn("mapper: duplicate result ignored", "session_id", rc.SessionID)
		}
	}
	if msg.Usage != nil {
		u := *msg.Usage
		rc.usage = &u
	}
	for model, u := range msg.ModelUsage {
		rc.MergeModelUsage(model, u)
	}
	for _, field := range msg.Invalid {
		m.log.Warn("mapper: malformed result field omitted", "session_id", rc.SessionID, "field", field)
		rc.resultWarnings = append(rc.resultWarnings, field)
	}
}

func (m *Mapper) mapPartial(msg runtime.StreamEventMessage, rc *RunContext) *Event {
	if !rc.PartialStreamingEnabled() {
		return nil
	}
	ev := msg.Event
	switch ev.Type {
	case runtime.StreamContentBlockStart:
		kind := PartialText
		if ev.ContentBlock != nil {
			switch ev.ContentBlock.Type {
			case runtime.BlockThinking:
				kind = PartialThinking
			case runtime.BlockToolUse:
				kind = PartialToolInput
			}
		}
		rc.startPartial(ev.Index, kind)
		return &Event{Name: stream.EventPartialMessage, Payload: PartialPayload{
			Type:         ev.Type,
			Index:        ev.Index,
			ContentBlock: ev.ContentBlock,
		}}
	case runtime.StreamContentBlockDelta:
		if ev.Delta != nil {
			rc.appendPartial(ev.Index, deltaFragment(*ev.Delta))
		}
		return &Event{Name: stream.EventPartialMessage, Payload: PartialPayload{
			Type:  ev.Type,
			Index: ev.Index,
			Delta: ev.Delta,
		}}
	case runtime.StreamContentBlockStop:
		rc.stopPartial(ev.Index)
		return &Event{Name: stream.EventPartialMessage, Payload: PartialPayload{
			Type:  ev.Type,
			Index: ev.Index,
		}}
	default:
		return nil
	}
}

func deltaFragment(d runtime.Delta) string {
	switch d.Type {
	case runtime.DeltaText:
		return d.Text
	case runtime.DeltaThinking:
		return d.Thinking
	case runtime.DeltaInputJSON:
		return d.PartialJSON
	default:
		return ""
	}
}

func nonNilBlocks(in []runtime.ContentBlock) []runtime.ContentBlock {
	if in == nil {
		return []runtime.ContentBlock{}
	}
	return in
}

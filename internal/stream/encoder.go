package stream

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Protocol event names.
const (
	EventInit           = "init"
	EventMessage        = "message"
	EventQuestion       = "question"
	EventPartialMessage = "partial_message"
	EventResult         = "result"
	EventError          = "error"
	EventDone           = "done"
)

// Record is one wire-ready protocol event.
type Record struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// EncodeError is raised (as a panic value) when a payload cannot be serialized.
//
// Payloads are built internally from known types, so a marshal failure is a
// programming error. The orchestrator recovers it and aborts the run.
type EncodeError struct {
	Event string
	Err   error
}

func (e *EncodeError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("encode %s event: %v", e.Event, e.Err)
}

func (e *EncodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Encode attaches the event name to a serialized payload.
//
// json.RawMessage payloads are carried through untouched, so fields the
// relay does not know about survive the trip.
func Encode(event string, payload any) Record {
	event = strings.TrimSpace(event)
	if payload == nil {
		return Record{Event: event, Data: json.RawMessage("{}")}
	}
	if raw, ok := payload.(json.RawMessage); ok && json.Valid(raw) {
		return Record{Event: event, Data: append(json.RawMessage(nil), raw...)}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		panic(&EncodeError{Event: event, Err: err})
	}
	return Record{Event: event, Data: b}
}

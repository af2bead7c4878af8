package ai

import (
	"context"
	"strings"

	"github.com/floegence/flower-relay/internal/runtime"
	"github.com/floegence/flower-relay/internal/stream"
)

// Query executes req to completion and returns the aggregated outcome.
//
// Partial streaming is always off. Like StreamQuery, an error is returned
// only when the run could not begin; runtime failures are reported through
// QueryResponse.Error with IsError set.
func (s *Service) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	agg := &aggregator{}
	x, err := s.execute(ctx, req, agg, modeQuery)
	if err != nil {
		return nil, err
	}
	return agg.response(x), nil
}

// aggregator folds the events of a single-query run into one response.
type aggregator struct {
	text     strings.Builder
	usage    *runtime.Usage
	question *QuestionPayload
	result   *ResultPayload
	failure  *ErrorPayload
	reason   string
}

func (a *aggregator) deliver(ev Event, _ stream.Record) {
	switch p := ev.Payload.(type) {
	case MessagePayload:
		if p.Type != runtime.TypeAssistant {
			return
		}
		for _, b := range p.Content {
			if b.Type == runtime.BlockText {
				a.text.WriteString(b.Text)
			}
		}
		if p.Usage != nil {
			u := *p.Usage
			a.usage = &u
		}
	case QuestionPayload:
		q := p
		a.question = &q
	case ResultPayload:
		r := p
		a.result = &r
		u := p.Usage
		a.usage = &u
	case ErrorPayload:
		if !p.fatal() {
			return
		}
		a.text.Reset()
		a.question = nil
		e := p
		a.failure = &e
	case DonePayload:
		a.reason = p.Reason
	}
}

func (a *aggregator) response(x *execution) *QueryResponse {
	rc := x.rc
	out := &QueryResponse{
		SessionID:  rc.SessionID,
		Model:      rc.Model,
		Question:   a.question,
		Usage:      a.usage,
		TotalCost:  rc.TotalCost,
		DurationMS: rc.DurationMS(),
		NumTurns:   rc.TurnCount,
		IsError:    rc.IsError(),
		Reason:     a.reason,
		Checkpoint: x.checkpoint,
	}
	if a.result != nil {
		out.Model = a.result.Model
		out.ModelUsage = a.result.ModelUsage
		out.DurationMS = a.result.DurationMS
	}

	if a.failure != nil {
		text := "Error: " + a.failure.Message
		out.Content = []runtime.ContentBlock{runtime.TextBlock(text)}
		out.Text = text
		out.Error = a.failure
		out.IsError = true
		return out
	}

	out.Text = a.text.String()
	out.Content = []runtime.ContentBlock{}
	if out.Text != "" {
		out.Content = append(out.Content, runtime.TextBlock(out.Text))
	}
	return out
}

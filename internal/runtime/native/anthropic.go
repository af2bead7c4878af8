package native

import (
	"context"
	"errors"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"

	"github.com/floegence/flower-relay/internal/runtime"
)

type anthropicStreamer struct {
	client anthropic.Client
}

func newAnthropicStreamer(baseURL string, apiKey string) *anthropicStreamer {
	opts := []aoption.RequestOption{aoption.WithAPIKey(strings.TrimSpace(apiKey))}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, aoption.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	return &anthropicStreamer{client: anthropic.NewClient(opts...)}
}

func (a *anthropicStreamer) stream(ctx context.Context, req turnRequest, onPartial func(runtime.StreamEvent)) (turnResult, error) {
	if a == nil {
		return turnResult{}, errors.New("nil provider")
	}
	if strings.TrimSpace(req.Model) == "" {
		return turnResult{}, errors.New("missing model")
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(strings.TrimSpace(req.Model)),
		MaxTokens: req.MaxTokens,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt))},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	stream := a.client.Messages.NewStreaming(ctx, params)
	msg := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			return turnResult{}, err
		}
		if onPartial == nil {
			continue
		}
		switch v := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			onPartial(runtime.StreamEvent{
				Type:  runtime.StreamContentBlockStart,
				Index: int(v.Index),
				ContentBlock: &runtime.ContentBlock{
					Type: strings.TrimSpace(v.ContentBlock.Type),
					ID:   strings.TrimSpace(v.ContentBlock.ID),
					Name: strings.TrimSpace(v.ContentBlock.Name),
				},
			})
		case anthropic.ContentBlockDeltaEvent:
			var d runtime.Delta
			switch delta := v.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				d = runtime.Delta{Type: runtime.DeltaText, Text: delta.Text}
			case anthropic.InputJSONDelta:
				d = runtime.Delta{Type: runtime.DeltaInputJSON, PartialJSON: delta.PartialJSON}
			case anthropic.ThinkingDelta:
				d = runtime.Delta{Type: runtime.DeltaThinking, Thinking: delta.Thinking}
			case anthropic.SignatureDelta:
				d = runtime.Delta{Type: runtime.DeltaSignature, Signature: delta.Signature}
			default:
				continue
			}
			onPartial(runtime.StreamEvent{Type: runtime.StreamContentBlockDelta, Index: int(v.Index), Delta: &d})
		case anthropic.ContentBlockStopEvent:
			onPartial(runtime.StreamEvent{Type: runtime.StreamContentBlockStop, Index: int(v.Index)})
		}
	}
	if err := stream.Err(); err != nil {
		return turnResult{}, err
	}

	out := turnResult{
		MessageID: strings.TrimSpace(msg.ID),
		Model:     strings.TrimSpace(string(msg.Model)),
		Content:   make([]runtime.ContentBlock, 0, len(msg.Content)),
		Usage: runtime.Usage{
			InputTokens:              msg.Usage.InputTokens,
			OutputTokens:             msg.Usage.OutputTokens,
			CacheReadInputTokens:     msg.Usage.CacheReadInputTokens,
			CacheCreationInputTokens: msg.Usage.CacheCreationInputTokens,
		},
	}
	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			out.Content = append(out.Content, runtime.TextBlock(v.Text))
		case anthropic.ThinkingBlock:
			out.Content = append(out.Content, runtime.ContentBlock{Type: runtime.BlockThinking, Thinking: v.Thinking, Signature: v.Signature})
		case anthropic.ToolUseBlock:
			out.Content = append(out.Content, runtime.ToolUseBlock(v.ID, v.Name, v.Input))
		}
	}
	return out, nil
}

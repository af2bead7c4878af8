package native

import (
	"context"
	"errors"
	"strings"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"

	"github.com/floegence/flower-relay/internal/runtime"
)

type openAIStreamer struct {
	client openai.Client
}

func newOpenAIStreamer(baseURL string, apiKey string) *openAIStreamer {
	opts := []ooption.RequestOption{ooption.WithAPIKey(strings.TrimSpace(apiKey))}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, ooption.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	return &openAIStreamer{client: openai.NewClient(opts...)}
}

func (o *openAIStreamer) stream(ctx context.Context, req turnRequest, onPartial func(runtime.StreamEvent)) (turnResult, error) {
	if o == nil {
		return turnResult{}, errors.New("nil provider")
	}
	if strings.TrimSpace(req.Model) == "" {
		return turnResult{}, errors.New("missing model")
	}
	params := oresponses.ResponseNewParams{
		Model:           oshared.ResponsesModel(strings.TrimSpace(req.Model)),
		MaxOutputTokens: openai.Int(req.MaxTokens),
	}
	params.Input = oresponses.ResponseNewParamsInputUnion{OfInputItemList: oresponses.ResponseInputParam{
		oresponses.ResponseInputItemParamOfMessage(req.Prompt, oresponses.EasyInputMessageRoleUser),
	}}
	if req.System != "" {
		params.Instructions = openai.String(req.System)
	}

	stream := o.client.Responses.NewStreaming(ctx, params)
	var text strings.Builder
	var completed oresponses.Response
	gotCompleted := false
	// Output indexes of message items whose text block has been opened.
	open := map[int64]bool{}

	partial := func(ev runtime.StreamEvent) {
		if onPartial != nil {
			onPartial(ev)
		}
	}
	for stream.Next() {
		event := stream.Current()
		switch strings.TrimSpace(event.Type) {
		case "response.output_item.added":
			if strings.TrimSpace(event.Item.Type) != "message" || open[event.OutputIndex] {
				continue
			}
			open[event.OutputIndex] = true
			partial(runtime.StreamEvent{
				Type:         runtime.StreamContentBlockStart,
				Index:        int(event.OutputIndex),
				ContentBlock: &runtime.ContentBlock{Type: runtime.BlockText},
			})
		case "response.output_text.delta":
			delta := event.Delta.OfString
			if delta == "" {
				continue
			}
			text.WriteString(delta)
			if !open[event.OutputIndex] {
				open[event.OutputIndex] = true
				partial(runtime.StreamEvent{
					Type:         runtime.StreamContentBlockStart,
					Index:        int(event.OutputIndex),
					ContentBlock: &runtime.ContentBlock{Type: runtime.BlockText},
				})
			}
			partial(runtime.StreamEvent{
				Type:  runtime.StreamContentBlockDelta,
				Index: int(event.OutputIndex),
				Delta: &runtime.Delta{Type: runtime.DeltaText, Text: delta},
			})
		case "response.output_item.done":
			if !open[event.OutputIndex] {
				continue
			}
			delete(open, event.OutputIndex)
			partial(runtime.StreamEvent{Type: runtime.StreamContentBlockStop, Index: int(event.OutputIndex)})
		case "response.completed":
			completed = event.Response
			gotCompleted = true
		}
	}
	if err := stream.Err(); err != nil {
		return turnResult{}, err
	}
	if !gotCompleted {
		return turnResult{}, errors.New("missing response.completed event")
	}

	cached := completed.Usage.InputTokensDetails.CachedTokens
	out := turnResult{
		MessageID: strings.TrimSpace(completed.ID),
		Model:     strings.TrimSpace(string(completed.Model)),
		Content:   []runtime.ContentBlock{},
		Usage: runtime.Usage{
			InputTokens:          completed.Usage.InputTokens - cached,
			OutputTokens:         completed.Usage.OutputTokens,
			CacheReadInputTokens: cached,
		},
	}
	if s := text.String(); s != "" {
		out.Content = append(out.Content, runtime.TextBlock(s))
	}
	return out, nil
}

// Package native runs single-turn queries directly against a model provider
// API instead of an external agent process.
package native

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/floegence/flower-relay/internal/config"
	"github.com/floegence/flower-relay/internal/runtime"
)

// KeyResolver looks up provider API keys.
type KeyResolver interface {
	ResolveProviderAPIKey(providerID string, providerType string) (string, bool, error)
}

type Options struct {
	Logger *slog.Logger
	// Runtime carries the providers, models and limits.
	Runtime *config.RuntimeConfig
	Keys    KeyResolver
}

// Driver serves config.DriverAnthropic and config.DriverOpenAI.
type Driver struct {
	log  *slog.Logger
	kind string
	cfg  *config.RuntimeConfig
	keys KeyResolver

	newStreamer func(p config.Provider, apiKey string) (streamer, error)
}

func New(opts Options) (*Driver, error) {
	if opts.Runtime == nil {
		return nil, errors.New("missing runtime config")
	}
	if opts.Keys == nil {
		return nil, errors.New("missing key resolver")
	}
	kind := opts.Runtime.EffectiveDriver()
	if kind != config.DriverAnthropic && kind != config.DriverOpenAI {
		return nil, fmt.Errorf("driver %q is not native", kind)
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Driver{
		log:         log.With("component", "native_runtime", "driver", kind),
		kind:        kind,
		cfg:         opts.Runtime,
		keys:        opts.Keys,
		newStreamer: newProviderStreamer,
	}, nil
}

func (d *Driver) Name() string { return d.kind }

func (d *Driver) Start(ctx context.Context, req runtime.Request) (runtime.Session, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if req.Resume || strings.TrimSpace(req.ForkFrom) != "" {
		return nil, fmt.Errorf("%w: %s driver keeps no conversation history", runtime.ErrUnsupported, d.kind)
	}
	provider, model, ok := d.cfg.ResolveModel(req.Model)
	if !ok {
		return nil, fmt.Errorf("model %q is not configured for the %s driver", req.Model, d.kind)
	}
	key, ok, err := d.keys.ResolveProviderAPIKey(provider.ID, provider.Type)
	if err != nil {
		return nil, fmt.Errorf("resolve api key: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("missing api key for provider %q", provider.ID)
	}
	st, err := d.newStreamer(provider, key)
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithCancel(ctx)
	s := &session{
		log:       d.log.With("session_id", req.SessionID, "provider_id", provider.ID, "model", model.ModelName),
		pipe:      runtime.NewPipe(64),
		cancel:    cancel,
		sessionID: req.SessionID,
		pricing:   model,
		partials:  req.IncludePartialMessages,
	}
	turn := turnRequest{
		Model:     strings.TrimSpace(model.ModelName),
		System:    strings.TrimSpace(req.SystemPrompt),
		Prompt:    req.Prompt,
		MaxTokens: int64(d.cfg.EffectiveMaxTokens()),
	}
	go s.run(cctx, st, turn)
	return s, nil
}

type turnRequest struct {
	Model     string
	System    string
	Prompt    string
	MaxTokens int64
}

type turnResult struct {
	MessageID string
	Model     string
	Content   []runtime.ContentBlock
	Usage     runtime.Usage
}

// streamer performs one streamed model call, reporting content-block
// progress through onPartial.
type streamer interface {
	stream(ctx context.Context, req turnRequest, onPartial func(runtime.StreamEvent)) (turnResult, error)
}

func newProviderStreamer(p config.Provider, apiKey string) (streamer, error) {
	switch strings.ToLower(strings.TrimSpace(p.Type)) {
	case "anthropic":
		return newAnthropicStreamer(p.BaseURL, apiKey), nil
	case "openai", "openai_compatible":
		return newOpenAIStreamer(p.BaseURL, apiKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider type %q", p.Type)
	}
}

type session struct {
	log       *slog.Logger
	pipe      *runtime.Pipe
	cancel    context.CancelFunc
	sessionID string
	pricing   config.ProviderModel
	partials  bool

	mu          sync.Mutex
	interrupted bool
}

func (s *session) Messages() <-chan runtime.Message { return s.pipe.Messages() }

func (s *session) Err() error { return s.pipe.Err() }

func (s *session) Interrupt(context.Context) error {
	s.mu.Lock()
	s.interrupted = true
	s.mu.Unlock()
	s.cancel()
	return nil
}

func (s *session) SetPermissionMode(context.Context, string) error {
	return runtime.ErrUnsupported
}

func (s *session) SendUserMessage(context.Context, string) error {
	return runtime.ErrUnsupported
}

func (s *session) Close() error {
	s.cancel()
	s.pipe.Abandon()
	return nil
}

func (s *session) wasInterrupted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupted
}

func (s *session) run(ctx context.Context, st streamer, turn turnRequest) {
	started := time.Now()
	s.pipe.Send(ctx, runtime.SystemMessage{Subtype: "init", SessionID: s.sessionID, Model: turn.Model})

	var onPartial func(runtime.StreamEvent)
	if s.partials {
		onPartial = func(ev runtime.StreamEvent) {
			s.pipe.Send(ctx, runtime.StreamEventMessage{SessionID: s.sessionID, Event: ev})
		}
	}
	res, err := st.stream(ctx, turn, onPartial)
	if err != nil {
		if s.wasInterrupted() {
			s.pipe.Finish(nil)
			return
		}
		s.log.Warn("provider stream failed", "error", err)
		s.pipe.Finish(err)
		return
	}

	model := res.Model
	if model == "" {
		model = turn.Model
	}
	usage := res.Usage
	s.pipe.Send(ctx, runtime.AssistantMessage{
		UUID:      uuid.NewString(),
		SessionID: s.sessionID,
		MessageID: res.MessageID,
		Model:     model,
		Content:   res.Content,
		Usage:     &usage,
	})

	text := textOf(res.Content)
	result := runtime.ResultMessage{
		Subtype:      "success",
		SessionID:    s.sessionID,
		NumTurns:     1,
		DurationMS:   time.Since(started).Milliseconds(),
		TotalCostUSD: cost(s.pricing, usage),
		Result:       &text,
		Usage:        &usage,
		ModelUsage:   map[string]runtime.Usage{model: usage},
	}
	s.pipe.Send(ctx, result)
	s.pipe.Finish(nil)
}

func textOf(blocks []runtime.ContentBlock) string {
	var b strings.Builder
	for _, blk := range blocks {
		if blk.Type == runtime.BlockText {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

// cost prices usage with the model's configured rates. It returns nil when
// the model has no pricing.
func cost(m config.ProviderModel, u runtime.Usage) *float64 {
	if m.InputUSDPerMTok <= 0 && m.OutputUSDPerMTok <= 0 {
		return nil
	}
	in := float64(u.InputTokens+u.CacheReadInputTokens+u.CacheCreationInputTokens) * m.InputUSDPerMTok / 1e6
	out := float64(u.OutputTokens) * m.OutputUSDPerMTok / 1e6
	v := in + out
	return &v
}

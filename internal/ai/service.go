package ai

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/floegence/flower-relay/internal/commands"
	"github.com/floegence/flower-relay/internal/hooks"
	"github.com/floegence/flower-relay/internal/runtime"
	"github.com/floegence/flower-relay/internal/sessionstore"
	"github.com/floegence/flower-relay/internal/stream"
)

const (
	modeStream = "stream"
	modeQuery  = "query"

	recordTimeout = 2 * time.Second
)

// CommandsProvider discovers slash commands, agents, plugins and MCP servers
// for a working directory.
type CommandsProvider interface {
	Discover(ctx context.Context, cwd string) (commands.Catalog, error)
}

// SessionRecorder keeps the durable record of sessions and their events.
type SessionRecorder interface {
	BeginRun(ctx context.Context, in sessionstore.SessionStart) error
	FinishRun(ctx context.Context, sessionID string, in sessionstore.SessionFinish) error
	AppendRunEvent(ctx context.Context, ev sessionstore.RunEvent) error
}

type Options struct {
	Logger *slog.Logger

	Driver   runtime.Driver
	Registry *Registry

	Hooks       *hooks.Executor
	HooksConfig *hooks.Config

	Commands    CommandsProvider
	Sessions    SessionRecorder
	Checkpoints CheckpointStore
	Metrics     *Metrics

	// Tools is advertised in the init event.
	Tools []string

	DefaultModel            string
	DefaultPermissionMode   string
	CheckpointsByDefault    bool
	PartialStreamingDefault bool
	MaxTurns                int
	SystemPrompt            string

	// QuestionTimeout bounds how long a question tool call waits for an
	// answer. Zero uses 30 minutes.
	QuestionTimeout time.Duration
}

// Service runs queries against the configured runtime driver and exposes
// the control plane for the runs it has in flight.
type Service struct {
	log         *slog.Logger
	driver      runtime.Driver
	registry    *Registry
	hooks       *hooks.Executor
	hooksCfg    *hooks.Config
	commands    CommandsProvider
	sessions    SessionRecorder
	checkpoints *CheckpointManager
	metrics     *Metrics
	mapper      *Mapper

	tools                   []string
	defaultModel            string
	defaultPermissionMode   string
	checkpointsByDefault    bool
	partialStreamingDefault bool
	maxTurns                int
	systemPrompt            string
	questionTimeout         time.Duration

	mu   sync.Mutex
	live map[string]*liveRun
}

func NewService(opts Options) *Service {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	reg := opts.Registry
	if reg == nil {
		reg = NewRegistry()
	}
	mode := runtime.PermissionDefault
	if m, ok := runtime.NormalizePermissionMode(opts.DefaultPermissionMode); ok {
		mode = m
	}
	tools := append([]string(nil), opts.Tools...)
	if tools == nil {
		tools = []string{}
	}
	return &Service{
		log:                     log,
		driver:                  opts.Driver,
		registry:                reg,
		hooks:                   opts.Hooks,
		hooksCfg:                opts.HooksConfig,
		commands:                opts.Commands,
		sessions:                opts.Sessions,
		checkpoints:             NewCheckpointManager(log, opts.Checkpoints),
		metrics:                 opts.Metrics,
		mapper:                  NewMapper(log),
		tools:                   tools,
		defaultModel:            strings.TrimSpace(opts.DefaultModel),
		defaultPermissionMode:   mode,
		checkpointsByDefault:    opts.CheckpointsByDefault,
		partialStreamingDefault: opts.PartialStreamingDefault,
		maxTurns:                opts.MaxTurns,
		systemPrompt:            strings.TrimSpace(opts.SystemPrompt),
		questionTimeout:         opts.QuestionTimeout,
		live:                    map[string]*liveRun{},
	}
}

// NewSessionID returns a fresh session id.
func NewSessionID() string {
	return uuid.NewString()
}

func newRunID() string {
	return "run_" + uuid.NewString()
}

// StreamQuery executes req and delivers every protocol event to out.
//
// An error is returned only when the run could not begin (invalid request,
// busy session, no driver); nothing has been sent to out in that case. Once
// the run begins, failures are reported in-band and StreamQuery returns nil
// after the done event.
func (s *Service) StreamQuery(ctx context.Context, req QueryRequest, out stream.Sink) error {
	if out == nil {
		return errors.New("nil sink")
	}
	_, err := s.execute(ctx, req, &streamSink{log: s.log, out: out}, modeStream)
	return err
}

// Interrupt asks the live run of sessionID to stop. It reports false when no
// run is active for the session.
func (s *Service) Interrupt(sessionID string) bool {
	if s == nil {
		return false
	}
	sessionID = strings.TrimSpace(sessionID)
	if !s.registry.IsActive(sessionID) {
		return false
	}
	ok := s.registry.MarkInterrupted(sessionID)
	if ok {
		s.log.Info("run interrupt requested", "session_id", sessionID)
	}
	return ok
}

// SubmitAnswer answers the pending question of the live run of sessionID.
func (s *Service) SubmitAnswer(sessionID string, answer string) bool {
	if s == nil {
		return false
	}
	sessionID = strings.TrimSpace(sessionID)
	if !s.registry.IsActive(sessionID) {
		return false
	}
	l := s.liveRun(sessionID)
	if l == nil {
		return false
	}
	return l.submitAnswer(answer)
}

// UpdatePermissionMode changes the permission mode of the live run of
// sessionID. Unknown modes are rejected.
func (s *Service) UpdatePermissionMode(sessionID string, mode string) bool {
	if s == nil {
		return false
	}
	sessionID = strings.TrimSpace(sessionID)
	if !s.registry.IsActive(sessionID) {
		return false
	}
	normalized, ok := runtime.NormalizePermissionMode(mode)
	if !ok {
		return false
	}
	l := s.liveRun(sessionID)
	if l == nil {
		return false
	}
	l.setPermissionMode(normalized)
	s.log.Info("permission mode updated", "session_id", sessionID, "permission_mode", normalized)
	return true
}

// ActiveSessions lists the sessions with a live run.
func (s *Service) ActiveSessions() []string {
	if s == nil {
		return []string{}
	}
	return s.registry.Active()
}

func (s *Service) putLive(l *liveRun) {
	s.mu.Lock()
	s.live[l.sessionID] = l
	s.mu.Unlock()
}

func (s *Service) dropLive(sessionID string) {
	s.mu.Lock()
	delete(s.live, sessionID)
	s.mu.Unlock()
}

func (s *Service) liveRun(sessionID string) *liveRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live[sessionID]
}

func (s *Service) discover(ctx context.Context, cwd string) commands.Catalog {
	empty := commands.Catalog{
		Commands:   []commands.Command{},
		Agents:     []commands.Command{},
		Plugins:    []commands.Plugin{},
		MCPServers: []commands.MCPServer{},
	}
	if s.commands == nil {
		return empty
	}
	cat, err := s.commands.Discover(ctx, cwd)
	if err != nil {
		s.log.Warn("command discovery failed", "cwd", cwd, "error", err)
		return empty
	}
	return cat
}

func (s *Service) recordBegin(ctx context.Context, in sessionstore.SessionStart) {
	if s.sessions == nil {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := s.sessions.BeginRun(cctx, in); err != nil {
		s.log.Warn("session store begin failed", "session_id", in.SessionID, "error", err)
	}
}

func (s *Service) recordFinish(ctx context.Context, sessionID string, in sessionstore.SessionFinish) {
	if s.sessions == nil {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := s.sessions.FinishRun(cctx, sessionID, in); err != nil {
		s.log.Warn("session store finish failed", "session_id", sessionID, "error", err)
	}
}

func (s *Service) recordEvent(ctx context.Context, ev sessionstore.RunEvent) {
	if s.sessions == nil {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := s.sessions.AppendRunEvent(cctx, ev); err != nil {
		s.log.Debug("session store append event failed", "session_id", ev.SessionID, "event", ev.Event, "error", err)
	}
}

// Package gateway is the relay's HTTP surface: the query endpoints, the
// session control plane, and read-only views over stored sessions.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/floegence/flower-relay/internal/ai"
	"github.com/floegence/flower-relay/internal/auditlog"
	"github.com/floegence/flower-relay/internal/config"
	"github.com/floegence/flower-relay/internal/monitor"
	"github.com/floegence/flower-relay/internal/sessionstore"
)

const maxBodyBytes = 1 << 20

// SessionReader serves the stored-session views.
type SessionReader interface {
	GetSession(ctx context.Context, sessionID string) (*sessionstore.Session, error)
	ListSessions(ctx context.Context, limit int) ([]sessionstore.Session, error)
	ListCheckpoints(ctx context.Context, sessionID string, limit int) ([]sessionstore.Checkpoint, error)
	ListRunEvents(ctx context.Context, sessionID string, afterID int64, limit int) ([]sessionstore.RunEvent, error)
}

// KeyStore manages provider API keys without ever exposing them.
type KeyStore interface {
	SetProviderAPIKey(providerID string, apiKey *string) error
	ProviderKeyStatus(providerIDs []string) (map[string]bool, error)
}

type Options struct {
	Logger     *slog.Logger
	ListenAddr string
	Version    string

	AI       *ai.Service
	Sessions SessionReader
	Commands ai.CommandsProvider
	Audit    *auditlog.Store
	Monitor  *monitor.Service
	Keys     KeyStore
	Runtime  *config.RuntimeConfig

	// Metrics serves GET /metrics when set.
	Metrics http.Handler

	// KeepaliveInterval spaces SSE comment frames on quiet streams.
	// <= 0 uses 15s.
	KeepaliveInterval time.Duration
}

type Gateway struct {
	log     *slog.Logger
	version string

	ai       *ai.Service
	sessions SessionReader
	commands ai.CommandsProvider
	audit    *auditlog.Store
	monitor  *monitor.Service
	keys     KeyStore
	runtime  *config.RuntimeConfig
	metrics  http.Handler

	keepalive time.Duration

	ln   net.Listener
	srv  *http.Server
	addr string
}

func New(opts Options) (*Gateway, error) {
	if opts.AI == nil {
		return nil, errors.New("missing AI")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	addr := strings.TrimSpace(opts.ListenAddr)
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	keepalive := opts.KeepaliveInterval
	if keepalive <= 0 {
		keepalive = 15 * time.Second
	}
	return &Gateway{
		log:       logger.With("component", "gateway"),
		version:   strings.TrimSpace(opts.Version),
		ai:        opts.AI,
		sessions:  opts.Sessions,
		commands:  opts.Commands,
		audit:     opts.Audit,
		monitor:   opts.Monitor,
		keys:      opts.Keys,
		runtime:   opts.Runtime,
		metrics:   opts.Metrics,
		keepalive: keepalive,
		addr:      addr,
	}, nil
}

func (g *Gateway) Start(ctx context.Context) error {
	if g == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if g.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", g.addr)
	if err != nil {
		return err
	}
	g.ln = ln
	g.srv = &http.Server{
		Handler:           http.HandlerFunc(g.serveHTTP),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		_ = g.Close()
	}()
	go func() {
		if err := g.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.log.Warn("gateway stopped", "error", err)
		}
	}()

	g.log.Info("gateway listening", "addr", ln.Addr().String())
	return nil
}

// Close stops accepting requests and gives in-flight ones two seconds.
func (g *Gateway) Close() error {
	if g == nil {
		return nil
	}
	if g.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = g.srv.Shutdown(ctx)
	}
	if g.ln != nil {
		_ = g.ln.Close()
	}
	g.ln = nil
	return nil
}

func (g *Gateway) URL() string {
	if g == nil || g.ln == nil {
		return ""
	}
	return "http://" + g.ln.Addr().String()
}

func (g *Gateway) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if g == nil || r == nil {
		http.Error(w, "gateway not ready", http.StatusServiceUnavailable)
		return
	}
	p := r.URL.Path
	switch {
	case p == "/metrics":
		if g.metrics == nil || r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}
		g.metrics.ServeHTTP(w, r)
		return
	case strings.HasPrefix(p, "/api/"):
		w.Header().Set("Cache-Control", "no-store")
		g.handleAPI(w, r)
		return
	default:
		http.NotFound(w, r)
	}
}

type apiResp struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, apiResp{OK: true, Data: data})
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiResp{OK: false, Error: msg})
}

// readJSON decodes exactly one JSON value from a size-capped body.
func readJSON(w http.ResponseWriter, r *http.Request, v any, strict bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("trailing data")
	}
	return nil
}

func (g *Gateway) handleAPI(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Path
	switch {
	case r.Method == http.MethodPost && p == "/api/query/stream":
		g.handleQueryStream(w, r)
	case r.Method == http.MethodPost && p == "/api/query":
		g.handleQuery(w, r)
	case r.Method == http.MethodGet && p == "/api/sessions":
		g.handleListSessions(w, r)
	case strings.HasPrefix(p, "/api/sessions/"):
		g.handleSession(w, r, strings.TrimPrefix(p, "/api/sessions/"))
	case r.Method == http.MethodGet && p == "/api/commands":
		g.handleCommands(w, r)
	case r.Method == http.MethodGet && p == "/api/audit":
		g.handleAudit(w, r)
	case r.Method == http.MethodGet && p == "/api/health":
		g.handleHealth(w, r)
	case r.Method == http.MethodGet && p == "/api/settings/providers":
		g.handleListProviders(w, r)
	case strings.HasPrefix(p, "/api/settings/providers/"):
		g.handleProvider(w, r, strings.TrimPrefix(p, "/api/settings/providers/"))
	default:
		writeErr(w, http.StatusNotFound, "not found")
	}
}

func (g *Gateway) handleCommands(w http.ResponseWriter, r *http.Request) {
	if g.commands == nil {
		writeErr(w, http.StatusServiceUnavailable, "commands not configured")
		return
	}
	cat, err := g.commands.Discover(r.Context(), strings.TrimSpace(r.URL.Query().Get("cwd")))
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, cat)
}

func (g *Gateway) handleAudit(w http.ResponseWriter, r *http.Request) {
	if g.audit == nil {
		writeErr(w, http.StatusServiceUnavailable, "audit log not configured")
		return
	}
	q := r.URL.Query()
	entries, err := g.audit.List(queryInt(q.Get("limit"), 0), auditlog.Filter{
		SessionID: q.Get("session_id"),
		Action:    q.Get("action"),
	})
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, map[string]any{"entries": entries})
}

type healthResp struct {
	Status         string            `json:"status"`
	Version        string            `json:"version"`
	Driver         string            `json:"driver"`
	ActiveSessions int               `json:"active_sessions"`
	System         *monitor.Snapshot `json:"system,omitempty"`
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	v := g.version
	if v == "" {
		v = "unknown"
	}
	out := healthResp{
		Status:         "ok",
		Version:        v,
		Driver:         g.runtime.EffectiveDriver(),
		ActiveSessions: len(g.ai.ActiveSessions()),
	}
	if g.monitor != nil {
		snap := g.monitor.Snapshot(r.Context(), r.URL.Query().Get("sort_by"))
		out.System = &snap
	}
	writeOK(w, out)
}

func queryInt(raw string, def int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// splitResource turns "id/action" into its parts.
func splitResource(rest string) (id string, action string) {
	rest = strings.Trim(rest, "/")
	parts := strings.SplitN(rest, "/", 2)
	id = strings.TrimSpace(parts[0])
	if len(parts) > 1 {
		action = strings.TrimSpace(parts[1])
	}
	return id, action
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/floegence/flower-relay/internal/ai"
	"github.com/floegence/flower-relay/internal/auditlog"
	"github.com/floegence/flower-relay/internal/commands"
	"github.com/floegence/flower-relay/internal/config"
	"github.com/floegence/flower-relay/internal/gateway"
	"github.com/floegence/flower-relay/internal/hooks"
	"github.com/floegence/flower-relay/internal/monitor"
	"github.com/floegence/flower-relay/internal/runtime"
	"github.com/floegence/flower-relay/internal/runtime/cli"
	"github.com/floegence/flower-relay/internal/runtime/native"
	"github.com/floegence/flower-relay/internal/sessionstore"
	"github.com/floegence/flower-relay/internal/settings"
	"github.com/floegence/flower-relay/internal/statedir"
)

// relay owns the process-wide components and their shutdown order.
type relay struct {
	log   *slog.Logger
	dir   *statedir.Dir
	store *sessionstore.Store
	gw    *gateway.Gateway
}

func newRelay(cfg *config.Config, log *slog.Logger) (_ *relay, err error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if log == nil {
		log = slog.Default()
	}

	dir, err := statedir.Open(cfg.EffectiveStateDir())
	if err != nil {
		return nil, err
	}
	r := &relay{log: log, dir: dir}
	defer func() {
		if err != nil {
			r.Close()
		}
	}()

	r.store, err = sessionstore.Open(dir.Join("sessions.db"))
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	r.store.SetCheckpointRetention(cfg.EffectiveCheckpointKeep())

	audit, err := auditlog.New(auditlog.Options{Logger: log, Dir: dir.Join("audit")})
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	secrets := settings.NewSecretsStore(dir.Join("secrets.json"))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := ai.NewMetrics(reg)

	rt := cfg.EffectiveRuntime()
	driver, err := newDriver(rt, secrets, log)
	if err != nil {
		return nil, err
	}

	executor := hooks.NewExecutor(hooks.Options{
		Logger: log.With("component", "hooks"),
		Invoker: hooks.NewWebhookClient(hooks.WebhookOptions{
			Logger:    log.With("component", "hooks"),
			UserAgent: "flower-relay/" + Version,
		}),
		Observe: metrics.ObserveHook,
	})
	cmds := commands.NewProvider(commands.Options{Logger: log.With("component", "commands"), ExtraRoots: cfg.CommandRoots()})

	svc := ai.NewService(ai.Options{
		Logger:                  log.With("component", "ai"),
		Driver:                  driver,
		Hooks:                   executor,
		HooksConfig:             cfg.Hooks,
		Commands:                cmds,
		Sessions:                r.store,
		Checkpoints:             r.store,
		Metrics:                 metrics,
		Tools:                   rt.AdvertisedTools(),
		DefaultModel:            rt.DefaultModel,
		DefaultPermissionMode:   cfg.EffectivePermissionMode(),
		CheckpointsByDefault:    cfg.CheckpointsEnabledByDefault(),
		PartialStreamingDefault: cfg.PartialStreamingDefault,
		MaxTurns:                rt.MaxTurns,
		SystemPrompt:            rt.SystemPrompt,
	})

	r.gw, err = gateway.New(gateway.Options{
		Logger:     log,
		ListenAddr: cfg.EffectiveListenAddr(),
		Version:    Version,
		AI:         svc,
		Sessions:   r.store,
		Commands:   cmds,
		Audit:      audit,
		Monitor:    monitor.NewService(log),
		Keys:       secrets,
		Runtime:    rt,
		Metrics:    promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// newDriver builds the runtime driver named by the config.
func newDriver(rt *config.RuntimeConfig, keys native.KeyResolver, log *slog.Logger) (runtime.Driver, error) {
	switch rt.EffectiveDriver() {
	case config.DriverCLI:
		d := cli.New(cli.Options{
			Logger:    log.With("component", "cli_runtime"),
			Path:      rt.EffectiveCLIPath(),
			ExtraArgs: rt.CLIExtraArgs,
		})
		if _, err := d.Resolve(); err != nil {
			// Runs fail with runtime_unavailable until the binary appears.
			log.Warn("agent cli not found", "path", rt.EffectiveCLIPath(), "error", err)
		}
		return d, nil
	default:
		d, err := native.New(native.Options{Logger: log, Runtime: rt, Keys: keys})
		if err != nil {
			return nil, fmt.Errorf("init %s driver: %w", rt.EffectiveDriver(), err)
		}
		return d, nil
	}
}

func (r *relay) Start(ctx context.Context) error {
	return r.gw.Start(ctx)
}

func (r *relay) URL() string {
	if r == nil {
		return ""
	}
	return r.gw.URL()
}

func (r *relay) StateDir() string {
	if r == nil {
		return ""
	}
	return r.dir.Path()
}

// Close stops the gateway, then the store, then releases the state dir.
func (r *relay) Close() {
	if r == nil {
		return
	}
	if r.gw != nil {
		_ = r.gw.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.log.Warn("close session store failed", "error", err)
		}
	}
	if err := r.dir.Close(); err != nil {
		r.log.Warn("release state dir failed", "error", err)
	}
}

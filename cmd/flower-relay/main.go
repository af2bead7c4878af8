package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/floegence/flower-relay/internal/config"
	"github.com/floegence/flower-relay/internal/statedir"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:])
	case "version":
		fmt.Printf("flower-relay %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `flower-relay

Usage:
  flower-relay run [flags]
  flower-relay version

Commands:
  run       Serve the query, session and control-plane API.
  version   Print build information.

`)
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path (created with defaults when missing)")
	listen := fs.String("listen", "", "Listen address (overrides listen_addr)")
	logFormat := fs.String("log-format", "", "Log format: text|json (overrides log_format)")
	logLevel := fs.String("log-level", "", "Log level: debug|info|warn|error (overrides log_level)")
	_ = fs.Parse(args)

	path := filepath.Clean(strings.TrimSpace(*cfgPath))
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		if err := config.Save(path, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "failed to init default config: %v\n", err)
			os.Exit(1)
		}
	}
	if v := strings.TrimSpace(*listen); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(*logFormat); v != "" {
		cfg.LogFormat = v
	}
	if v := strings.TrimSpace(*logLevel); v != "" {
		cfg.LogLevel = v
	}

	log, err := newLogger(cfg.EffectiveLogFormat(), cfg.EffectiveLogLevel())
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging flags: %v\n", err)
		os.Exit(2)
	}

	r, err := newRelay(cfg, log)
	if err != nil {
		if errors.Is(err, statedir.ErrAlreadyLocked) {
			fmt.Fprintf(os.Stderr, "another relay is running: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "failed to init relay: %v\n", err)
		}
		os.Exit(1)
	}
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		log.Info("shutting down")
		cancel()
	}()

	if err := r.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start gateway: %v\n", err)
		os.Exit(1)
	}
	printWelcomeBanner(os.Stderr, welcomeBannerOptions{
		Version:  Version,
		URL:      r.URL(),
		Driver:   cfg.EffectiveRuntime().EffectiveDriver(),
		StateDir: r.StateDir(),
	})

	<-ctx.Done()
}

func newLogger(format string, level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		h = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}
	return slog.New(h), nil
}

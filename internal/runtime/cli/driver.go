// Package cli drives an agent CLI speaking the stream-json protocol over
// stdin/stdout.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/floegence/flower-relay/internal/runtime"
)

const (
	DefaultPath = "claude"

	maxLineBytes = 8 << 20
)

type Options struct {
	Logger *slog.Logger
	// Path is the CLI binary. Relative names are looked up in PATH.
	Path      string
	ExtraArgs []string
	// Env replaces the process environment when set.
	Env []string
}

// Driver starts one CLI process per run.
type Driver struct {
	log       *slog.Logger
	path      string
	extraArgs []string
	env       []string
}

func New(opts Options) *Driver {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		path = DefaultPath
	}
	return &Driver{
		log:       log.With("component", "cli_runtime"),
		path:      path,
		extraArgs: append([]string(nil), opts.ExtraArgs...),
		env:       append([]string(nil), opts.Env...),
	}
}

func (d *Driver) Name() string { return "cli" }

// Resolve returns the absolute path of the CLI binary.
func (d *Driver) Resolve() (string, error) {
	if d == nil {
		return "", errors.New("nil driver")
	}
	if filepath.IsAbs(d.path) {
		st, err := os.Stat(d.path)
		if err != nil {
			return "", err
		}
		if st.IsDir() || st.Mode()&0o111 == 0 {
			return "", fmt.Errorf("%s is not executable", d.path)
		}
		return d.path, nil
	}
	p, err := exec.LookPath(d.path)
	if err != nil {
		return "", fmt.Errorf("%s: not found in PATH", d.path)
	}
	return p, nil
}

func (d *Driver) Start(ctx context.Context, req runtime.Request) (runtime.Session, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	bin, err := d.Resolve()
	if err != nil {
		return nil, err
	}
	args := buildArgs(req, d.extraArgs)

	cmd := exec.CommandContext(ctx, bin, args...)
	if cwd := strings.TrimSpace(req.Cwd); cwd != "" {
		cmd.Dir = cwd
	}
	if len(d.env) > 0 {
		cmd.Env = d.env
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, err
	}
	log := d.log.With("session_id", req.SessionID, "pid", cmd.Process.Pid)
	log.Debug("cli runtime started", "bin", bin, "args", strings.Join(args, " "))

	// The CLI writes diagnostics to stderr only.
	go func() {
		r := bufio.NewScanner(stderr)
		r.Buffer(make([]byte, 0, 16<<10), 1<<20)
		for r.Scan() {
			if line := strings.TrimSpace(r.Text()); line != "" {
				log.Debug("cli runtime stderr", "line", line)
			}
		}
	}()

	s := newSession(ctx, log, req, stdin, stdout, cmd.Wait, func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	})
	s.start()
	if err := s.SendUserMessage(ctx, req.Prompt); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("send prompt: %w", err)
	}
	return s, nil
}

func buildArgs(req runtime.Request, extra []string) []string {
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}
	if req.IncludePartialMessages {
		args = append(args, "--include-partial-messages")
	}
	if req.ReplayUserMessages {
		args = append(args, "--replay-user-messages")
	}
	if m := strings.TrimSpace(req.Model); m != "" {
		args = append(args, "--model", m)
	}
	if mode := strings.TrimSpace(req.PermissionMode); mode != "" {
		args = append(args, "--permission-mode", mode)
	}
	if req.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(req.MaxTurns))
	}
	if sp := strings.TrimSpace(req.SystemPrompt); sp != "" {
		args = append(args, "--append-system-prompt", sp)
	}

	id := strings.TrimSpace(req.SessionID)
	switch {
	case req.Resume && id != "":
		args = append(args, "--resume", id)
	case strings.TrimSpace(req.ForkFrom) != "":
		args = append(args, "--resume", strings.TrimSpace(req.ForkFrom), "--fork-session")
		if id != "" {
			args = append(args, "--session-id", id)
		}
	case id != "":
		args = append(args, "--session-id", id)
	}

	if len(req.AllowedTools) > 0 {
		tools := make([]string, 0, len(req.AllowedTools))
		for _, t := range req.AllowedTools {
			if t = strings.TrimSpace(t); t != "" {
				tools = append(tools, t)
			}
		}
		if len(tools) > 0 {
			args = append(args, "--allowedTools", strings.Join(tools, ","))
		}
	}
	if req.ToolGate != nil {
		args = append(args, "--permission-prompt-tool", "stdio")
	}
	return append(args, extra...)
}

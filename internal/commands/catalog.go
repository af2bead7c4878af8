package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	KindCommand = "command"
	KindSkill   = "skill"
	KindAgent   = "agent"

	ScopeProject = "project"
	ScopeUser    = "user"
	ScopeExtra   = "extra"
)

const maxDefinitionBytes = 256 << 10

// Command is one slash command, skill or subagent definition.
type Command struct {
	Name         string   `json:"name"`
	Kind         string   `json:"kind"`
	Scope        string   `json:"scope"`
	Description  string   `json:"description,omitempty"`
	ArgumentHint string   `json:"argument_hint,omitempty"`
	Model        string   `json:"model,omitempty"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
	Path         string   `json:"path"`
}

type Plugin struct {
	Name        string `json:"name"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`
	Scope       string `json:"scope"`
	Path        string `json:"path"`
}

type MCPServer struct {
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	URL     string   `json:"url,omitempty"`
}

// Catalog is everything discoverable for one working directory.
type Catalog struct {
	Commands   []Command   `json:"commands"`
	Agents     []Command   `json:"agents"`
	Plugins    []Plugin    `json:"plugins"`
	MCPServers []MCPServer `json:"mcp_servers"`
}

type Options struct {
	Logger *slog.Logger
	// HomeDir overrides the user home used for user-scoped definitions.
	HomeDir string
	// ExtraRoots are additional directories laid out like a .claude directory.
	ExtraRoots []string
}

// Provider scans project, user and extra roots for definitions.
type Provider struct {
	log        *slog.Logger
	homeDir    string
	extraRoots []string
}

func NewProvider(opts Options) *Provider {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	home := strings.TrimSpace(opts.HomeDir)
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	var extra []string
	for _, r := range opts.ExtraRoots {
		if r = strings.TrimSpace(r); r != "" {
			extra = append(extra, filepath.Clean(r))
		}
	}
	return &Provider{log: logger, homeDir: strings.TrimSpace(home), extraRoots: extra}
}

type root struct {
	dir   string
	scope string
}

func (p *Provider) roots(cwd string) []root {
	var out []root
	if cwd = strings.TrimSpace(cwd); cwd != "" {
		out = append(out, root{dir: filepath.Join(filepath.Clean(cwd), ".claude"), scope: ScopeProject})
	}
	if p.homeDir != "" {
		out = append(out, root{dir: filepath.Join(p.homeDir, ".claude"), scope: ScopeUser})
	}
	for _, r := range p.extraRoots {
		out = append(out, root{dir: r, scope: ScopeExtra})
	}
	return out
}

// Discover lists the definitions available to a run in cwd. Earlier roots
// win on name clashes, so project definitions shadow user ones.
func (p *Provider) Discover(ctx context.Context, cwd string) (Catalog, error) {
	out := Catalog{Commands: []Command{}, Agents: []Command{}, Plugins: []Plugin{}, MCPServers: []MCPServer{}}
	if p == nil {
		return out, errors.New("nil commands provider")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	seen := map[string]bool{}
	add := func(dst *[]Command, items []Command) {
		for _, c := range items {
			key := c.Kind + "\x00" + c.Name
			if seen[key] {
				continue
			}
			seen[key] = true
			*dst = append(*dst, c)
		}
	}
	seenPlugin := map[string]bool{}

	for _, r := range p.roots(cwd) {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		add(&out.Commands, p.scanCommands(filepath.Join(r.dir, "commands"), r.scope))
		add(&out.Commands, p.scanSkills(filepath.Join(r.dir, "skills"), r.scope))
		add(&out.Agents, p.scanAgents(filepath.Join(r.dir, "agents"), r.scope))
		for _, pl := range p.scanPlugins(filepath.Join(r.dir, "plugins"), r.scope) {
			if seenPlugin[pl.Name] {
				continue
			}
			seenPlugin[pl.Name] = true
			out.Plugins = append(out.Plugins, pl)
		}
	}
	if cwd = strings.TrimSpace(cwd); cwd != "" {
		out.MCPServers = p.readMCPConfig(filepath.Join(filepath.Clean(cwd), ".mcp.json"))
	}

	sort.SliceStable(out.Commands, func(i, j int) bool { return out.Commands[i].Name < out.Commands[j].Name })
	sort.SliceStable(out.Agents, func(i, j int) bool { return out.Agents[i].Name < out.Agents[j].Name })
	return out, nil
}

// scanCommands reads commands/**/*.md. Nested directories namespace the
// command name with ':'.
func (p *Provider) scanCommands(dir string, scope string) []Command {
	var out []Command
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				p.log.Debug("commands: walk failed", "path", path, "error", err)
			}
			return nil
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".md") {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return nil
		}
		name := strings.TrimSuffix(filepath.ToSlash(rel), filepath.Ext(rel))
		name = strings.ReplaceAll(name, "/", ":")
		cmd, err := parseDefinition(path, KindCommand, scope, name)
		if err != nil {
			p.log.Debug("commands: skip definition", "path", path, "error", err)
			return nil
		}
		out = append(out, cmd)
		return nil
	})
	return out
}

// scanSkills reads skills/<name>/SKILL.md.
func (p *Provider) scanSkills(dir string, scope string) []Command {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []Command
	for _, ent := range ents {
		if ent == nil || !ent.IsDir() {
			continue
		}
		path := filepath.Join(dir, ent.Name(), "SKILL.md")
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cmd, err := parseDefinition(path, KindSkill, scope, ent.Name())
		if err != nil {
			p.log.Debug("commands: skip skill", "path", path, "error", err)
			continue
		}
		out = append(out, cmd)
	}
	return out
}

// scanAgents reads agents/*.md.
func (p *Provider) scanAgents(dir string, scope string) []Command {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []Command
	for _, ent := range ents {
		if ent == nil || ent.IsDir() || !strings.EqualFold(filepath.Ext(ent.Name()), ".md") {
			continue
		}
		path := filepath.Join(dir, ent.Name())
		name := strings.TrimSuffix(ent.Name(), filepath.Ext(ent.Name()))
		cmd, err := parseDefinition(path, KindAgent, scope, name)
		if err != nil {
			p.log.Debug("commands: skip agent", "path", path, "error", err)
			continue
		}
		out = append(out, cmd)
	}
	return out
}

type pluginManifest struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
}

// scanPlugins reads plugins/<dir>/.claude-plugin/plugin.json.
func (p *Provider) scanPlugins(dir string, scope string) []Plugin {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []Plugin
	for _, ent := range ents {
		if ent == nil || !ent.IsDir() {
			continue
		}
		pluginDir := filepath.Join(dir, ent.Name())
		raw, err := readLimited(filepath.Join(pluginDir, ".claude-plugin", "plugin.json"))
		if err != nil {
			continue
		}
		var m pluginManifest
		if err := json.Unmarshal(raw, &m); err != nil {
			p.log.Debug("commands: invalid plugin manifest", "path", pluginDir, "error", err)
			continue
		}
		name := strings.TrimSpace(m.Name)
		if name == "" {
			name = ent.Name()
		}
		out = append(out, Plugin{
			Name:        name,
			Version:     strings.TrimSpace(m.Version),
			Description: strings.TrimSpace(m.Description),
			Scope:       scope,
			Path:        pluginDir,
		})
	}
	return out
}

type mcpConfigFile struct {
	MCPServers map[string]struct {
		Type    string   `json:"type"`
		Command string   `json:"command"`
		Args    []string `json:"args"`
		URL     string   `json:"url"`
	} `json:"mcpServers"`
}

func (p *Provider) readMCPConfig(path string) []MCPServer {
	out := []MCPServer{}
	raw, err := readLimited(path)
	if err != nil {
		return out
	}
	var f mcpConfigFile
	if err := json.Unmarshal(raw, &f); err != nil {
		p.log.Warn("commands: invalid mcp config", "path", path, "error", err)
		return out
	}
	for name, srv := range f.MCPServers {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		typ := strings.TrimSpace(srv.Type)
		if typ == "" {
			typ = "stdio"
			if strings.TrimSpace(srv.URL) != "" {
				typ = "http"
			}
		}
		out = append(out, MCPServer{
			Name:    name,
			Type:    typ,
			Command: strings.TrimSpace(srv.Command),
			Args:    srv.Args,
			URL:     strings.TrimSpace(srv.URL),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type definitionFrontmatter struct {
	Name         string     `yaml:"name"`
	Description  string     `yaml:"description"`
	ArgumentHint string     `yaml:"argument-hint"`
	Model        string     `yaml:"model"`
	AllowedTools stringList `yaml:"allowed-tools"`
	Tools        stringList `yaml:"tools"`
}

// stringList accepts either a YAML sequence or a comma separated scalar.
type stringList []string

func (l *stringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var out []string
		for _, part := range strings.Split(value.Value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*l = out
		return nil
	case yaml.SequenceNode:
		var raw []string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		var out []string
		for _, part := range raw {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*l = out
		return nil
	default:
		return fmt.Errorf("expected string or list, got yaml kind %d", value.Kind)
	}
}

func parseDefinition(path string, kind string, scope string, fallbackName string) (Command, error) {
	raw, err := readLimited(path)
	if err != nil {
		return Command{}, err
	}
	front, body, ok := splitFrontmatter(string(raw))
	var fm definitionFrontmatter
	if ok {
		if err := yaml.Unmarshal([]byte(front), &fm); err != nil {
			return Command{}, err
		}
	} else if kind != KindCommand {
		return Command{}, errors.New("missing frontmatter")
	}

	name := strings.TrimSpace(fm.Name)
	if name == "" || kind == KindCommand {
		name = strings.TrimSpace(fallbackName)
	}
	if name == "" {
		return Command{}, errors.New("missing name")
	}
	desc := strings.TrimSpace(fm.Description)
	if desc == "" && kind == KindCommand {
		desc = firstLine(body)
	}
	tools := []string(fm.AllowedTools)
	if len(tools) == 0 {
		tools = []string(fm.Tools)
	}
	return Command{
		Name:         name,
		Kind:         kind,
		Scope:        scope,
		Description:  desc,
		ArgumentHint: strings.TrimSpace(fm.ArgumentHint),
		Model:        strings.TrimSpace(fm.Model),
		AllowedTools: tools,
		Path:         filepath.Clean(path),
	}, nil
}

func splitFrontmatter(raw string) (frontmatter string, body string, ok bool) {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	if !strings.HasPrefix(raw, "---\n") {
		return "", strings.TrimSpace(raw), false
	}
	lines := strings.Split(raw, "\n")
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) != "---" {
			continue
		}
		return strings.TrimSpace(strings.Join(lines[1:i], "\n")), strings.TrimSpace(strings.Join(lines[i+1:], "\n")), true
	}
	return "", strings.TrimSpace(raw), false
}

func firstLine(body string) string {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "# "))
		if line != "" {
			if r := []rune(line); len(r) > 160 {
				return string(r[:160])
			}
			return line
		}
	}
	return ""
}

func readLimited(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	raw, err := io.ReadAll(io.LimitReader(f, maxDefinitionBytes+1))
	if err != nil {
		return nil, err
	}
	if len(raw) > maxDefinitionBytes {
		return nil, fmt.Errorf("%s: file too large", path)
	}
	return raw, nil
}

// Package auditlog keeps a rotating JSONL record of control-plane actions
// (interrupts, answers, permission changes, key updates).
package auditlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	defaultMaxBytes   = int64(4 << 20) // 4 MiB
	defaultMaxBackups = 3

	activeName    = "audit.jsonl"
	rotatedPrefix = "audit-"
	rotatedSuffix = ".jsonl"
)

// Audited actions.
const (
	ActionInterrupt         = "interrupt"
	ActionSubmitAnswer      = "submit_answer"
	ActionPermissionMode    = "update_permission_mode"
	ActionProviderKeyUpdate = "provider_key_update"
)

type Entry struct {
	CreatedAt string `json:"created_at"`
	Action    string `json:"action"`

	SessionID  string `json:"session_id,omitempty"`
	RemoteAddr string `json:"remote_addr,omitempty"`

	// Accepted is false when the target session was not active.
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`

	// Detail holds small action-specific values. Never secrets.
	Detail map[string]any `json:"detail,omitempty"`
}

type Options struct {
	Logger *slog.Logger
	// Dir holds the active log and its rotated backups.
	Dir string

	// MaxBytes is the rotation threshold. <= 0 uses 4 MiB.
	MaxBytes int64
	// MaxBackups is how many rotated files are kept. <= 0 uses 3.
	MaxBackups int
}

type Store struct {
	log *slog.Logger

	dir        string
	activePath string

	maxBytes   int64
	maxBackups int

	mu sync.Mutex
}

func New(opts Options) (*Store, error) {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		return nil, errors.New("missing Dir")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	maxBackups := opts.MaxBackups
	if maxBackups <= 0 {
		maxBackups = defaultMaxBackups
	}

	activePath := filepath.Join(dir, activeName)
	f, err := os.OpenFile(activePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	_ = f.Close()

	return &Store{
		log:        logger.With("component", "auditlog"),
		dir:        dir,
		activePath: activePath,
		maxBytes:   maxBytes,
		maxBackups: maxBackups,
	}, nil
}

// Append writes e and rotates when the active file outgrows the limit.
// Failures are logged, not returned.
func (s *Store) Append(e Entry) {
	if s == nil {
		return
	}
	e.Action = strings.TrimSpace(e.Action)
	e.SessionID = strings.TrimSpace(e.SessionID)
	if strings.TrimSpace(e.CreatedAt) == "" {
		e.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.activePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.log.Warn("audit append failed", "action", e.Action, "error", err)
		return
	}
	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	encErr := enc.Encode(&e)
	_ = f.Close()
	if encErr != nil {
		s.log.Warn("audit encode failed", "action", e.Action, "error", encErr)
		return
	}
	s.rotateLocked()
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	SessionID string
	Action    string
}

func (f Filter) match(e Entry) bool {
	if sid := strings.TrimSpace(f.SessionID); sid != "" && e.SessionID != sid {
		return false
	}
	if a := strings.TrimSpace(f.Action); a != "" && e.Action != a {
		return false
	}
	return true
}

// List returns up to limit entries, newest first, across the active file
// and its backups.
func (s *Store) List(limit int, filter Filter) ([]Entry, error) {
	if s == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}

	s.mu.Lock()
	files := append([]string{s.activePath}, s.rotatedLocked(true)...)
	s.mu.Unlock()

	out := make([]Entry, 0, limit)
	for _, path := range files {
		if len(out) >= limit {
			break
		}
		entries, err := readNewestFirst(path)
		if err != nil {
			s.log.Warn("audit read failed", "path", path, "error", err)
			continue
		}
		for _, e := range entries {
			if !filter.match(e) {
				continue
			}
			out = append(out, e)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// rotatedLocked lists backup paths, newest first when newestFirst is set.
func (s *Store) rotatedLocked(newestFirst bool) []string {
	ents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, ent := range ents {
		if ent == nil || ent.IsDir() {
			continue
		}
		name := ent.Name()
		if !strings.HasPrefix(name, rotatedPrefix) || !strings.HasSuffix(name, rotatedSuffix) {
			continue
		}
		out = append(out, filepath.Join(s.dir, name))
	}
	// Names embed a zero-padded UnixMilli, so lexical order is time order.
	sort.Strings(out)
	if newestFirst {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}

func (s *Store) rotateLocked() {
	st, err := os.Stat(s.activePath)
	if err != nil || st.Size() <= s.maxBytes {
		return
	}
	ts := time.Now().UnixMilli()
	dst := backupPath(s.dir, ts)
	for {
		if _, err := os.Stat(dst); err != nil {
			break
		}
		// Several rotations within one millisecond.
		ts++
		dst = backupPath(s.dir, ts)
	}
	if err := os.Rename(s.activePath, dst); err != nil {
		s.log.Warn("audit rotate failed", "error", err)
		return
	}
	if f, err := os.OpenFile(s.activePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600); err == nil {
		_ = f.Close()
	}

	backups := s.rotatedLocked(false)
	if len(backups) <= s.maxBackups {
		return
	}
	for _, path := range backups[:len(backups)-s.maxBackups] {
		_ = os.Remove(path)
	}
}

func backupPath(dir string, unixMilli int64) string {
	return filepath.Join(dir, fmt.Sprintf("%s%015d%s", rotatedPrefix, unixMilli, rotatedSuffix))
}

func readNewestFirst(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var entries []Entry
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

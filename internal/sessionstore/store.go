package sessionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

const defaultCheckpointKeep = 50

// Store is a local SQLite-backed record of sessions, their checkpoints and
// the events their runs emitted.
//
// WAL is enabled so the HTTP read endpoints do not block a run that is
// appending events.
type Store struct {
	db *sql.DB

	checkpointKeep atomic.Int64
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" || p == "." {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	s.checkpointKeep.Store(defaultCheckpointKeep)
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SetCheckpointRetention bounds how many checkpoints are kept per session.
// Values <= 0 restore the default.
func (s *Store) SetCheckpointRetention(keep int) {
	if s == nil {
		return
	}
	if keep <= 0 {
		keep = defaultCheckpointKeep
	}
	s.checkpointKeep.Store(int64(keep))
}

type Session struct {
	SessionID       string   `json:"session_id"`
	ParentSessionID string   `json:"parent_session_id,omitempty"`
	Model           string   `json:"model"`
	Cwd             string   `json:"cwd"`
	Title           string   `json:"title"`
	PermissionMode  string   `json:"permission_mode"`
	LastReason      string   `json:"last_reason"`
	LastIsError     bool     `json:"last_is_error"`
	TotalCost       *float64 `json:"total_cost,omitempty"`
	NumTurns        int      `json:"num_turns"`
	RunCount        int      `json:"run_count"`

	CreatedAtUnixMs int64 `json:"created_at_unix_ms"`
	UpdatedAtUnixMs int64 `json:"updated_at_unix_ms"`
}

// SessionStart describes a run that is about to begin.
type SessionStart struct {
	SessionID       string
	ParentSessionID string
	Model           string
	Cwd             string
	Title           string
	PermissionMode  string
}

// SessionFinish describes how a run ended.
type SessionFinish struct {
	Reason    string
	IsError   bool
	TotalCost *float64
	NumTurns  int
}

// BeginRun creates the session row if needed and counts one more run.
func (s *Store) BeginRun(ctx context.Context, in SessionStart) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	id := strings.TrimSpace(in.SessionID)
	if id == "" {
		return errors.New("missing session_id")
	}
	now := time.Now().UnixMilli()
	title := truncateRunes(strings.TrimSpace(in.Title), 120)

	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions (
  session_id, parent_session_id, model, cwd, title, permission_mode,
  last_reason, last_is_error, total_cost, num_turns, run_count,
  created_at_unix_ms, updated_at_unix_ms
) VALUES (?, ?, ?, ?, ?, ?, 'running', 0, NULL, 0, 1, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
  model = CASE WHEN excluded.model <> '' THEN excluded.model ELSE sessions.model END,
  cwd = CASE WHEN excluded.cwd <> '' THEN excluded.cwd ELSE sessions.cwd END,
  permission_mode = excluded.permission_mode,
  last_reason = 'running',
  run_count = sessions.run_count + 1,
  updated_at_unix_ms = excluded.updated_at_unix_ms
`, id, strings.TrimSpace(in.ParentSessionID), strings.TrimSpace(in.Model), strings.TrimSpace(in.Cwd), title, strings.TrimSpace(in.PermissionMode), now, now)
	if err != nil {
		return fmt.Errorf("begin run: %w", err)
	}
	return nil
}

// FinishRun records the outcome of a run and adds its cost and turns to the
// session totals.
func (s *Store) FinishRun(ctx context.Context, sessionID string, in SessionFinish) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("missing session_id")
	}
	var cost sql.NullFloat64
	if in.TotalCost != nil {
		cost = sql.NullFloat64{Float64: *in.TotalCost, Valid: true}
	}
	turns := in.NumTurns
	if turns < 0 {
		turns = 0
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE sessions SET
  last_reason = ?,
  last_is_error = ?,
  total_cost = CASE
    WHEN ? IS NULL THEN total_cost
    ELSE COALESCE(total_cost, 0) + ?
  END,
  num_turns = num_turns + ?,
  updated_at_unix_ms = ?
WHERE session_id = ?
`, strings.TrimSpace(in.Reason), boolToInt(in.IsError), cost, cost, turns, time.Now().UnixMilli(), sessionID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run: unknown session %q", sessionID)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("missing session_id")
	}
	row := s.db.QueryRowContext(ctx, `
SELECT `+sessionColumns+`
FROM sessions
WHERE session_id = ?
`, sessionID)
	out, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

// ListSessions returns the most recently updated sessions first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	limit = clampLimit(limit, 50, 500)

	rows, err := s.db.QueryContext(ctx, `
SELECT `+sessionColumns+`
FROM sessions
ORDER BY updated_at_unix_ms DESC, session_id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Session, 0, limit)
	for rows.Next() {
		item, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *item)
	}
	return out, rows.Err()
}

const sessionColumns = `session_id, parent_session_id, model, cwd, title, permission_mode,
  last_reason, last_is_error, total_cost, num_turns, run_count,
  created_at_unix_ms, updated_at_unix_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (*Session, error) {
	var out Session
	var isErr int
	var cost sql.NullFloat64
	if err := r.Scan(
		&out.SessionID,
		&out.ParentSessionID,
		&out.Model,
		&out.Cwd,
		&out.Title,
		&out.PermissionMode,
		&out.LastReason,
		&isErr,
		&cost,
		&out.NumTurns,
		&out.RunCount,
		&out.CreatedAtUnixMs,
		&out.UpdatedAtUnixMs,
	); err != nil {
		return nil, err
	}
	out.LastIsError = isErr != 0
	if cost.Valid {
		v := cost.Float64
		out.TotalCost = &v
	}
	return &out, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func clampLimit(limit int, def int, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS sessions (
  session_id TEXT PRIMARY KEY,
  parent_session_id TEXT NOT NULL DEFAULT '',
  model TEXT NOT NULL DEFAULT '',
  cwd TEXT NOT NULL DEFAULT '',
  title TEXT NOT NULL DEFAULT '',
  permission_mode TEXT NOT NULL DEFAULT 'default',
  last_reason TEXT NOT NULL DEFAULT '',
  last_is_error INTEGER NOT NULL DEFAULT 0,
  total_cost REAL,
  num_turns INTEGER NOT NULL DEFAULT 0,
  run_count INTEGER NOT NULL DEFAULT 0,
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at_unix_ms DESC);`,
		`
CREATE TABLE IF NOT EXISTS checkpoints (
  checkpoint_id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL,
  user_turn_id TEXT NOT NULL,
  files_json TEXT NOT NULL DEFAULT '[]',
  created_at_unix_ms INTEGER NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_id, created_at_unix_ms DESC);`,
		`
CREATE TABLE IF NOT EXISTS run_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  session_id TEXT NOT NULL,
  run_id TEXT NOT NULL,
  event TEXT NOT NULL,
  data_json TEXT NOT NULL,
  created_at_unix_ms INTEGER NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_run_events_session ON run_events(session_id, id);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

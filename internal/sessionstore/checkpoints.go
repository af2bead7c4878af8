package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Checkpoint records which files had been modified when a given user turn
// was the latest one in a session.
type Checkpoint struct {
	CheckpointID    string   `json:"checkpoint_id"`
	SessionID       string   `json:"session_id"`
	UserTurnID      string   `json:"user_turn_id"`
	Files           []string `json:"files"`
	CreatedAtUnixMs int64    `json:"created_at_unix_ms"`
}

// CreateCheckpoint stores a new checkpoint and prunes the oldest ones beyond
// the retention limit. Pruning is best-effort.
func (s *Store) CreateCheckpoint(ctx context.Context, sessionID string, userTurnID string, files []string) (Checkpoint, error) {
	out := Checkpoint{}
	if s == nil || s.db == nil {
		return out, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sessionID = strings.TrimSpace(sessionID)
	userTurnID = strings.TrimSpace(userTurnID)
	if sessionID == "" || userTurnID == "" {
		return out, errors.New("invalid request")
	}

	cleaned := make([]string, 0, len(files))
	for _, f := range files {
		if f = strings.TrimSpace(f); f != "" {
			cleaned = append(cleaned, f)
		}
	}
	filesJSON, err := json.Marshal(cleaned)
	if err != nil {
		return out, err
	}

	out = Checkpoint{
		CheckpointID:    "cp_" + uuid.NewString(),
		SessionID:       sessionID,
		UserTurnID:      userTurnID,
		Files:           cleaned,
		CreatedAtUnixMs: time.Now().UnixMilli(),
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO checkpoints(checkpoint_id, session_id, user_turn_id, files_json, created_at_unix_ms)
VALUES(?, ?, ?, ?, ?)
`, out.CheckpointID, out.SessionID, out.UserTurnID, string(filesJSON), out.CreatedAtUnixMs); err != nil {
		return Checkpoint{}, fmt.Errorf("insert checkpoint: %w", err)
	}

	_, _ = s.db.ExecContext(ctx, `
DELETE FROM checkpoints
WHERE session_id = ?
  AND checkpoint_id NOT IN (
    SELECT checkpoint_id FROM checkpoints
    WHERE session_id = ?
    ORDER BY created_at_unix_ms DESC, rowid DESC
    LIMIT ?
  )
`, sessionID, sessionID, s.checkpointKeep.Load())

	return out, nil
}

// ListCheckpoints returns a session's checkpoints, newest first.
func (s *Store) ListCheckpoints(ctx context.Context, sessionID string, limit int) ([]Checkpoint, error) {
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
	limit = clampLimit(limit, 50, 500)

	rows, err := s.db.QueryContext(ctx, `
SELECT checkpoint_id, session_id, user_turn_id, files_json, created_at_unix_ms
FROM checkpoints
WHERE session_id = ?
ORDER BY created_at_unix_ms DESC, rowid DESC
LIMIT ?
`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var filesJSON string
		if err := rows.Scan(&cp.CheckpointID, &cp.SessionID, &cp.UserTurnID, &filesJSON, &cp.CreatedAtUnixMs); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(filesJSON), &cp.Files); err != nil {
			return nil, fmt.Errorf("checkpoint %s: decode files: %w", cp.CheckpointID, err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

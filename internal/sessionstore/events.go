package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// RunEvent is one protocol event emitted by a run, kept for replay.
type RunEvent struct {
	ID              int64           `json:"id"`
	SessionID       string          `json:"session_id"`
	RunID           string          `json:"run_id"`
	Event           string          `json:"event"`
	Data            json.RawMessage `json:"data"`
	CreatedAtUnixMs int64           `json:"created_at_unix_ms"`
}

func (s *Store) AppendRunEvent(ctx context.Context, ev RunEvent) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ev.SessionID = strings.TrimSpace(ev.SessionID)
	ev.RunID = strings.TrimSpace(ev.RunID)
	ev.Event = strings.TrimSpace(ev.Event)
	if ev.SessionID == "" || ev.RunID == "" || ev.Event == "" {
		return errors.New("invalid request")
	}
	data := strings.TrimSpace(string(ev.Data))
	if data == "" {
		data = "{}"
	}
	if ev.CreatedAtUnixMs <= 0 {
		ev.CreatedAtUnixMs = time.Now().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO run_events(session_id, run_id, event, data_json, created_at_unix_ms)
VALUES(?, ?, ?, ?, ?)
`, ev.SessionID, ev.RunID, ev.Event, data, ev.CreatedAtUnixMs)
	return err
}

// ListRunEvents returns a session's events in emission order, starting after
// afterID.
func (s *Store) ListRunEvents(ctx context.Context, sessionID string, afterID int64, limit int) ([]RunEvent, error) {
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
	if afterID < 0 {
		afterID = 0
	}
	limit = clampLimit(limit, 200, 2000)

	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, run_id, event, data_json, created_at_unix_ms
FROM run_events
WHERE session_id = ? AND id > ?
ORDER BY id ASC
LIMIT ?
`, sessionID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunEvent
	for rows.Next() {
		var ev RunEvent
		var data string
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.RunID, &ev.Event, &data, &ev.CreatedAtUnixMs); err != nil {
			return nil, err
		}
		ev.Data = json.RawMessage(data)
		out = append(out, ev)
	}
	return out, rows.Err()
}

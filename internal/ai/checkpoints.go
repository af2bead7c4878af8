package ai

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/floegence/flower-relay/internal/sessionstore"
)

const defaultCheckpointTimeout = 10 * time.Second

// CheckpointStore persists checkpoints.
type CheckpointStore interface {
	CreateCheckpoint(ctx context.Context, sessionID string, userTurnID string, files []string) (sessionstore.Checkpoint, error)
}

// CheckpointManager creates checkpoints from run state. It is best-effort:
// failures are logged and never reach the run.
type CheckpointManager struct {
	log     *slog.Logger
	store   CheckpointStore
	timeout time.Duration
}

func NewCheckpointManager(log *slog.Logger, store CheckpointStore) *CheckpointManager {
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &CheckpointManager{log: log, store: store, timeout: defaultCheckpointTimeout}
}

// CreateFromContext records the files modified so far, anchored at the last
// user turn. It returns nil when checkpointing is off, no user turn has been
// seen, no store is configured, or the store failed.
func (m *CheckpointManager) CreateFromContext(ctx context.Context, rc *RunContext) *sessionstore.Checkpoint {
	if m == nil || m.store == nil || rc == nil {
		return nil
	}
	if !rc.CheckpointingEnabled() {
		return nil
	}
	anchor := strings.TrimSpace(rc.LastUserTurnID)
	if anchor == "" {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	files := rc.FilesModified()

	cctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	cp, err := m.store.CreateCheckpoint(cctx, rc.SessionID, anchor, files)
	if err != nil {
		m.log.Warn("checkpoint create failed", "session_id", rc.SessionID, "user_turn_id", anchor, "error", err)
		return nil
	}
	m.log.Debug("checkpoint created", "session_id", rc.SessionID, "checkpoint_id", cp.CheckpointID, "files", len(files))
	return &cp
}

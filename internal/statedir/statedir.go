// Package statedir prepares the relay's state directory and guards it with
// an exclusive process lock.
package statedir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrAlreadyLocked indicates another relay process owns the state dir.
var ErrAlreadyLocked = errors.New("state dir already in use")

const lockName = "relay.lock"

// Dir is an opened, locked state directory.
type Dir struct {
	path string
	f    *os.File
}

// Open creates path (mode 0700) if needed and takes its lock without
// blocking. The lock file records the owner's pid.
func Open(path string) (*Dir, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("state dir is empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(abs, lockName), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		if errors.Is(err, ErrAlreadyLocked) {
			return nil, fmt.Errorf("%w: %s (pid %s)", ErrAlreadyLocked, abs, ownerPID(abs))
		}
		return nil, err
	}

	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	_ = f.Sync()

	return &Dir{path: abs, f: f}, nil
}

func (d *Dir) Path() string {
	if d == nil {
		return ""
	}
	return d.path
}

// Join returns a path inside the state dir.
func (d *Dir) Join(elem ...string) string {
	if d == nil {
		return ""
	}
	return filepath.Join(append([]string{d.path}, elem...)...)
}

// Close releases the lock. It is safe to call more than once.
func (d *Dir) Close() error {
	if d == nil || d.f == nil {
		return nil
	}
	unlockErr := unlockFile(d.f)
	closeErr := d.f.Close()
	d.f = nil
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}

func ownerPID(dir string) string {
	b, err := os.ReadFile(filepath.Join(dir, lockName))
	if err != nil {
		return "unknown"
	}
	pid := strings.TrimSpace(string(b))
	if pid == "" {
		return "unknown"
	}
	return pid
}

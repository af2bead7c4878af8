package statedir

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestOpen_ExclusiveUntilClosed(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state")
	d, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	st, err := os.Stat(path)
	if err != nil || !st.IsDir() {
		t.Fatalf("state dir not created: %v", err)
	}
	b, err := os.ReadFile(d.Join(lockName))
	if err != nil {
		t.Fatalf("read lock: %v", err)
	}
	if strings.TrimSpace(string(b)) != strconv.Itoa(os.Getpid()) {
		t.Fatalf("lock pid=%q", b)
	}

	if _, err := Open(path); !errors.Is(err, ErrAlreadyLocked) {
		t.Fatalf("second Open err=%v, want ErrAlreadyLocked", err)
	}

	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	d2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	_ = d2.Close()
}

func TestOpen_EmptyPath(t *testing.T) {
	t.Parallel()

	if _, err := Open("  "); err == nil {
		t.Fatalf("expected error")
	}
}

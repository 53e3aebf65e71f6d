package lockfile

import (
	"bufio"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAcquireLockRecordsOwner(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	defer lock.Release()

	if lock.Path() != filepath.Join(dir, LockFileName) {
		t.Errorf("Path() = %s", lock.Path())
	}
	owner, err := ReadOwner(lock.Path())
	if err != nil {
		t.Fatalf("ReadOwner: %v", err)
	}
	if owner.PID != os.Getpid() {
		t.Errorf("owner pid = %d, want %d", owner.PID, os.Getpid())
	}
	if owner.StartedAt.IsZero() || time.Since(owner.StartedAt) > time.Minute {
		t.Errorf("owner started = %v", owner.StartedAt)
	}
}

func TestAcquireLockConflict(t *testing.T) {
	dir := t.TempDir()

	first, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("first AcquireLock: %v", err)
	}
	defer first.Release()

	second, err := AcquireLock(dir)
	if err == nil {
		second.Release()
		t.Fatal("second AcquireLock should fail")
	}
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("error type = %T", err)
	}
	if !errors.Is(err, ErrLocked) {
		t.Error("error should wrap ErrLocked")
	}
	if lockErr.Owner.PID != os.Getpid() {
		t.Errorf("conflict owner pid = %d", lockErr.Owner.PID)
	}
	msg := err.Error()
	if !strings.Contains(msg, "another FlowPipe instance") || !strings.Contains(msg, dir) {
		t.Errorf("unhelpful error: %s", msg)
	}

	// The failed attempt must not clobber the holder's details.
	owner, _ := ReadOwner(first.Path())
	if owner.PID != os.Getpid() {
		t.Errorf("owner details lost after conflict: %+v", owner)
	}
}

func TestReleaseAndReacquire(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(lock.Path()); !os.IsNotExist(err) {
		t.Errorf("lock file should be removed, stat err = %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release: %v", err)
	}

	again, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	again.Release()
}

func TestAcquireLockCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	defer lock.Release()
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("state directory not created: %v", err)
	}
}

func TestParseOwner(t *testing.T) {
	tests := []struct {
		name    string
		content string
		pid     int
		host    string
	}{
		{"full", "pid=42\nhost=box\nstarted=2024-01-02T03:04:05Z\n", 42, "box"},
		{"pid only", "pid=7\n", 7, ""},
		{"garbage", "hello\nworld", 0, ""},
		{"bad pid", "pid=abc\n", 0, ""},
		{"empty", "", 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := parseOwner(bufio.NewScanner(strings.NewReader(tt.content)))
			if o.PID != tt.pid || o.Host != tt.host {
				t.Errorf("parseOwner = %+v", o)
			}
		})
	}
}

func TestIsProcessRunning(t *testing.T) {
	if !isProcessRunning(os.Getpid()) {
		t.Error("current process should be running")
	}
	if isProcessRunning(999999) {
		t.Error("pid 999999 should not be running")
	}
}

// Package lockfile guards a FlowPipe state directory against concurrent instances.
//
// The lock is an flock(2) on a file inside the directory, so the kernel releases it
// when the process exits, even on a crash.
package lockfile

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory.
const LockFileName = "flowpipe.lock"

// ErrLocked is wrapped by LockError when another process holds the lock.
var ErrLocked = errors.New("state directory is locked")

// Owner describes the process recorded in a lock file.
type Owner struct {
	PID       int
	Host      string
	StartedAt time.Time
}

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// AcquireLock takes an exclusive, non-blocking lock on stateDir, creating the directory
// if needed. When another process holds it, the returned error is a *LockError.
func AcquireLock(stateDir string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// O_TRUNC would wipe the owner details of a running instance before we know we hold the lock.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		owner, _ := ReadOwner(lockPath)
		slog.Error("Lock.Acquire: state directory in use", "lockPath", lockPath, "ownerPID", owner.PID, "error", err)
		return nil, &LockError{LockPath: lockPath, Owner: owner, Cause: err}
	}

	if err := writeOwner(file); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Info("Lock.Acquire: state directory locked", "lockPath", lockPath, "pid", os.Getpid())
	return &Lock{file: file, path: lockPath}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release unlocks and removes the lock file. Calling it more than once is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	var errs []error
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		errs = append(errs, fmt.Errorf("unlock: %w", err))
	}
	if err := l.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, fmt.Errorf("remove: %w", err))
	}
	l.file = nil
	if len(errs) > 0 {
		slog.Warn("Lock.Release: incomplete release", "lockPath", l.path, "error", errors.Join(errs...))
		return errors.Join(errs...)
	}
	slog.Info("Lock.Release: state directory unlocked", "lockPath", l.path)
	return nil
}

func writeOwner(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	host, _ := os.Hostname()
	info := fmt.Sprintf("pid=%d\nhost=%s\nstarted=%s\n", os.Getpid(), host, time.Now().UTC().Format(time.RFC3339))
	if _, err := f.WriteString(info); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		slog.Warn("Lock.Acquire: sync failed", "lockPath", f.Name(), "error", err)
	}
	return nil
}

// ReadOwner parses the owner details from a lock file.
func ReadOwner(lockPath string) (Owner, error) {
	f, err := os.Open(lockPath)
	if err != nil {
		return Owner{}, err
	}
	defer f.Close()
	return parseOwner(bufio.NewScanner(f)), nil
}

func parseOwner(sc *bufio.Scanner) Owner {
	var o Owner
	for sc.Scan() {
		key, val, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			o.PID, _ = strconv.Atoi(val)
		case "host":
			o.Host = val
		case "started":
			o.StartedAt, _ = time.Parse(time.RFC3339, val)
		}
	}
	return o
}

// LockError reports that another FlowPipe instance holds the state directory.
type LockError struct {
	LockPath string
	Owner    Owner
	Cause    error
}

func (e *LockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "another FlowPipe instance is using this state directory (lock file %s)", e.LockPath)
	if e.Owner.PID > 0 {
		state := "running"
		if !isProcessRunning(e.Owner.PID) {
			state = "not running, stale lock"
		}
		fmt.Fprintf(&b, "; owner pid %d on %q (%s)", e.Owner.PID, e.Owner.Host, state)
	}
	b.WriteString("; remove the lock file only if no other instance is running")
	return b.String()
}

func (e *LockError) Unwrap() []error { return []error{ErrLocked, e.Cause} }

// isProcessRunning probes pid with signal 0.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// Package instance keeps a single host running per kit directory.
package instance

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/gofrs/flock"
)

// ErrRunning means another process holds the lock.
var ErrRunning = errors.New("another instance is running")

// Lock is the held single-instance lock. The owner pid is written next to
// the lock file so a second instance can report it.
type Lock struct {
	fl      *flock.Flock
	pidFile string
}

// Acquire takes the lock at path without blocking. It returns ErrRunning
// when another process holds it.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("lock dir: %w", err)
	}
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock: %w", err)
	}
	if !locked {
		return nil, ErrRunning
	}
	l := &Lock{fl: fl, pidFile: pidPath(path)}
	if err := writePidFile(l.pidFile, os.Getpid()); err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("write pid file: %w", err)
	}
	return l, nil
}

// Release drops the lock and removes the pid file.
func (l *Lock) Release() error {
	_ = os.Remove(l.pidFile)
	return l.fl.Unlock()
}

// Owner reads the pid of the instance holding the lock at path.
func Owner(path string) (int, error) {
	b, err := os.ReadFile(pidPath(path))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("parse pid file: %w", err)
	}
	return pid, nil
}

// Alive reports whether a process with pid exists. EPERM counts as alive.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func pidPath(lock string) string { return lock + ".pid" }

func writePidFile(pidFile string, pid int) error {
	f, err := os.OpenFile(pidFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = f.WriteString(strconv.Itoa(pid))
	return err
}

package state

import (
	"fmt"
	"os"
	"time"
)

// staleLockTimeout is how long a lock file may exist before a later
// acquirer treats its holder as dead and reclaims it.
const staleLockTimeout = 60 * time.Second

// ErrWouldBlock is returned by advisoryLock.acquire when another process holds a
// non-stale lock.
var ErrWouldBlock = fmt.Errorf("state: lock held by another process")

// advisoryLock is a non-blocking, presence-based lock file with a
// staleness timeout, matching the convention used everywhere else in
// this codebase: no real flock(2), just create-if-absent plus an
// mtime check.
type advisoryLock struct {
	path         string
	staleTimeout time.Duration
}

func (l *advisoryLock) acquire(now time.Time) error {
	staleTimeout := l.staleTimeout
	if staleTimeout <= 0 {
		staleTimeout = staleLockTimeout
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err == nil {
		fmt.Fprintf(f, "%d\n%s\n", os.Getpid(), now.Format(time.RFC3339))
		return f.Close()
	}
	if !os.IsExist(err) {
		return fmt.Errorf("state: create lock: %w", err)
	}

	info, statErr := os.Stat(l.path)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return l.acquire(now) // lock was released between our attempts; retry once
		}
		return fmt.Errorf("state: stat lock: %w", statErr)
	}
	if now.Sub(info.ModTime()) < staleTimeout {
		return ErrWouldBlock
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("state: reclaim stale lock: %w", err)
	}
	return l.acquire(now)
}

func (l *advisoryLock) release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("state: release lock: %w", err)
	}
	return nil
}

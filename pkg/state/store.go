// Package state persists PhaseState to disk under an advisory lock,
// using a fixed atomic write protocol: lock, read,
// compare revision, mutate, write-temp, fsync, rename, unlock. The
// caller is responsible for appending the matching audit entry; see
// pkg/audit and Store.Mutate's audit hook.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joyshmitz/ampersona/pkg/canonicalize"
	"github.com/joyshmitz/ampersona/pkg/gate"
)

// ErrStaleRev is returned by Mutate when the caller's expected revision
// no longer matches the persisted state's state_rev.
var ErrStaleRev = errors.New("state: stale state_rev, re-evaluate")

// ErrCorrupted wraps a failure to parse the state file found on disk.
// Load does not compare state_rev against any earlier value, so a
// decreased state_rev is not reported as corruption.
type ErrCorrupted struct {
	Path string
	Err  error
}

func (e *ErrCorrupted) Error() string {
	return fmt.Sprintf("state: %s is corrupted: %v", e.Path, e.Err)
}

func (e *ErrCorrupted) Unwrap() error { return e.Err }

// Store loads and atomically persists one persona's PhaseState.
type Store struct {
	dir              string
	name             string
	clock            func() time.Time
	lockStaleTimeout time.Duration
}

// New builds a Store for the named persona under dir. clock defaults to
// time.Now when nil. The lock's staleness timeout defaults to
// staleLockTimeout; use NewWithLockTimeout to override it from
// pkg/config.Config.LockStaleTimeout.
func New(dir, name string, clock func() time.Time) *Store {
	return NewWithLockTimeout(dir, name, clock, 0)
}

// NewWithLockTimeout builds a Store whose advisory lock is reclaimed as
// stale after lockStaleTimeout instead of the package default. A
// non-positive lockStaleTimeout falls back to that default.
func NewWithLockTimeout(dir, name string, clock func() time.Time, lockStaleTimeout time.Duration) *Store {
	if clock == nil {
		clock = time.Now
	}
	return &Store{dir: dir, name: name, clock: clock, lockStaleTimeout: lockStaleTimeout}
}

func (s *Store) statePath() string { return filepath.Join(s.dir, s.name+".state.json") }
func (s *Store) lockPath() string  { return filepath.Join(s.dir, s.name+".state.lock") }

// Load reads the persisted state, or returns a fresh zero-revision
// PhaseState if none exists yet — state is created on first
// successful evaluation of any gate, not eagerly.
func (s *Store) Load() (*gate.PhaseState, error) {
	raw, err := os.ReadFile(s.statePath())
	if err != nil {
		if os.IsNotExist(err) {
			return &gate.PhaseState{Name: s.name, StateRev: 0, UpdatedAt: s.clock()}, nil
		}
		return nil, fmt.Errorf("state: read: %w", err)
	}
	var ps gate.PhaseState
	if err := json.Unmarshal(raw, &ps); err != nil {
		return nil, &ErrCorrupted{Path: s.statePath(), Err: err}
	}
	return &ps, nil
}

// Mutate runs the full lock/compare/mutate/write/unlock protocol. fn
// receives the loaded state and mutates it in place (including bumping
// state_rev itself, as the Gate Evaluator's applyTransition does); after
// a successful write, audit is called with the persisted state so the
// caller can append the matching audit entry under the same lock,
// preserving invariant 2 (every write is followed by an audit entry).
// If audit returns an error, Mutate still reports success for the write
// (the state file is already durable) but propagates the audit error so
// the caller can alert on the gap a crash between the state rename
// and the audit append leaves — the write cannot be rolled back after
// rename.
func (s *Store) Mutate(expectedRev uint64, fn func(*gate.PhaseState) error, audit func(*gate.PhaseState) error) (*gate.PhaseState, error) {
	lock := &advisoryLock{path: s.lockPath(), staleTimeout: s.lockStaleTimeout}
	now := s.clock()
	if err := lock.acquire(now); err != nil {
		return nil, err
	}
	defer lock.release()

	current, err := s.Load()
	if err != nil {
		return nil, err
	}
	if current.StateRev != expectedRev {
		return nil, ErrStaleRev
	}

	if err := fn(current); err != nil {
		return nil, fmt.Errorf("state: mutate: %w", err)
	}
	current.UpdatedAt = s.clock()

	if err := s.writeAtomic(current); err != nil {
		return nil, err
	}

	if audit != nil {
		if err := audit(current); err != nil {
			return current, fmt.Errorf("state: write succeeded but audit append failed: %w", err)
		}
	}

	return current, nil
}

func (s *Store) writeAtomic(ps *gate.PhaseState) error {
	canonical, err := canonicalize.JCS(ps)
	if err != nil {
		return fmt.Errorf("state: canonicalize: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("state: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, s.name+".state.*.tmp")
	if err != nil {
		return fmt.Errorf("state: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(canonical); err != nil {
		tmp.Close()
		return fmt.Errorf("state: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("state: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("state: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, s.statePath()); err != nil {
		return fmt.Errorf("state: rename: %w", err)
	}
	return nil
}

package main

import (
	"context"
	"path/filepath"
	"time"

	"github.com/joyshmitz/ampersona/pkg/audit"
	"github.com/joyshmitz/ampersona/pkg/drift"
	"github.com/joyshmitz/ampersona/pkg/gate"
	"github.com/joyshmitz/ampersona/pkg/state"
)

// lockRetryBase and lockRetryMax bound the backoff a CLI invocation
// waits on a held state lock before giving up with ErrWouldBlock; a
// human re-running the same command a moment later shouldn't have to
// care that another process briefly held the lock.
const (
	lockRetryBase = 50 * time.Millisecond
	lockRetryMax  = 2 * time.Second
)

const lockRetryAttempts = 5

// workspace resolves every per-persona path and collaborator a
// subcommand needs, from one (dir, name) pair.
type workspace struct {
	dir, name        string
	clock            func() time.Time
	lockStaleTimeout time.Duration
}

func newWorkspace(cfg *cliConfig, dir, name string) *workspace {
	return &workspace{dir: dir, name: name, clock: time.Now, lockStaleTimeout: cfg.lockStaleTimeout}
}

func (w *workspace) auditPath() string      { return filepath.Join(w.dir, w.name+".audit.jsonl") }
func (w *workspace) driftPath() string      { return filepath.Join(w.dir, w.name+".drift.jsonl") }
func (w *workspace) checkpointPath() string { return filepath.Join(w.dir, w.name+".integrity.json") }

func (w *workspace) store() *state.Store {
	return state.NewWithLockTimeout(w.dir, w.name, w.clock, w.lockStaleTimeout)
}
func (w *workspace) auditLog() *audit.Log { return audit.New(w.auditPath(), w.clock) }
func (w *workspace) driftLedger() *drift.Ledger { return drift.New(w.driftPath(), w.clock) }

// mutateWithRetry runs Store.Mutate, backing off and retrying through
// state.Retrier when the persona's state lock is briefly held by
// another ampersona invocation instead of failing the command outright
// on the first ErrWouldBlock.
func (w *workspace) mutateWithRetry(ctx context.Context, expectedRev uint64, fn func(*gate.PhaseState) error, auditFn func(*gate.PhaseState) error) (*gate.PhaseState, error) {
	retrier := state.NewRetrier(lockRetryBase, lockRetryMax)
	store := w.store()
	var result *gate.PhaseState
	err := retrier.Do(ctx, lockRetryAttempts, func() error {
		r, err := store.Mutate(expectedRev, fn, auditFn)
		result = r
		return err
	})
	return result, err
}

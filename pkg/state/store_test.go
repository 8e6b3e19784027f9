package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joyshmitz/ampersona/pkg/gate"
)

func TestLoadMissingReturnsZeroRevState(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "alice", func() time.Time { return time.Unix(0, 0) })
	ps, err := s.Load()
	require.NoError(t, err)
	assert.EqualValues(t, 0, ps.StateRev)
	assert.Equal(t, "alice", ps.Name)
}

func TestMutateWritesAndIsReloadable(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "alice", func() time.Time { return time.Unix(100, 0) })

	phase := "trusted"
	_, err := s.Mutate(0, func(ps *gate.PhaseState) error {
		ps.CurrentPhase = &phase
		ps.StateRev = 1
		return nil
	}, nil)
	require.NoError(t, err)

	reloaded, err := s.Load()
	require.NoError(t, err)
	require.NotNil(t, reloaded.CurrentPhase)
	assert.Equal(t, "trusted", *reloaded.CurrentPhase)
	assert.EqualValues(t, 1, reloaded.StateRev)
}

func TestMutateRejectsStaleRev(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "alice", func() time.Time { return time.Unix(0, 0) })

	_, err := s.Mutate(0, func(ps *gate.PhaseState) error { ps.StateRev = 1; return nil }, nil)
	require.NoError(t, err)

	_, err = s.Mutate(0, func(ps *gate.PhaseState) error { ps.StateRev = 2; return nil }, nil)
	assert.Equal(t, ErrStaleRev, err)
}

func TestMutateAppendsAuditUnderSameLock(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "alice", func() time.Time { return time.Unix(0, 0) })

	audited := false
	_, err := s.Mutate(0, func(ps *gate.PhaseState) error { ps.StateRev = 1; return nil }, func(ps *gate.PhaseState) error {
		audited = true
		assert.EqualValues(t, 1, ps.StateRev, "audit hook saw stale state")
		return nil
	})
	require.NoError(t, err)
	assert.True(t, audited, "expected audit hook to run")
}

func TestConcurrentMutateSecondCallerWouldBlock(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "alice.state.lock")
	require.NoError(t, os.WriteFile(lockPath, []byte("held"), 0o644))
	s := New(dir, "alice", func() time.Time { return time.Unix(0, 0) })
	_, err := s.Mutate(0, func(ps *gate.PhaseState) error { return nil }, nil)
	assert.Equal(t, ErrWouldBlock, err)
}

func TestStaleLockIsReclaimed(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "alice.state.lock")
	require.NoError(t, os.WriteFile(lockPath, []byte("held"), 0o644))
	old := time.Now().Add(-2 * staleLockTimeout)
	require.NoError(t, os.Chtimes(lockPath, old, old))
	s := New(dir, "alice", func() time.Time { return time.Now() })
	_, err := s.Mutate(0, func(ps *gate.PhaseState) error { ps.StateRev = 1; return nil }, nil)
	assert.NoError(t, err, "expected stale lock to be reclaimed")
}

func TestRetrierBacksOffAndGivesUp(t *testing.T) {
	r := NewRetrier(1*time.Millisecond, 10*time.Millisecond)
	attempts := 0
	err := r.Do(context.Background(), 3, func() error {
		attempts++
		return ErrWouldBlock
	})
	assert.Equal(t, ErrWouldBlock, err, "expected ErrWouldBlock after exhausting attempts")
	assert.Equal(t, 3, attempts)
}

func TestLoadWorkspaceDefaultsMissingIsNotError(t *testing.T) {
	a, err := LoadWorkspaceDefaults(filepath.Join(t.TempDir(), "defaults.json"), nil)
	assert.NoError(t, err)
	assert.Nil(t, a)
}

func TestLoadWorkspaceDefaultsUnparsableSoftFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "defaults.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))
	a, err := LoadWorkspaceDefaults(path, nil)
	assert.NoError(t, err, "expected soft-fail (nil, nil)")
	assert.Nil(t, a)
}

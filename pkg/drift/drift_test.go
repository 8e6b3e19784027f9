package drift

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(sec int64) func() time.Time {
	t := time.Unix(sec, 0)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func strptr(s string) *string { return &s }

func TestAppendChainsToGenesis(t *testing.T) {
	dir := t.TempDir()
	l := New(filepath.Join(dir, "alice.drift.jsonl"), fixedClock(0))

	e, err := l.Append(map[string]float64{"error_rate": 0.01}, "sha256:abc", 1, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, genesisHash, e.PrevHash)
}

func TestAppendRecordsGateIDAndDirection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "alice.drift.jsonl")
	l := New(path, fixedClock(0))

	gate := "promote-to-trusted"
	dir2 := "promote"
	_, err := l.Append(map[string]float64{"error_rate": 0.01}, "sha256:abc", 2, &gate, &dir2)
	require.NoError(t, err)

	entries, err := ReadAll(path)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].GateID)
	assert.Equal(t, gate, *entries[0].GateID)
	require.NotNil(t, entries[0].Direction)
	assert.Equal(t, "promote", *entries[0].Direction)
}

func TestVerifyChainDetectsBreak(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "alice.drift.jsonl")
	l := New(path, fixedClock(0))

	for i := 0; i < 3; i++ {
		_, err := l.Append(map[string]float64{"n": float64(i)}, "sha256:x", uint64(i), nil, nil)
		require.NoError(t, err)
	}

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := splitLines(raw)
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[1], &entry))
	entry["state_rev"] = 999
	tampered, err := json.Marshal(entry)
	require.NoError(t, err)
	lines[1] = tampered
	require.NoError(t, os.WriteFile(path, joinLines(lines), 0o644))

	result, err := VerifyChain(path)
	require.NoError(t, err)
	require.False(t, result.Valid, "expected tamper detected")
	assert.Equal(t, 2, result.BreakIndex)
}

func TestReadAllOnMissingFileReturnsEmpty(t *testing.T) {
	entries, err := ReadAll(filepath.Join(t.TempDir(), "nope.drift.jsonl"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func splitLines(raw []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range raw {
		if b == '\n' {
			lines = append(lines, raw[start:i])
			start = i + 1
		}
	}
	if start < len(raw) {
		lines = append(lines, raw[start:])
	}
	return lines
}

func joinLines(lines [][]byte) []byte {
	var out []byte
	for _, l := range lines {
		out = append(out, l...)
		out = append(out, '\n')
	}
	return out
}

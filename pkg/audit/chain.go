// Package audit implements an append-only, hash-chained event log:
// every entry's prev_hash is the SHA-256 digest of the previous
// entry's canonical bytes, with the genesis sentinel for the first
// entry. Verification walks the file and reports the first break.
package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joyshmitz/ampersona/pkg/canonicalize"
)

// ChainEventType enumerates the phase-machine event kinds recorded in
// the hash-chained log.
type ChainEventType string

const (
	ChainPolicyDecision         ChainEventType = "PolicyDecision"
	ChainGateTransition         ChainEventType = "GateTransition"
	ChainElevationChange        ChainEventType = "ElevationChange"
	ChainOverride               ChainEventType = "Override"
	ChainSignatureVerify        ChainEventType = "SignatureVerify"
	ChainStateChange            ChainEventType = "StateChange"
	ChainAuthorityOverlayChange ChainEventType = "AuthorityOverlayChange"
	ChainCheckpoint             ChainEventType = "Checkpoint"
)

// genesisHash is the sentinel prev_hash of the first entry in a chain.
const genesisHash = "genesis"

// Entry is one chained record: the common header plus an arbitrary
// event-specific payload, flattened together at the top level on disk.
type Entry struct {
	PrevHash  string
	EventType ChainEventType
	TS        time.Time
	Payload   map[string]interface{}
}

func (e Entry) MarshalJSON() ([]byte, error) {
	flat := make(map[string]interface{}, len(e.Payload)+3)
	for k, v := range e.Payload {
		flat[k] = v
	}
	flat["prev_hash"] = e.PrevHash
	flat["event_type"] = string(e.EventType)
	flat["ts"] = e.TS.Format(time.RFC3339Nano)
	return json.Marshal(flat)
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	var flat map[string]interface{}
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	if v, ok := flat["prev_hash"].(string); ok {
		e.PrevHash = v
	}
	if v, ok := flat["event_type"].(string); ok {
		e.EventType = ChainEventType(v)
	}
	if v, ok := flat["ts"].(string); ok {
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return fmt.Errorf("audit: parse ts: %w", err)
		}
		e.TS = ts
	}
	delete(flat, "prev_hash")
	delete(flat, "event_type")
	delete(flat, "ts")
	e.Payload = flat
	return nil
}

// Log appends to and verifies one persona's <name>.audit.jsonl file.
type Log struct {
	path  string
	clock func() time.Time
}

// New builds a Log over path. clock defaults to time.Now when nil.
func New(path string, clock func() time.Time) *Log {
	if clock == nil {
		clock = time.Now
	}
	return &Log{path: path, clock: clock}
}

// Append writes one new entry, chaining it to the last line currently
// in the file (or the genesis sentinel if the file is empty or absent).
// Callers are expected to call Append while already holding the state
// lock (see pkg/state.Store.Mutate's audit hook) so concurrent writers
// never interleave.
func (l *Log) Append(eventType ChainEventType, payload map[string]interface{}) (*Entry, error) {
	lines, err := readRawLines(l.path)
	if err != nil {
		return nil, fmt.Errorf("audit: read existing log: %w", err)
	}

	prevHash := genesisHash
	if len(lines) > 0 {
		prevHash = "sha256:" + canonicalize.HashBytes(lines[len(lines)-1])
	}

	entry := &Entry{PrevHash: prevHash, EventType: eventType, TS: l.clock(), Payload: payload}
	canonical, err := canonicalize.JCS(entry)
	if err != nil {
		return nil, fmt.Errorf("audit: canonicalize entry: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: open log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(canonical, '\n')); err != nil {
		return nil, fmt.Errorf("audit: write entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("audit: fsync entry: %w", err)
	}
	return entry, nil
}

// VerifyResult reports the outcome of VerifyChain.
type VerifyResult struct {
	Valid      bool
	BreakIndex int // -1 when Valid
	EntryCount int
}

// VerifyChain walks the log from its first entry, recomputing each
// hash, and reports the index of the first broken link (if any).
func VerifyChain(path string) (VerifyResult, error) {
	return VerifyChainFrom(path, 0, genesisHash)
}

// VerifyChainFrom walks the log starting at startIndex, treating
// expectedPrevHash as the prev_hash that entry must carry — used to
// resume verification from a trusted checkpoint rather than the
// genesis entry.
func VerifyChainFrom(path string, startIndex int, expectedPrevHash string) (VerifyResult, error) {
	lines, err := readRawLines(path)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("audit: read log: %w", err)
	}
	if startIndex >= len(lines) {
		return VerifyResult{Valid: true, BreakIndex: -1, EntryCount: len(lines)}, nil
	}

	prevHash := expectedPrevHash
	for i := startIndex; i < len(lines); i++ {
		var hdr struct {
			PrevHash string `json:"prev_hash"`
		}
		if err := json.Unmarshal(lines[i], &hdr); err != nil {
			return VerifyResult{Valid: false, BreakIndex: i, EntryCount: len(lines)}, nil
		}
		if hdr.PrevHash != prevHash {
			return VerifyResult{Valid: false, BreakIndex: i, EntryCount: len(lines)}, nil
		}
		prevHash = "sha256:" + canonicalize.HashBytes(lines[i])
	}
	return VerifyResult{Valid: true, BreakIndex: -1, EntryCount: len(lines)}, nil
}

// ReadAll parses every well-formed entry in the log, silently dropping
// a trailing partial line (a write in progress when the reader ran).
func ReadAll(path string) ([]Entry, error) {
	lines, err := readRawLines(path)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// CountStateMutations counts GateTransition, ElevationChange, and
// Override events — a cheap cross-check against state_rev drift
// without a full chain-hash walk.
func CountStateMutations(path string) (int, error) {
	entries, err := ReadAll(path)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, e := range entries {
		switch e.EventType {
		case ChainGateTransition, ChainElevationChange, ChainOverride:
			count++
		}
	}
	return count, nil
}

// readRawLines returns each complete line of path as raw bytes,
// tolerating (and discarding) a final incomplete line with no trailing
// newline — Append always terminates a written entry with '\n', so a
// line missing one is the partial-tail case a crash mid-append leaves
// behind.
func readRawLines(path string) ([][]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	terminated := raw[len(raw)-1] == '\n'
	raw = bytes.TrimRight(raw, "\n")
	if len(raw) == 0 {
		return nil, nil
	}
	lines := bytes.Split(raw, []byte("\n"))
	if !terminated {
		lines = lines[:len(lines)-1]
	}
	return lines, nil
}

// Package drift implements a parallel hash-chained metrics ledger:
// every gate evaluation snapshots the metric values it
// used into <name>.drift.jsonl, for trend analysis only. Nothing in
// pkg/policy or pkg/gate ever reads this log back — it is a write-only
// sink from their perspective.
package drift

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joyshmitz/ampersona/pkg/canonicalize"
)

const genesisHash = "genesis"

// Entry is one drift snapshot.
type Entry struct {
	PrevHash        string
	TS              time.Time
	MetricsSnapshot map[string]float64
	MetricsHash     string
	StateRev        uint64
	GateID          *string
	Direction       *string
}

func (e Entry) MarshalJSON() ([]byte, error) {
	flat := map[string]interface{}{
		"prev_hash":        e.PrevHash,
		"ts":               e.TS.Format(time.RFC3339Nano),
		"metrics_snapshot": e.MetricsSnapshot,
		"metrics_hash":     e.MetricsHash,
		"state_rev":        e.StateRev,
	}
	if e.GateID != nil {
		flat["gate_id"] = *e.GateID
	}
	if e.Direction != nil {
		flat["direction"] = *e.Direction
	}
	return json.Marshal(flat)
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	var flat struct {
		PrevHash        string             `json:"prev_hash"`
		TS              string             `json:"ts"`
		MetricsSnapshot map[string]float64 `json:"metrics_snapshot"`
		MetricsHash     string             `json:"metrics_hash"`
		StateRev        uint64             `json:"state_rev"`
		GateID          *string            `json:"gate_id,omitempty"`
		Direction       *string            `json:"direction,omitempty"`
	}
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	ts, err := time.Parse(time.RFC3339Nano, flat.TS)
	if err != nil {
		return fmt.Errorf("drift: parse ts: %w", err)
	}
	e.PrevHash = flat.PrevHash
	e.TS = ts
	e.MetricsSnapshot = flat.MetricsSnapshot
	e.MetricsHash = flat.MetricsHash
	e.StateRev = flat.StateRev
	e.GateID = flat.GateID
	e.Direction = flat.Direction
	return nil
}

// Ledger wraps one persona's <name>.drift.jsonl file.
type Ledger struct {
	path  string
	clock func() time.Time
}

// New builds a Ledger over path. clock defaults to time.Now when nil.
func New(path string, clock func() time.Time) *Ledger {
	if clock == nil {
		clock = time.Now
	}
	return &Ledger{path: path, clock: clock}
}

// Append records a metrics snapshot, chaining it to the ledger's
// current tail. gateID and direction are nil for snapshots not tied to
// a specific gate evaluation.
func (l *Ledger) Append(snapshot map[string]float64, metricsHash string, stateRev uint64, gateID, direction *string) (*Entry, error) {
	lines, err := readRawLines(l.path)
	if err != nil {
		return nil, fmt.Errorf("drift: read existing ledger: %w", err)
	}

	prevHash := genesisHash
	if len(lines) > 0 {
		prevHash = "sha256:" + canonicalize.HashBytes(lines[len(lines)-1])
	}

	entry := &Entry{
		PrevHash:        prevHash,
		TS:              l.clock(),
		MetricsSnapshot: snapshot,
		MetricsHash:     metricsHash,
		StateRev:        stateRev,
		GateID:          gateID,
		Direction:       direction,
	}
	canonical, err := canonicalize.JCS(entry)
	if err != nil {
		return nil, fmt.Errorf("drift: canonicalize entry: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("drift: open ledger: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(canonical, '\n')); err != nil {
		return nil, fmt.Errorf("drift: write entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("drift: fsync entry: %w", err)
	}
	return entry, nil
}

// ReadAll parses every well-formed entry, dropping a trailing partial
// line the way pkg/audit does.
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

// VerifyResult reports the outcome of VerifyChain.
type VerifyResult struct {
	Valid      bool
	BreakIndex int
	EntryCount int
}

// VerifyChain walks the ledger recomputing each hash link.
func VerifyChain(path string) (VerifyResult, error) {
	lines, err := readRawLines(path)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("drift: read ledger: %w", err)
	}
	prevHash := genesisHash
	for i, line := range lines {
		var hdr struct {
			PrevHash string `json:"prev_hash"`
		}
		if err := json.Unmarshal(line, &hdr); err != nil {
			return VerifyResult{Valid: false, BreakIndex: i, EntryCount: len(lines)}, nil
		}
		if hdr.PrevHash != prevHash {
			return VerifyResult{Valid: false, BreakIndex: i, EntryCount: len(lines)}, nil
		}
		prevHash = "sha256:" + canonicalize.HashBytes(line)
	}
	return VerifyResult{Valid: true, BreakIndex: -1, EntryCount: len(lines)}, nil
}

func readRawLines(path string) ([][]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	raw = bytes.TrimRight(raw, "\n")
	if len(raw) == 0 {
		return nil, nil
	}
	return bytes.Split(raw, []byte("\n")), nil
}

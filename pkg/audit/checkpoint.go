package audit

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"

	"github.com/joyshmitz/ampersona/pkg/canonicalize"
	"github.com/joyshmitz/ampersona/pkg/signing"
)

// Checkpoint is a self-contained signed anchor into a chain: it records
// the hash of the entry at Index, and Entries records how many entries
// existed when it was taken so truncation can be detected.
// VerifyCheckpoint still walks the chain from genesis.
type Checkpoint struct {
	Index            int             `json:"index"`
	ChainHashAtIndex string          `json:"chain_hash_at_index"`
	StateRev         uint64          `json:"state_rev"`
	Entries          int             `json:"entries"`
	Signature        *signing.Block  `json:"signature"`
}

// CreateCheckpoint signs a checkpoint over the log at path as of its
// current tail and writes it to checkpointPath, overwriting any prior
// checkpoint there.
func CreateCheckpoint(logPath, checkpointPath string, stateRev uint64, signer *signing.Signer) (*Checkpoint, error) {
	lines, err := readRawLines(logPath)
	if err != nil {
		return nil, fmt.Errorf("audit: read log for checkpoint: %w", err)
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("audit: cannot checkpoint an empty log")
	}
	lastIndex := len(lines) - 1
	chainHash := "sha256:" + canonicalize.HashBytes(lines[lastIndex])

	cp := &struct {
		Index            int    `json:"index"`
		ChainHashAtIndex string `json:"chain_hash_at_index"`
		StateRev         uint64 `json:"state_rev"`
		Entries          int    `json:"entries"`
	}{Index: lastIndex, ChainHashAtIndex: chainHash, StateRev: stateRev, Entries: len(lines)}

	block, err := signing.Sign(signer, cp, nil)
	if err != nil {
		return nil, fmt.Errorf("audit: sign checkpoint: %w", err)
	}

	checkpoint := &Checkpoint{
		Index:            cp.Index,
		ChainHashAtIndex: cp.ChainHashAtIndex,
		StateRev:         cp.StateRev,
		Entries:          cp.Entries,
		Signature:        block,
	}

	raw, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("audit: marshal checkpoint: %w", err)
	}
	if err := os.WriteFile(checkpointPath, raw, 0o644); err != nil {
		return nil, fmt.Errorf("audit: write checkpoint: %w", err)
	}
	return checkpoint, nil
}

// LoadCheckpoint reads a previously written checkpoint file, if any.
func LoadCheckpoint(checkpointPath string) (*Checkpoint, error) {
	raw, err := os.ReadFile(checkpointPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("audit: parse checkpoint: %w", err)
	}
	return &cp, nil
}

// VerifyCheckpoint checks the checkpoint's own signature, then
// verifies the log's chain from genesis through the checkpointed
// index, and finally that the entry at that index still hashes to
// chain_hash_at_index and that the log has not shrunk below the
// entry count the checkpoint recorded (truncation).
func VerifyCheckpoint(logPath string, cp *Checkpoint, pub ed25519.PublicKey) (VerifyResult, error) {
	verifyDoc := struct {
		Index            int    `json:"index"`
		ChainHashAtIndex string `json:"chain_hash_at_index"`
		StateRev         uint64 `json:"state_rev"`
		Entries          int    `json:"entries"`
	}{Index: cp.Index, ChainHashAtIndex: cp.ChainHashAtIndex, StateRev: cp.StateRev, Entries: cp.Entries}
	if err := signing.Verify(verifyDoc, cp.Signature, pub); err != nil {
		return VerifyResult{}, fmt.Errorf("audit: checkpoint signature invalid: %w", err)
	}

	lines, err := readRawLines(logPath)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("audit: read log: %w", err)
	}
	if len(lines) < cp.Entries {
		return VerifyResult{Valid: false, BreakIndex: len(lines), EntryCount: len(lines)}, nil
	}
	if cp.Index >= len(lines) {
		return VerifyResult{Valid: false, BreakIndex: len(lines), EntryCount: len(lines)}, nil
	}
	if "sha256:"+canonicalize.HashBytes(lines[cp.Index]) != cp.ChainHashAtIndex {
		return VerifyResult{Valid: false, BreakIndex: cp.Index, EntryCount: len(lines)}, nil
	}

	result, err := VerifyChain(logPath)
	if err != nil {
		return VerifyResult{}, err
	}
	if !result.Valid && result.BreakIndex > cp.Index {
		return VerifyResult{Valid: true, BreakIndex: -1, EntryCount: len(lines)}, nil
	}
	return result, nil
}

// Package persona loads and saves the <name>.json persona document: a
// named Authority layer plus the Gate list it governs, with an
// optional detached signature block covering every other top-level
// field.
package persona

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joyshmitz/ampersona/pkg/authority"
	"github.com/joyshmitz/ampersona/pkg/canonicalize"
	"github.com/joyshmitz/ampersona/pkg/gate"
	"github.com/joyshmitz/ampersona/pkg/signing"
)

// Document is the on-disk shape of <name>.json.
type Document struct {
	Name      string           `json:"name"`
	Authority *authority.Authority `json:"authority"`
	Gates     []gate.Gate      `json:"gates,omitempty"`
	Signature *signing.Block   `json:"signature,omitempty"`
}

// ErrNameMismatch is returned by Load when the document's own "name"
// field disagrees with the filename it was loaded from.
var ErrNameMismatch = fmt.Errorf("persona: document name does not match its filename")

// Path returns the canonical <name>.json path under dir.
func Path(dir, name string) string {
	return filepath.Join(dir, name+".json")
}

// Load reads and parses the named persona document from dir. It does
// not verify the signature — callers that need that guarantee call
// Verify explicitly once they have the signing public key.
func Load(dir, name string) (*Document, error) {
	raw, err := os.ReadFile(Path(dir, name))
	if err != nil {
		return nil, fmt.Errorf("persona: read: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("persona: parse: %w", err)
	}
	if doc.Name != name {
		return nil, ErrNameMismatch
	}
	return &doc, nil
}

// Save writes doc to <name>.json under dir atomically: write-temp,
// fsync, rename, mirroring the Phase State Store's write protocol.
func Save(dir string, doc *Document) error {
	canonical, err := canonicalize.JCS(doc)
	if err != nil {
		return fmt.Errorf("persona: canonicalize: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("persona: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, doc.Name+".*.tmp")
	if err != nil {
		return fmt.Errorf("persona: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(canonical); err != nil {
		tmp.Close()
		return fmt.Errorf("persona: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("persona: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("persona: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, Path(dir, doc.Name)); err != nil {
		return fmt.Errorf("persona: rename: %w", err)
	}
	return nil
}

// Sign produces a signature block over every field of doc except
// "signature" and "$schema", and attaches it.
func Sign(doc *Document, signer *signing.Signer) error {
	block, err := signing.Sign(signer, doc, nil)
	if err != nil {
		return fmt.Errorf("persona: sign: %w", err)
	}
	doc.Signature = block
	return nil
}

// Verify checks doc's embedded signature block against pub. It
// returns an error (including *signing.VerificationError, for callers
// that need the sub-reason) if the document carries no signature or
// fails verification.
func Verify(doc *Document, pub ed25519.PublicKey) error {
	if doc.Signature == nil {
		return fmt.Errorf("persona: document is unsigned")
	}
	return signing.Verify(doc, doc.Signature, pub)
}

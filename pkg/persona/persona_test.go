package persona

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joyshmitz/ampersona/pkg/authority"
	"github.com/joyshmitz/ampersona/pkg/gate"
	"github.com/joyshmitz/ampersona/pkg/signing"
)

func sampleDoc(name string) *Document {
	return &Document{
		Name:      name,
		Authority: &authority.Authority{Autonomy: authority.AutonomyLevel(1)},
		Gates: []gate.Gate{
			{ID: "promote", Direction: gate.Promote, ToPhase: "trusted", Approval: authority.ApprovalAuto},
		},
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	dir := t.TempDir()
	doc := sampleDoc("alice")

	require.NoError(t, Save(dir, doc))

	loaded, err := Load(dir, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", loaded.Name)
	require.Len(t, loaded.Gates, 1)
	assert.Equal(t, "promote", loaded.Gates[0].ID)
}

func TestLoadRejectsNameMismatch(t *testing.T) {
	dir := t.TempDir()
	doc := sampleDoc("alice")
	require.NoError(t, Save(dir, doc))
	require.NoError(t, os.Rename(Path(dir, "alice"), Path(dir, "bob")))

	_, err := Load(dir, "bob")
	assert.Equal(t, ErrNameMismatch, err)
}

func TestSignAndVerifyRoundtrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	signer := signing.NewSigner(priv, "key-1", "ampersona-cli", func() time.Time { return time.Unix(1000, 0) })

	doc := sampleDoc("alice")
	require.NoError(t, Sign(doc, signer))
	require.NotNil(t, doc.Signature, "expected a signature block to be attached")

	assert.NoError(t, Verify(doc, pub), "expected verification to succeed")
}

func TestVerifyDetectsTamperAfterSigning(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	signer := signing.NewSigner(priv, "key-1", "ampersona-cli", nil)

	doc := sampleDoc("alice")
	require.NoError(t, Sign(doc, signer))

	doc.Gates[0].ToPhase = "admin"

	assert.Error(t, Verify(doc, pub), "expected tampering after signing to fail verification")
}

func TestVerifyRejectsUnsignedDocument(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	doc := sampleDoc("alice")

	assert.Error(t, Verify(doc, pub), "expected an unsigned document to fail verification")
}

func TestSaveIsAtomicViaTempAndRename(t *testing.T) {
	dir := t.TempDir()
	doc := sampleDoc("alice")
	require.NoError(t, Save(dir, doc))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, ".tmp", filepath.Ext(e.Name()), "expected no leftover temp file, found %q", e.Name())
	}
}

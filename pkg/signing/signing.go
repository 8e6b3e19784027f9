// Package signing implements detached Ed25519 signatures over a
// caller-chosen subset of a document's top-level fields, canonicalized
// with pkg/canonicalize before hashing.
package signing

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/joyshmitz/ampersona/pkg/canonicalize"
)

// canonicalizationName is the only canonicalization scheme this package
// supports; Verify rejects a block naming anything else.
const canonicalizationName = "JCS-RFC8785"

// Block is the signature block embedded in signed documents.
type Block struct {
	Algorithm        string    `json:"algorithm"`
	KeyID            string    `json:"key_id"`
	Signer           string    `json:"signer"`
	Canonicalization string    `json:"canonicalization"`
	SignedFields     []string  `json:"signed_fields"`
	CreatedAt        time.Time `json:"created_at"`
	Digest           string    `json:"digest"`
	Value            string    `json:"value"`
}

// FailureReason discriminates why Verify rejected a signature.
type FailureReason string

const (
	DigestMismatch        FailureReason = "digest_mismatch"
	WrongKey              FailureReason = "wrong_key"
	FieldSetMismatch      FailureReason = "field_set_mismatch"
	UnknownCanonicalization FailureReason = "unknown_canonicalization"
)

// VerificationError reports a failed Verify call with its sub-reason;
// verification failures are themselves auditable events, so callers
// match on Reason to build that event.
type VerificationError struct {
	Reason FailureReason
	Detail string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("signing: verification failed (%s): %s", e.Reason, e.Detail)
}

// Signer holds the Ed25519 key material and identity tags a signature
// block records.
type Signer struct {
	private ed25519.PrivateKey
	keyID   string
	signer  string
	clock   func() time.Time
}

// NewSigner builds a Signer. clock defaults to time.Now when nil.
func NewSigner(private ed25519.PrivateKey, keyID, signerTag string, clock func() time.Time) *Signer {
	if clock == nil {
		clock = time.Now
	}
	return &Signer{private: private, keyID: keyID, signer: signerTag, clock: clock}
}

// Sign produces a signature block over the named top-level fields of
// doc. If fields is nil, every top-level field of doc except "signature"
// and "$schema" is signed (the default field set).
func Sign(s *Signer, doc interface{}, fields []string) (*Block, error) {
	if fields == nil {
		var err error
		fields, err = canonicalize.TopLevelKeys(doc, "signature", "$schema")
		if err != nil {
			return nil, fmt.Errorf("signing: default signed_fields: %w", err)
		}
	}
	canonical, err := canonicalize.Fields(doc, fields)
	if err != nil {
		return nil, fmt.Errorf("signing: canonicalize signed fields: %w", err)
	}
	digestHex := canonicalize.HashBytes(canonical)
	digestBytes, err := decodeHexDigest(digestHex)
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(s.private, digestBytes)

	return &Block{
		Algorithm:        "ed25519",
		KeyID:            s.keyID,
		Signer:           s.signer,
		Canonicalization: canonicalizationName,
		SignedFields:     append([]string(nil), fields...),
		CreatedAt:        s.clock(),
		Digest:           "sha256:" + digestHex,
		Value:            base64.StdEncoding.EncodeToString(sig),
	}, nil
}

// Verify recomputes the canonicalization and digest over block's
// signed_fields and checks the Ed25519 signature under pub. signed_fields
// must cover every non-signature, non-$schema top-level field of doc;
// verification fails otherwise.
func Verify(doc interface{}, block *Block, pub ed25519.PublicKey) error {
	if block.Canonicalization != canonicalizationName {
		return &VerificationError{Reason: UnknownCanonicalization, Detail: block.Canonicalization}
	}
	if len(block.SignedFields) == 0 {
		return &VerificationError{Reason: FieldSetMismatch, Detail: "signed_fields is empty"}
	}

	required, err := canonicalize.TopLevelKeys(doc, "signature", "$schema")
	if err != nil {
		return fmt.Errorf("signing: top-level keys: %w", err)
	}
	if !sameFieldSet(required, block.SignedFields) {
		return &VerificationError{Reason: FieldSetMismatch, Detail: fmt.Sprintf("required %v, signed %v", required, block.SignedFields)}
	}

	canonical, err := canonicalize.Fields(doc, block.SignedFields)
	if err != nil {
		return fmt.Errorf("signing: canonicalize signed fields: %w", err)
	}
	digestHex := canonicalize.HashBytes(canonical)
	if "sha256:"+digestHex != block.Digest {
		return &VerificationError{Reason: DigestMismatch, Detail: block.Digest}
	}

	sig, err := base64.StdEncoding.DecodeString(block.Value)
	if err != nil {
		return &VerificationError{Reason: WrongKey, Detail: "signature is not valid base64"}
	}
	digestBytes, err := decodeHexDigest(digestHex)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, digestBytes, sig) {
		return &VerificationError{Reason: WrongKey, Detail: block.KeyID}
	}
	return nil
}

func sameFieldSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, f := range a {
		set[f] = true
	}
	for _, f := range b {
		if !set[f] {
			return false
		}
	}
	return true
}

func decodeHexDigest(hexDigest string) ([]byte, error) {
	out, err := hex.DecodeString(hexDigest)
	if err != nil {
		return nil, fmt.Errorf("signing: decode digest: %w", err)
	}
	return out, nil
}

// Marshal returns the JSON encoding of the signature block itself.
func Marshal(block *Block) ([]byte, error) {
	return json.Marshal(block)
}

// Package canonicalize produces the deterministic byte encoding that every
// hashing and signing operation in this module is built on: RFC 8785 JSON
// Canonicalization Scheme (JCS).
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/gowebpki/jcs"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// v is first marshalled with the standard encoder (so struct tags,
// omitempty, etc. are respected) with HTML escaping disabled, then handed
// to gowebpki/jcs for the RFC 8785 transform: sorted object keys, no
// insignificant whitespace, and ECMAScript-compatible shortest-round-trip
// number formatting.
func JCS(v interface{}) ([]byte, error) {
	raw, err := marshalNoEscape(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: transform: %w", err)
	}
	return out, nil
}

// Fields canonicalizes only the named top-level fields of a JSON object,
// in the order given by caller-provided fields (field order does not
// affect the output — JCS still sorts keys — but the field set determines
// what is included). Used by the signer to produce a synthetic document
// containing only signed_fields. Returns an error if v does not marshal to
// a JSON object, or if a named field is absent.
func Fields(v interface{}, fields []string) ([]byte, error) {
	raw, err := marshalNoEscape(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal: %w", err)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("canonicalize: fields: not a JSON object: %w", err)
	}
	subset := make(map[string]json.RawMessage, len(fields))
	for _, f := range fields {
		val, ok := obj[f]
		if !ok {
			return nil, fmt.Errorf("canonicalize: fields: missing field %q", f)
		}
		subset[f] = val
	}
	subsetRaw, err := json.Marshal(subset)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: fields: re-marshal: %w", err)
	}
	out, err := jcs.Transform(subsetRaw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: fields: transform: %w", err)
	}
	return out, nil
}

// TopLevelKeys returns the sorted top-level keys of a JSON object value,
// excluding any keys in exclude. Used to compute the default signed_fields
// set (every field except "signature" and "$schema").
func TopLevelKeys(v interface{}, exclude ...string) ([]string, error) {
	raw, err := marshalNoEscape(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal: %w", err)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("canonicalize: top-level-keys: not a JSON object: %w", err)
	}
	skip := make(map[string]bool, len(exclude))
	for _, e := range exclude {
		skip[e] = true
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		if !skip[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON
// representation of v.
func CanonicalHash(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// JCSString is JCS as a string.
func JCSString(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func marshalNoEscape(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

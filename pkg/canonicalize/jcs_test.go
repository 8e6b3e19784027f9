package canonicalize

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS_Sorting(t *testing.T) {
	input := map[string]interface{}{"c": 3, "a": 1, "b": 2}
	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"c":3}`, string(b))
}

func TestJCS_RecursiveSorting(t *testing.T) {
	input := map[string]interface{}{
		"z": map[string]interface{}{"y": "foo", "x": "bar"},
		"a": 1,
	}
	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"z":{"x":"bar","y":"foo"}}`, string(b))
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	input := map[string]string{"html": "<script>alert('xss')</script> &"}
	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"html":"<script>alert('xss')</script> &"}`, string(b))
}

func TestCanonicalHash_Stability(t *testing.T) {
	v1 := map[string]interface{}{"a": 1, "b": 2}

	type s struct {
		B int `json:"b"`
		A int `json:"a"`
	}
	v2 := s{A: 1, B: 2}

	h1, err := CanonicalHash(v1)
	require.NoError(t, err)
	h2, err := CanonicalHash(v2)
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "hash mismatch for semantically identical inputs")
}

func TestJCS_IsStableUnderRecanonicalization(t *testing.T) {
	type doc struct {
		B int    `json:"b"`
		A string `json:"a"`
	}
	b1, err := JCS(doc{A: "x", B: 2})
	require.NoError(t, err)

	var generic interface{}
	require.NoError(t, json.Unmarshal(b1, &generic))
	b2, err := JCS(generic)
	require.NoError(t, err)
	assert.Equal(t, string(b1), string(b2), "canonicalize(parse(canonicalize(v))) != canonicalize(v)")
}

func TestFields_SubsetOnly(t *testing.T) {
	type doc struct {
		A string `json:"a"`
		B int    `json:"b"`
		C bool   `json:"c"`
	}
	b, err := Fields(doc{A: "x", B: 1, C: true}, []string{"a", "c"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","c":true}`, string(b))
}

func TestFields_MissingFieldErrors(t *testing.T) {
	type doc struct {
		A string `json:"a"`
	}
	_, err := Fields(doc{A: "x"}, []string{"missing"})
	assert.Error(t, err, "expected error for missing field")
}

func TestTopLevelKeys_ExcludesNamed(t *testing.T) {
	type doc struct {
		Signature string `json:"signature"`
		Schema    string `json:"$schema"`
		Name      string `json:"name"`
		Autonomy  string `json:"autonomy"`
	}
	keys, err := TopLevelKeys(doc{Name: "x", Autonomy: "full"}, "signature", "$schema")
	require.NoError(t, err)
	assert.Equal(t, []string{"autonomy", "name"}, keys)
}

package main

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joyshmitz/ampersona/pkg/authority"
	"github.com/joyshmitz/ampersona/pkg/gate"
	"github.com/joyshmitz/ampersona/pkg/persona"
)

func seedPersona(t *testing.T, dir, name string) {
	t.Helper()
	doc := &persona.Document{
		Name: name,
		Authority: &authority.Authority{
			Autonomy: authority.Supervised,
			Actions: &authority.Actions{
				Allow: nil,
			},
		},
		Gates: []gate.Gate{
			{
				ID:        "promote",
				Direction: gate.Promote,
				ToPhase:   "trusted",
				Approval:  authority.ApprovalAuto,
				Criteria: gate.Criteria{
					Kind: gate.LogicAll,
					Items: []gate.Criterion{
						{Metric: "error_rate", Op: gate.Lte, Value: 0.1},
					},
				},
			},
		},
	}
	require.NoError(t, persona.Save(dir, doc), "seed persona")
}

func TestRunCheckPasses(t *testing.T) {
	dir := t.TempDir()
	seedPersona(t, dir, "alice")

	var out, errOut bytes.Buffer
	code := Run([]string{"ampersona", "check", "--persona", "alice", "--dir", dir}, &out, &errOut)
	assert.Equal(t, 0, code, "stderr=%s", errOut.String())
}

func TestRunCheckFailsOnMissingPersona(t *testing.T) {
	dir := t.TempDir()

	var out, errOut bytes.Buffer
	code := Run([]string{"ampersona", "check", "--persona", "nope", "--dir", dir}, &out, &errOut)
	assert.Equal(t, 2, code, "expected exit 2 for a missing persona document")
}

func TestRunGateEvaluateAppliesAutoGate(t *testing.T) {
	dir := t.TempDir()
	seedPersona(t, dir, "alice")

	metricsPath := dir + "/metrics.json"
	require.NoError(t, os.WriteFile(metricsPath, []byte(`{"error_rate": 0.01}`), 0o644))

	var out, errOut bytes.Buffer
	code := Run([]string{"ampersona", "gate", "--persona", "alice", "--dir", dir, "--evaluate", "promote", "--metrics", metricsPath}, &out, &errOut)
	require.Equal(t, 0, code, "expected exit 0 (applied), stderr=%s", errOut.String())
	assert.Contains(t, out.String(), "applied")
}

func TestRunGateEvaluateNoMatchWhenCriteriaFail(t *testing.T) {
	dir := t.TempDir()
	seedPersona(t, dir, "alice")

	metricsPath := dir + "/metrics.json"
	require.NoError(t, os.WriteFile(metricsPath, []byte(`{"error_rate": 0.9}`), 0o644))

	var out, errOut bytes.Buffer
	code := Run([]string{"ampersona", "gate", "--persona", "alice", "--dir", dir, "--evaluate", "promote", "--metrics", metricsPath}, &out, &errOut)
	assert.Equal(t, 1, code, "expected exit 1 (no_match)")
}

func TestRunSignThenVerifyRoundtrip(t *testing.T) {
	dir := t.TempDir()
	seedPersona(t, dir, "alice")

	var out, errOut bytes.Buffer
	code := Run([]string{"ampersona", "sign", "--persona", "alice", "--dir", dir}, &out, &errOut)
	require.Equal(t, 0, code, "sign failed: stderr=%s", errOut.String())

	out.Reset()
	errOut.Reset()
	code = Run([]string{"ampersona", "verify", "--persona", "alice", "--dir", dir}, &out, &errOut)
	assert.Equal(t, 0, code, "expected verify exit 0, stderr=%s", errOut.String())
}

func TestRunAuditVerifyOnEmptyLogPasses(t *testing.T) {
	dir := t.TempDir()
	seedPersona(t, dir, "alice")

	var out, errOut bytes.Buffer
	code := Run([]string{"ampersona", "audit", "--persona", "alice", "--dir", dir, "--verify"}, &out, &errOut)
	assert.Equal(t, 0, code, "expected an empty audit log to verify clean, stderr=%s", errOut.String())
}

func TestRunAuditCrossCheckRevMatchesAfterAppliedGate(t *testing.T) {
	dir := t.TempDir()
	seedPersona(t, dir, "alice")

	metricsPath := dir + "/metrics.json"
	require.NoError(t, os.WriteFile(metricsPath, []byte(`{"error_rate": 0.01}`), 0o644))

	var out, errOut bytes.Buffer
	code := Run([]string{"ampersona", "gate", "--persona", "alice", "--dir", dir, "--evaluate", "promote", "--metrics", metricsPath}, &out, &errOut)
	require.Equal(t, 0, code, "stderr=%s", errOut.String())

	out.Reset()
	errOut.Reset()
	code = Run([]string{"ampersona", "audit", "--persona", "alice", "--dir", dir, "--verify", "--cross-check-rev"}, &out, &errOut)
	assert.Equal(t, 0, code, "expected state_rev to match the audit chain's mutation count, stderr=%s", errOut.String())
}

func TestRunAuditCrossCheckRevDetectsMismatch(t *testing.T) {
	dir := t.TempDir()
	seedPersona(t, dir, "alice")
	require.NoError(t, os.WriteFile(dir+"/alice.state.json", []byte(`{"name":"alice","state_rev":7}`), 0o644))

	var out, errOut bytes.Buffer
	code := Run([]string{"ampersona", "audit", "--persona", "alice", "--dir", dir, "--verify", "--cross-check-rev"}, &out, &errOut)
	assert.Equal(t, 6, code, "expected exit 6 for a state_rev/audit-chain mismatch, stderr=%s", errOut.String())
}

func TestRunGateEvaluateAuditsOverlayChange(t *testing.T) {
	dir := t.TempDir()
	full := authority.Full
	doc := &persona.Document{
		Name: "alice",
		Authority: &authority.Authority{
			Autonomy: authority.Supervised,
		},
		Gates: []gate.Gate{
			{
				ID:        "promote",
				Direction: gate.Promote,
				ToPhase:   "trusted",
				Approval:  authority.ApprovalAuto,
				Criteria: gate.Criteria{
					Kind:  gate.LogicAll,
					Items: []gate.Criterion{{Metric: "error_rate", Op: gate.Lte, Value: 0.1}},
				},
				OnPass: &gate.OnPass{AuthorityOverlay: &authority.Overlay{Autonomy: &full}},
			},
		},
	}
	require.NoError(t, persona.Save(dir, doc), "seed persona")

	metricsPath := dir + "/metrics.json"
	require.NoError(t, os.WriteFile(metricsPath, []byte(`{"error_rate": 0.01}`), 0o644))

	var out, errOut bytes.Buffer
	code := Run([]string{"ampersona", "gate", "--persona", "alice", "--dir", dir, "--evaluate", "promote", "--metrics", metricsPath}, &out, &errOut)
	require.Equal(t, 0, code, "expected exit 0 (applied), stderr=%s", errOut.String())

	raw, err := os.ReadFile(dir + "/alice.audit.jsonl")
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"event_type":"GateTransition"`)
	assert.Contains(t, string(raw), `"event_type":"AuthorityOverlayChange"`)
}

func TestRunGateEvaluateAuditsExpiredElevation(t *testing.T) {
	dir := t.TempDir()
	seedPersona(t, dir, "alice")

	stateJSON := `{"name":"alice","state_rev":0,"active_elevations":[` +
		`{"elevation_id":"e1","granted_at":"2020-01-01T00:00:00Z","expires_at":"2020-01-01T00:00:01Z","reason":"r","granted_by":"bob"}` +
		`],"updated_at":"2020-01-01T00:00:00Z"}`
	require.NoError(t, os.WriteFile(dir+"/alice.state.json", []byte(stateJSON), 0o644))

	metricsPath := dir + "/metrics.json"
	require.NoError(t, os.WriteFile(metricsPath, []byte(`{"error_rate": 0.9}`), 0o644))

	var out, errOut bytes.Buffer
	code := Run([]string{"ampersona", "gate", "--persona", "alice", "--dir", dir, "--evaluate", "promote", "--metrics", metricsPath}, &out, &errOut)
	require.Equal(t, 1, code, "expected exit 1 (no_match), stderr=%s", errOut.String())

	raw, err := os.ReadFile(dir + "/alice.audit.jsonl")
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"event_type":"ElevationChange"`)
	assert.Contains(t, string(raw), `"kind":"expired"`)
}

func TestRunAuditCheckpointAppendsAuditEntry(t *testing.T) {
	dir := t.TempDir()
	seedPersona(t, dir, "alice")

	metricsPath := dir + "/metrics.json"
	require.NoError(t, os.WriteFile(metricsPath, []byte(`{"error_rate": 0.01}`), 0o644))

	var out, errOut bytes.Buffer
	code := Run([]string{"ampersona", "gate", "--persona", "alice", "--dir", dir, "--evaluate", "promote", "--metrics", metricsPath}, &out, &errOut)
	require.Equal(t, 0, code, "stderr=%s", errOut.String())

	out.Reset()
	errOut.Reset()
	code = Run([]string{"ampersona", "audit", "--persona", "alice", "--dir", dir, "--checkpoint"}, &out, &errOut)
	require.Equal(t, 0, code, "checkpoint failed: stderr=%s", errOut.String())

	raw, err := os.ReadFile(dir + "/alice.audit.jsonl")
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"event_type":"Checkpoint"`)

	out.Reset()
	errOut.Reset()
	code = Run([]string{"ampersona", "audit", "--persona", "alice", "--dir", dir, "--verify"}, &out, &errOut)
	assert.Equal(t, 0, code, "expected the checkpoint's own audit entry not to break the chain, stderr=%s", errOut.String())
}

func TestRunVerifyAuditsSignatureCheck(t *testing.T) {
	dir := t.TempDir()
	seedPersona(t, dir, "alice")

	var out, errOut bytes.Buffer
	require.Equal(t, 0, Run([]string{"ampersona", "sign", "--persona", "alice", "--dir", dir}, &out, &errOut))

	out.Reset()
	errOut.Reset()
	code := Run([]string{"ampersona", "verify", "--persona", "alice", "--dir", dir}, &out, &errOut)
	require.Equal(t, 0, code, "stderr=%s", errOut.String())

	raw, err := os.ReadFile(dir + "/alice.audit.jsonl")
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"event_type":"SignatureVerify"`)
	assert.Contains(t, string(raw), `"valid":true`)
}

func TestRunUnknownCommandReturnsUsageError(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"ampersona", "bogus"}, &out, &errOut)
	assert.Equal(t, 2, code, "expected exit 2 for an unknown command")
}

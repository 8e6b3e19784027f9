package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/joyshmitz/ampersona/pkg/audit"
	"github.com/joyshmitz/ampersona/pkg/authority"
	"github.com/joyshmitz/ampersona/pkg/elevation"
	"github.com/joyshmitz/ampersona/pkg/gate"
	"github.com/joyshmitz/ampersona/pkg/metrics"
	"github.com/joyshmitz/ampersona/pkg/override"
	"github.com/joyshmitz/ampersona/pkg/persona"
)

// runGateCmd implements `ampersona gate --evaluate <gate>` and
// `ampersona gate --override`.
func runGateCmd(cfg *cliConfig, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("gate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		name          string
		dir           string
		evaluate      string
		doOverride    bool
		overrideGate  string
		approver      string
		approverLevel string
		reason        string
		metricsFile   string
		jsonOutput    bool
	)
	cmd.StringVar(&name, "persona", "", "Persona name (REQUIRED)")
	cmd.StringVar(&dir, "dir", cfg.workspaceRoot, "Workspace directory")
	cmd.StringVar(&evaluate, "evaluate", "", "Run one evaluation tick, stopping at the named gate's candidacy")
	cmd.BoolVar(&doOverride, "override", false, "Process a manual override instead of evaluating")
	cmd.StringVar(&overrideGate, "gate", "", "Gate id to override (with --override)")
	cmd.StringVar(&approver, "approver", "", "Approver identity (with --override)")
	cmd.StringVar(&approverLevel, "approver-level", "", "auto|human|quorum delegation level (with --override)")
	cmd.StringVar(&reason, "reason", "", "Override reason (with --override)")
	cmd.StringVar(&metricsFile, "metrics", "", "Path to a JSON object of metric name -> value")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if name == "" {
		fmt.Fprintln(stderr, "Error: --persona is required")
		return 2
	}

	doc, err := persona.Load(dir, name)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	ws := newWorkspace(cfg, dir, name)

	provider := metrics.NewStatic(nil)
	if metricsFile != "" {
		values, err := loadMetricsFile(metricsFile)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		provider.SetAll(values)
	}

	if doOverride {
		return runGateOverride(ws, doc, overrideGate, approver, approverLevel, reason, provider, jsonOutput, stdout, stderr)
	}
	return runGateEvaluate(ws, doc, evaluate, provider, jsonOutput, stdout, stderr)
}

// elevationDefs extracts a persona's elevation definitions, tolerating
// a nil Authority block.
func elevationDefs(doc *persona.Document) []authority.Elevation {
	if doc.Authority == nil {
		return nil
	}
	return doc.Authority.Elevations
}

func loadMetricsFile(path string) (map[string]float64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read metrics file: %w", err)
	}
	var values map[string]float64
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("parse metrics file: %w", err)
	}
	return values, nil
}

func runGateEvaluate(ws *workspace, doc *persona.Document, gateID string, provider metrics.Provider, jsonOutput bool, stdout, stderr io.Writer) int {
	gates := doc.Gates
	if gateID != "" {
		gates = filterGate(gates, gateID)
	}

	st, err := ws.store().Load()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	expectedRev := st.StateRev

	evaluator := gate.New(nil)
	elevManager := elevation.New(elevationDefs(doc), ws.clock)
	var result gate.TickResult
	var swept []elevation.Change

	_, err = ws.mutateWithRetry(context.Background(), expectedRev, func(state *gate.PhaseState) error {
		swept = elevManager.SweepExpired(state)
		var tickErr error
		result, tickErr = evaluator.EvaluateTick(context.Background(), gates, state, provider)
		return tickErr
	}, func(state *gate.PhaseState) error {
		if err := appendElevationAudit(ws, swept); err != nil {
			return err
		}
		return appendGateAudit(ws, state, result)
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else {
		fmt.Fprintf(stdout, "gate evaluate: %s (gate=%s)\n", result.Outcome, result.GateID)
	}

	switch result.Outcome {
	case gate.Applied:
		return 0
	case gate.NoMatch:
		return 1
	case gate.PendingHuman:
		return 2
	case gate.ObservedOnly:
		return 4
	default:
		return 1
	}
}

func appendGateAudit(ws *workspace, state *gate.PhaseState, result gate.TickResult) error {
	if result.MetricsSnapshot != nil {
		direction := ""
		if _, err := ws.driftLedger().Append(result.MetricsSnapshot, result.MetricsHash, state.StateRev, strPtrOrNil(result.GateID), strPtrOrNil(direction)); err != nil {
			return err
		}
	}
	switch result.Outcome {
	case gate.Applied:
		if _, err := ws.auditLog().Append(audit.ChainGateTransition, map[string]interface{}{
			"gate_id":      result.GateID,
			"metrics_hash": result.MetricsHash,
			"state_rev":    state.StateRev,
		}); err != nil {
			return err
		}
		return appendOverlayAudit(ws, result.GateID, result.Transition, state.StateRev)
	case gate.PendingHuman:
		_, err := ws.auditLog().Append(audit.ChainPolicyDecision, map[string]interface{}{
			"gate_id": result.GateID,
			"outcome": string(result.Outcome),
		})
		return err
	}
	return nil
}

// appendOverlayAudit records a ChainAuthorityOverlayChange entry when
// transition swapped in a gate's authority overlay — always a second
// entry alongside the transition's own ChainGateTransition, never a
// replacement for it.
func appendOverlayAudit(ws *workspace, gateID string, transition *gate.TransitionRecord, stateRev uint64) error {
	if transition == nil || !transition.OverlayApplied {
		return nil
	}
	_, err := ws.auditLog().Append(audit.ChainAuthorityOverlayChange, map[string]interface{}{
		"gate_id":   gateID,
		"state_rev": stateRev,
	})
	return err
}

// appendElevationAudit records one ChainElevationChange entry per
// elevation grant swept for TTL expiry this call.
func appendElevationAudit(ws *workspace, changes []elevation.Change) error {
	for _, c := range changes {
		if _, err := ws.auditLog().Append(audit.ChainElevationChange, map[string]interface{}{
			"elevation_id": c.ElevationID,
			"kind":         string(c.Kind),
			"reason":       c.Reason,
			"granted_by":   c.GrantedBy,
		}); err != nil {
			return err
		}
	}
	return nil
}

func filterGate(gates []gate.Gate, id string) []gate.Gate {
	for _, g := range gates {
		if g.ID == id {
			return []gate.Gate{g}
		}
	}
	return nil
}

func strPtrOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func runGateOverride(ws *workspace, doc *persona.Document, gateID, approver, approverLevel, reason string, provider *metrics.Static, jsonOutput bool, stdout, stderr io.Writer) int {
	gates := doc.Gates
	if gateID == "" || approver == "" || approverLevel == "" || reason == "" {
		fmt.Fprintln(stderr, "Error: --gate, --approver, --approver-level, and --reason are all required with --override")
		return 2
	}

	var target gate.Gate
	found := false
	for _, g := range gates {
		if g.ID == gateID {
			target = g
			found = true
			break
		}
	}
	if !found {
		fmt.Fprintf(stderr, "Error: unknown gate %q\n", gateID)
		return 2
	}

	level, ok := parseApprovalLevel(approverLevel)
	if !ok {
		fmt.Fprintf(stderr, "Error: --approver-level must be auto, human, or quorum\n")
		return 2
	}

	st, err := ws.store().Load()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	expectedRev := st.StateRev

	evaluator := gate.New(nil)
	_, _, criteriaPass := evaluator.EvaluateCriteria(context.Background(), target, provider)
	snapshot := provider.Snapshot()

	elevManager := elevation.New(elevationDefs(doc), ws.clock)
	processor := override.New(nil)
	var record *gate.TransitionRecord
	var swept []elevation.Change

	_, err = ws.mutateWithRetry(context.Background(), expectedRev, func(state *gate.PhaseState) error {
		swept = elevManager.SweepExpired(state)
		var procErr error
		record, procErr = processor.Process(override.Request{
			GateID:             gateID,
			ApproverDelegation: level,
			Reason:             reason,
			Approver:           approver,
		}, target, state, criteriaPass, snapshot)
		return procErr
	}, func(state *gate.PhaseState) error {
		if err := appendElevationAudit(ws, swept); err != nil {
			return err
		}
		if _, err := ws.auditLog().Append(audit.ChainOverride, map[string]interface{}{
			"gate_id":   gateID,
			"approver":  approver,
			"reason":    reason,
			"state_rev": state.StateRev,
		}); err != nil {
			return err
		}
		return appendOverlayAudit(ws, gateID, record, state.StateRev)
	})
	if err != nil {
		if jsonOutput {
			data, _ := json.MarshalIndent(map[string]any{"applied": false, "error": err.Error()}, "", "  ")
			fmt.Fprintln(stdout, string(data))
		} else {
			fmt.Fprintf(stderr, "override: precondition failed: %v\n", err)
		}
		return 1
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(record, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else {
		fmt.Fprintf(stdout, "override applied: %s -> %s\n", gateID, record.ToPhase)
	}
	return 0
}

func parseApprovalLevel(s string) (authority.GateApproval, bool) {
	switch s {
	case "auto":
		return authority.ApprovalAuto, true
	case "human":
		return authority.ApprovalHuman, true
	case "quorum":
		return authority.ApprovalQuorum, true
	default:
		return "", false
	}
}

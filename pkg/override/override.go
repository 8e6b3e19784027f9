// Package override implements the emergency gate-bypass path: an
// operator with sufficient delegation can force a transition across a
// gate whose criteria are not currently passing.
package override

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/joyshmitz/ampersona/pkg/authority"
	"github.com/joyshmitz/ampersona/pkg/canonicalize"
	"github.com/joyshmitz/ampersona/pkg/gate"
)

// approvalRank orders GateApproval tiers for the delegation-level
// comparison §4.K requires: an approver's own delegation tier must
// rank at or above the gate's configured approval requirement.
var approvalRank = map[authority.GateApproval]int{
	authority.ApprovalAuto:   0,
	authority.ApprovalHuman:  1,
	authority.ApprovalQuorum: 2,
}

// ErrCriteriaAlreadyPass is returned when the named gate's criteria
// currently pass — there is nothing to override.
var ErrCriteriaAlreadyPass = fmt.Errorf("override: gate criteria already pass, no override needed")

// ErrInsufficientDelegation is returned when the approver's delegation
// tier does not rank at or above the gate's approval requirement.
var ErrInsufficientDelegation = fmt.Errorf("override: approver delegation level is below the gate's approval requirement")

// ErrPhaseMismatch is returned when the gate's from_phase does not
// match the persona's current phase.
var ErrPhaseMismatch = fmt.Errorf("override: gate's from_phase does not match current phase")

// ErrMissingReasonOrApprover is returned when either is blank.
var ErrMissingReasonOrApprover = fmt.Errorf("override: reason and approver are both required")

// Request describes an override attempt.
type Request struct {
	GateID            string
	ApproverDelegation authority.GateApproval
	Reason            string
	Approver          string
}

// Processor applies overrides against a persona's phase state, on an
// injected clock so tests can control the recorded timestamp.
type Processor struct {
	Clock func() time.Time
}

// New builds a Processor. clock defaults to time.Now when nil.
func New(clock func() time.Time) *Processor {
	if clock == nil {
		clock = time.Now
	}
	return &Processor{Clock: clock}
}

// Process validates and applies req against the named gate. criteriaPass
// reports whether the gate's criteria currently evaluate true — an
// override is only meaningful when they do not. snapshot is the metrics
// snapshot captured at override time, used to compute metrics_hash the
// same way the Gate Evaluator does, so the resulting transition record
// is indistinguishable in shape from a normally-applied one except for
// IsOverride.
func (p *Processor) Process(req Request, g gate.Gate, state *gate.PhaseState, criteriaPass bool, snapshot map[string]float64) (*gate.TransitionRecord, error) {
	if req.Reason == "" || req.Approver == "" {
		return nil, ErrMissingReasonOrApprover
	}
	if !g.MatchesPhase(state.CurrentPhase) {
		return nil, ErrPhaseMismatch
	}
	if criteriaPass {
		return nil, ErrCriteriaAlreadyPass
	}
	required := approvalRank[g.Approval]
	if g.Approval == "" {
		required = approvalRank[authority.ApprovalAuto]
	}
	have, known := approvalRank[req.ApproverDelegation]
	if !known || have < required {
		return nil, ErrInsufficientDelegation
	}

	metricsHash, err := canonicalize.CanonicalHash(snapshot)
	if err != nil {
		return nil, fmt.Errorf("override: hash metrics snapshot: %w", err)
	}

	now := p.Clock()
	record := &gate.TransitionRecord{
		GateID:      g.ID,
		FromPhase:   g.FromPhase,
		ToPhase:     g.ToPhase,
		At:          now,
		DecisionID:  uuid.NewString(),
		MetricsHash: metricsHash,
		StateRev:    state.StateRev + 1,
		IsOverride:  true,
	}
	state.CurrentPhase = &g.ToPhase
	state.LastTransition = record
	state.StateRev++
	if g.OnPass != nil && g.OnPass.AuthorityOverlay != nil {
		state.ActiveOverlay = g.OnPass.AuthorityOverlay
		record.OverlayApplied = true
	}
	state.UpdatedAt = now
	return record, nil
}

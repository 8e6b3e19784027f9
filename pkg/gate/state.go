package gate

import (
	"time"

	"github.com/joyshmitz/ampersona/pkg/authority"
)

// TransitionRecord is one accepted (or overridden) phase transition.
type TransitionRecord struct {
	GateID         string    `json:"gate_id"`
	FromPhase      *string   `json:"from_phase"`
	ToPhase        string    `json:"to_phase"`
	At             time.Time `json:"at"`
	DecisionID     string    `json:"decision_id"`
	MetricsHash    string    `json:"metrics_hash"`
	StateRev       uint64    `json:"state_rev"`
	IsOverride     bool      `json:"is_override,omitempty"`
	OverlayApplied bool      `json:"overlay_applied,omitempty"`
}

// PendingTransition is a gate decision awaiting human or quorum
// approval. The (GateID, MetricsHash, StateRev) triple is its identity:
// re-evaluation that reproduces the same triple is idempotent, and an
// approval presented against a different triple is rejected.
type PendingTransition struct {
	GateID      string     `json:"gate_id"`
	FromPhase   *string    `json:"from_phase"`
	ToPhase     string     `json:"to_phase"`
	MetricsHash string     `json:"metrics_hash"`
	StateRev    uint64     `json:"state_rev"`
	CreatedAt   time.Time  `json:"created_at"`
	Approvals   []string   `json:"approvals,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// Matches reports whether a candidate decision triple identifies the
// same pending transition this one represents.
func (p *PendingTransition) Matches(gateID, metricsHash string, stateRev uint64) bool {
	return p != nil && p.GateID == gateID && p.MetricsHash == metricsHash && p.StateRev == stateRev
}

func (p *PendingTransition) expired(now time.Time) bool {
	return p != nil && p.ExpiresAt != nil && now.After(*p.ExpiresAt)
}

func (p *PendingTransition) hasApprover(approver string) bool {
	if p == nil {
		return false
	}
	for _, a := range p.Approvals {
		if a == approver {
			return true
		}
	}
	return false
}

// PhaseState is the persisted, per-persona phase machine state the Gate
// Evaluator reads and mutates; the State Store (pkg/state) owns its
// locking and atomic-write lifecycle.
type PhaseState struct {
	Name              string                        `json:"name"`
	CurrentPhase      *string                        `json:"current_phase"`
	StateRev          uint64                        `json:"state_rev"`
	ActiveElevations  []authority.ActiveElevation    `json:"active_elevations,omitempty"`
	LastTransition    *TransitionRecord              `json:"last_transition,omitempty"`
	PendingTransition *PendingTransition             `json:"pending_transition,omitempty"`
	ActiveOverlay     *authority.Overlay             `json:"active_overlay,omitempty"`
	UpdatedAt         time.Time                      `json:"updated_at"`
}

// cooldownBlocks reports whether gate g is still within its cooldown
// window, measured against the single most recent transition recorded
// in state. Only the gate that fired that transition is cooldown-bound;
// PhaseState remembers one last_transition, not per-gate history.
func (s *PhaseState) cooldownBlocks(g Gate, now time.Time) bool {
	if s.LastTransition == nil || s.LastTransition.GateID != g.ID {
		return false
	}
	return now.Before(s.LastTransition.At.Add(time.Duration(g.CooldownSeconds) * time.Second))
}

package gate

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/joyshmitz/ampersona/pkg/authority"
	"github.com/joyshmitz/ampersona/pkg/canonicalize"
	"github.com/joyshmitz/ampersona/pkg/metrics"
)

// TickOutcome is the result kind of one EvaluateTick call.
type TickOutcome string

const (
	Applied      TickOutcome = "applied"
	NoMatch      TickOutcome = "no_match"
	PendingHuman TickOutcome = "pending_human"
	ObservedOnly TickOutcome = "observed"
)

// TickResult reports what EvaluateTick decided and, for outcomes that
// mutate state, the transition it applied or queued.
type TickResult struct {
	Outcome         TickOutcome
	GateID          string
	Transition      *TransitionRecord
	Pending         *PendingTransition
	CriteriaResults []CriterionResult
	MetricsSnapshot map[string]float64
	MetricsHash     string
}

// Evaluator runs gate-evaluation ticks against an injected clock, never
// calling time.Now directly so tests can drive cooldown and TTL behavior
// deterministically.
type Evaluator struct {
	Clock func() time.Time
}

// New builds an Evaluator. clock defaults to time.Now when nil.
func New(clock func() time.Time) *Evaluator {
	if clock == nil {
		clock = time.Now
	}
	return &Evaluator{Clock: clock}
}

// EvaluateTick runs one evaluation tick: select the best passing
// candidate gate and apply, queue, or record its decision. At most one
// transition is ever applied per call. Elevation-grant expiry is the
// caller's responsibility (see pkg/elevation.Manager.SweepExpired) so
// that expiry produces an auditable event instead of a silent prune.
func (e *Evaluator) EvaluateTick(ctx context.Context, gates []Gate, state *PhaseState, provider metrics.Provider) (TickResult, error) {
	now := e.Clock()

	candidates := e.selectCandidates(gates, state, now)

	for _, g := range candidates {
		results, snapshot, pass := e.evaluateCriteria(ctx, g, provider)
		if !pass {
			continue
		}

		metricsHash, err := hashSnapshot(snapshot)
		if err != nil {
			return TickResult{}, fmt.Errorf("gate: hash metrics snapshot: %w", err)
		}

		if g.Enforcement == Observe {
			return TickResult{
				Outcome:         ObservedOnly,
				GateID:          g.ID,
				CriteriaResults: results,
				MetricsSnapshot: snapshot,
				MetricsHash:     metricsHash,
			}, nil
		}

		switch g.Approval {
		case authority.ApprovalAuto, "":
			transition := e.applyTransition(state, g, metricsHash, now)
			return TickResult{
				Outcome:         Applied,
				GateID:          g.ID,
				Transition:      transition,
				CriteriaResults: results,
				MetricsSnapshot: snapshot,
				MetricsHash:     metricsHash,
			}, nil

		case authority.ApprovalHuman, authority.ApprovalQuorum:
			if state.PendingTransition.Matches(g.ID, metricsHash, state.StateRev) {
				return TickResult{
					Outcome:         PendingHuman,
					GateID:          g.ID,
					Pending:         state.PendingTransition,
					CriteriaResults: results,
					MetricsSnapshot: snapshot,
					MetricsHash:     metricsHash,
				}, nil
			}
			pending := &PendingTransition{
				GateID:      g.ID,
				FromPhase:   g.FromPhase,
				ToPhase:     g.ToPhase,
				MetricsHash: metricsHash,
				StateRev:    state.StateRev,
				CreatedAt:   now,
			}
			state.PendingTransition = pending
			return TickResult{
				Outcome:         PendingHuman,
				GateID:          g.ID,
				Pending:         pending,
				CriteriaResults: results,
				MetricsSnapshot: snapshot,
				MetricsHash:     metricsHash,
			}, nil
		}
	}

	return TickResult{Outcome: NoMatch}, nil
}

// ApproveHuman finalizes a pending human-approval transition iff the
// decision triple matches. Duplicate calls with the same triple are
// idempotent (the transition is applied once).
func (e *Evaluator) ApproveHuman(state *PhaseState, gates []Gate, gateID, metricsHash string, stateRev uint64) (*TransitionRecord, error) {
	if !state.PendingTransition.Matches(gateID, metricsHash, stateRev) {
		return nil, fmt.Errorf("gate: pending transition does not match (gate_id, metrics_hash, state_rev)")
	}
	g, ok := findGate(gates, gateID)
	if !ok {
		return nil, fmt.Errorf("gate: unknown gate %q", gateID)
	}
	now := e.Clock()
	record := e.applyTransition(state, g, metricsHash, now)
	state.PendingTransition = nil
	return record, nil
}

// ApproveQuorum records one approver's vote for the pending quorum
// transition. Duplicate approvers are absorbed. When the vote count
// reaches the gate's QuorumSize the transition is applied and the
// record returned; otherwise it returns nil, nil and the vote is simply
// recorded.
func (e *Evaluator) ApproveQuorum(state *PhaseState, gates []Gate, gateID, metricsHash string, stateRev uint64, approver string) (*TransitionRecord, error) {
	if !state.PendingTransition.Matches(gateID, metricsHash, stateRev) {
		return nil, fmt.Errorf("gate: pending transition does not match (gate_id, metrics_hash, state_rev)")
	}
	now := e.Clock()
	if state.PendingTransition.expired(now) {
		state.PendingTransition = nil
		return nil, fmt.Errorf("gate: pending quorum transition expired")
	}
	g, ok := findGate(gates, gateID)
	if !ok {
		return nil, fmt.Errorf("gate: unknown gate %q", gateID)
	}
	if !state.PendingTransition.hasApprover(approver) {
		state.PendingTransition.Approvals = append(state.PendingTransition.Approvals, approver)
	}
	required := uint32(1)
	if g.QuorumSize != nil {
		required = *g.QuorumSize
	}
	if uint32(len(state.PendingTransition.Approvals)) < required {
		return nil, nil
	}
	record := e.applyTransition(state, g, metricsHash, now)
	state.PendingTransition = nil
	return record, nil
}

func (e *Evaluator) applyTransition(state *PhaseState, g Gate, metricsHash string, now time.Time) *TransitionRecord {
	record := &TransitionRecord{
		GateID:      g.ID,
		FromPhase:   g.FromPhase,
		ToPhase:     g.ToPhase,
		At:          now,
		DecisionID:  uuid.NewString(),
		MetricsHash: metricsHash,
		StateRev:    state.StateRev + 1,
	}
	state.CurrentPhase = &g.ToPhase
	state.LastTransition = record
	state.StateRev++
	if g.OnPass != nil && g.OnPass.AuthorityOverlay != nil {
		state.ActiveOverlay = g.OnPass.AuthorityOverlay
		record.OverlayApplied = true
	}
	state.UpdatedAt = now
	return record
}

func (e *Evaluator) selectCandidates(gates []Gate, state *PhaseState, now time.Time) []Gate {
	var out []Gate
	for _, g := range gates {
		if !g.MatchesPhase(state.CurrentPhase) {
			continue
		}
		if state.cooldownBlocks(g, now) {
			continue
		}
		out = append(out, g)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Direction != out[j].Direction {
			return out[i].Direction == Demote
		}
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// EvaluateCriteria runs g's pass/fail criteria against provider without
// touching any state, for callers (the override processor's CLI
// surface) that need to know whether a gate's criteria already pass
// before deciding whether an override is even applicable.
func (e *Evaluator) EvaluateCriteria(ctx context.Context, g Gate, provider metrics.Provider) ([]CriterionResult, map[string]float64, bool) {
	return e.evaluateCriteria(ctx, g, provider)
}

func (e *Evaluator) evaluateCriteria(ctx context.Context, g Gate, provider metrics.Provider) ([]CriterionResult, map[string]float64, bool) {
	results := make([]CriterionResult, 0, len(g.Criteria.Items))
	snapshot := make(map[string]float64, len(g.Criteria.Items))

	var pass bool
	switch g.Criteria.Kind {
	case LogicAny:
		pass = false
	default:
		pass = true
	}

	for _, crit := range g.Criteria.Items {
		sample, err := provider.Get(ctx, metrics.Query{Name: crit.Metric, Window: withDuration(crit.WindowSeconds)})
		res := CriterionResult{Metric: crit.Metric, Op: crit.Op, Value: crit.Value}
		var ok bool
		switch {
		case err != nil:
			res.Err = err.Error()
			ok = false
		case math.IsNaN(sample.Value) || math.IsNaN(crit.Value):
			res.Actual = sample.Value
			typeErr := &metrics.TypeMismatchError{Name: crit.Metric}
			res.Err = typeErr.Error()
			ok = false
		default:
			res.Actual = sample.Value
			snapshot[crit.Metric] = sample.Value
			ok = crit.Op.apply(sample.Value, crit.Value)
		}
		res.Pass = ok
		results = append(results, res)

		switch g.Criteria.Kind {
		case LogicAny:
			if ok {
				pass = true
			}
		default:
			if !ok {
				pass = false
			}
		}
	}

	return results, snapshot, pass
}

func findGate(gates []Gate, id string) (Gate, bool) {
	for _, g := range gates {
		if g.ID == id {
			return g, true
		}
	}
	return Gate{}, false
}

// hashSnapshot computes sha256(canonical(sorted name→value map)), the
// metrics_hash recorded alongside every gate decision.
func hashSnapshot(snapshot map[string]float64) (string, error) {
	return canonicalize.CanonicalHash(snapshot)
}

package gate

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joyshmitz/ampersona/pkg/authority"
	"github.com/joyshmitz/ampersona/pkg/metrics"
)

func phase(p string) *string { return &p }

func newState(current *string) *PhaseState {
	return &PhaseState{Name: "test", CurrentPhase: current, StateRev: 0}
}

func TestAutoApprovalAppliesTransition(t *testing.T) {
	gates := []Gate{{
		ID: "trusted", Direction: Promote, Enforcement: Enforce,
		FromPhase: nil, ToPhase: "trusted",
		Criteria: Criteria{Kind: LogicAll, Items: []Criterion{{Metric: "tasks_completed", Op: Gte, Value: 10}}},
		Approval: authority.ApprovalAuto,
	}}
	state := newState(nil)
	provider := metrics.NewStatic(nil)
	provider.Set("tasks_completed", 12)
	ev := New(func() time.Time { return time.Unix(100, 0) })

	res, err := ev.EvaluateTick(context.Background(), gates, state, provider)
	require.NoError(t, err)
	require.Equal(t, Applied, res.Outcome)
	require.NotNil(t, state.CurrentPhase)
	assert.Equal(t, "trusted", *state.CurrentPhase)
	assert.EqualValues(t, 1, state.StateRev)
}

func TestDemoteWinsOverPromote(t *testing.T) {
	gates := []Gate{
		{
			ID: "trust_up", Direction: Promote, Enforcement: Enforce, Priority: 0,
			ToPhase:  "elevated",
			Criteria: Criteria{Kind: LogicAll, Items: []Criterion{{Metric: "tasks_completed", Op: Gte, Value: 10}}},
			Approval: authority.ApprovalAuto,
		},
		{
			ID: "trust_decay", Direction: Demote, Enforcement: Enforce, Priority: 0,
			ToPhase:  "restricted",
			Criteria: Criteria{Kind: LogicAll, Items: []Criterion{{Metric: "error_rate", Op: Gt, Value: 0.2}}},
			Approval: authority.ApprovalAuto,
		},
	}
	provider := metrics.NewStatic(nil)
	provider.SetAll(map[string]float64{"tasks_completed": 12, "error_rate": 0.3})
	state := newState(nil)
	ev := New(func() time.Time { return time.Unix(0, 0) })

	res, err := ev.EvaluateTick(context.Background(), gates, state, provider)
	require.NoError(t, err)
	require.Equal(t, Applied, res.Outcome)
	assert.Equal(t, "trust_decay", res.GateID)
}

func TestCooldownBlocksRefire(t *testing.T) {
	g := Gate{
		ID: "trusted", Direction: Promote, Enforcement: Enforce, CooldownSeconds: 300,
		ToPhase:  "trusted",
		Criteria: Criteria{Kind: LogicAll, Items: []Criterion{{Metric: "score", Op: Gte, Value: 1}}},
		Approval: authority.ApprovalAuto,
	}
	provider := metrics.NewStatic(nil)
	provider.Set("score", 5)

	state := newState(nil)
	now := int64(100)
	ev := New(func() time.Time { return time.Unix(now, 0) })
	_, err := ev.EvaluateTick(context.Background(), []Gate{g}, state, provider)
	require.NoError(t, err)
	state.CurrentPhase = nil // re-enter same from_phase candidacy for the re-fire check

	now = 399
	res, err := ev.EvaluateTick(context.Background(), []Gate{g}, state, provider)
	require.NoError(t, err)
	require.Equal(t, NoMatch, res.Outcome, "expected cooldown to block re-fire at t=399")

	now = 400
	res, err = ev.EvaluateTick(context.Background(), []Gate{g}, state, provider)
	require.NoError(t, err)
	assert.Equal(t, Applied, res.Outcome, "expected transition at t=400")
}

func TestPendingHumanGateAndApproval(t *testing.T) {
	gates := []Gate{{
		ID: "release", Direction: Promote, Enforcement: Enforce,
		ToPhase:  "released",
		Criteria: Criteria{Kind: LogicAll, Items: []Criterion{{Metric: "score", Op: Gte, Value: 1}}},
		Approval: authority.ApprovalHuman,
	}}
	provider := metrics.NewStatic(nil)
	provider.Set("score", 5)
	state := newState(nil)
	ev := New(func() time.Time { return time.Unix(0, 0) })

	res, err := ev.EvaluateTick(context.Background(), gates, state, provider)
	require.NoError(t, err)
	require.Equal(t, PendingHuman, res.Outcome)
	require.NotNil(t, state.PendingTransition)

	_, err = ev.ApproveHuman(state, gates, res.GateID, "wrong-hash", state.StateRev)
	assert.Error(t, err, "expected rejection for mismatching metrics_hash")

	record, err := ev.ApproveHuman(state, gates, res.GateID, res.MetricsHash, state.StateRev)
	require.NoError(t, err)
	require.NotNil(t, record)
	require.NotNil(t, state.CurrentPhase)
	assert.Equal(t, "released", *state.CurrentPhase)
	assert.Nil(t, state.PendingTransition, "expected pending transition cleared after approval")
}

func TestQuorumApprovalAccumulatesAndApplies(t *testing.T) {
	two := uint32(2)
	gates := []Gate{{
		ID: "quorum_gate", Direction: Promote, Enforcement: Enforce,
		ToPhase:    "released",
		Criteria:   Criteria{Kind: LogicAll, Items: []Criterion{{Metric: "score", Op: Gte, Value: 1}}},
		Approval:   authority.ApprovalQuorum,
		QuorumSize: &two,
	}}
	provider := metrics.NewStatic(nil)
	provider.Set("score", 5)
	state := newState(nil)
	ev := New(func() time.Time { return time.Unix(0, 0) })

	res, err := ev.EvaluateTick(context.Background(), gates, state, provider)
	require.NoError(t, err)
	require.Equal(t, PendingHuman, res.Outcome)

	record, err := ev.ApproveQuorum(state, gates, res.GateID, res.MetricsHash, state.StateRev, "alice")
	require.NoError(t, err)
	assert.Nil(t, record, "expected no transition after first of two approvals")

	record, err = ev.ApproveQuorum(state, gates, res.GateID, res.MetricsHash, state.StateRev, "alice")
	require.NoError(t, err)
	assert.Nil(t, record, "duplicate approver must not count twice")

	record, err = ev.ApproveQuorum(state, gates, res.GateID, res.MetricsHash, state.StateRev, "bob")
	require.NoError(t, err)
	assert.NotNil(t, record, "expected transition applied once quorum reached")
}

func TestObserveGateNeverMutatesState(t *testing.T) {
	gates := []Gate{{
		ID: "watch", Direction: Promote, Enforcement: Observe,
		ToPhase:  "observed",
		Criteria: Criteria{Kind: LogicAll, Items: []Criterion{{Metric: "score", Op: Gte, Value: 1}}},
		Approval: authority.ApprovalAuto,
	}}
	provider := metrics.NewStatic(nil)
	provider.Set("score", 5)
	state := newState(nil)
	ev := New(func() time.Time { return time.Unix(0, 0) })

	res, err := ev.EvaluateTick(context.Background(), gates, state, provider)
	require.NoError(t, err)
	require.Equal(t, ObservedOnly, res.Outcome)
	assert.Nil(t, state.CurrentPhase)
	assert.EqualValues(t, 0, state.StateRev, "observe gate must not mutate state")
}

func TestMetricsHashDeterministic(t *testing.T) {
	g := Gate{
		ID: "g", Direction: Promote, Enforcement: Enforce,
		ToPhase:  "next",
		Criteria: Criteria{Kind: LogicAll, Items: []Criterion{{Metric: "a", Op: Gte, Value: 1}, {Metric: "b", Op: Gte, Value: 1}}},
		Approval: authority.ApprovalAuto,
	}
	provider := metrics.NewStatic(nil)
	provider.SetAll(map[string]float64{"a": 2, "b": 3})
	ev := New(func() time.Time { return time.Unix(0, 0) })

	res1, err := ev.EvaluateTick(context.Background(), []Gate{g}, newState(nil), provider)
	require.NoError(t, err)
	res2, err := ev.EvaluateTick(context.Background(), []Gate{g}, newState(nil), provider)
	require.NoError(t, err)
	assert.Equal(t, res1.MetricsHash, res2.MetricsHash, "expected identical metrics_hash for identical snapshots")
}

func TestNaNMetricFailsCriterionAsTypeMismatch(t *testing.T) {
	g := Gate{
		ID: "g", Direction: Promote, Enforcement: Enforce,
		ToPhase:  "next",
		Criteria: Criteria{Kind: LogicAll, Items: []Criterion{{Metric: "score", Op: Neq, Value: 0}}},
		Approval: authority.ApprovalAuto,
	}
	provider := metrics.NewStatic(nil)
	provider.Set("score", math.NaN())
	ev := New(func() time.Time { return time.Unix(0, 0) })

	results, _, pass := ev.EvaluateCriteria(context.Background(), g, provider)
	require.Len(t, results, 1)
	assert.False(t, pass, "a NaN sample under neq must not pass the criterion")
	assert.False(t, results[0].Pass)
	assert.Contains(t, results[0].Err, "not numeric")
}

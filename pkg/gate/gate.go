// Package gate defines the phase-transition rule shape and the
// deterministic evaluator that selects and applies at most one
// transition per tick.
package gate

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/joyshmitz/ampersona/pkg/authority"
)

// Direction orders candidate selection: demote always sorts before
// promote, so a gate evaluator that finds both a passing promote and a
// passing demote candidate in the same tick always applies the demote.
type Direction string

const (
	Promote Direction = "promote"
	Demote  Direction = "demote"
)

// Enforcement selects whether a passing gate mutates state (enforce) or
// only records a decision (observe).
type Enforcement string

const (
	Enforce Enforcement = "enforce"
	Observe Enforcement = "observe"
)

// Op is a criterion comparison operator.
type Op string

const (
	Eq  Op = "eq"
	Neq Op = "neq"
	Lt  Op = "lt"
	Lte Op = "lte"
	Gt  Op = "gt"
	Gte Op = "gte"
)

func (op Op) apply(actual, value float64) bool {
	switch op {
	case Eq:
		return actual == value
	case Neq:
		return actual != value
	case Lt:
		return actual < value
	case Lte:
		return actual <= value
	case Gt:
		return actual > value
	case Gte:
		return actual >= value
	default:
		return false
	}
}

// Criterion is one metric comparison. WindowSeconds, when set, asks the
// metrics provider to aggregate over that trailing window rather than
// the instantaneous value.
type Criterion struct {
	Metric        string  `json:"metric"`
	Op            Op      `json:"op"`
	Value         float64 `json:"value"`
	WindowSeconds *uint64 `json:"window_seconds,omitempty"`
}

// LogicKind discriminates a CriteriaLogic's combination rule.
type LogicKind string

const (
	LogicAll LogicKind = "all"
	LogicAny LogicKind = "any"
)

// Criteria is either All(list) or Any(list) of Criterion. A bare JSON
// array on input is equivalent to All(list); recursive composition
// (nesting one Criteria inside another) is not supported.
type Criteria struct {
	Kind  LogicKind
	Items []Criterion
}

// MarshalJSON writes a zero-value Criteria (empty Kind, nil Items) as
// {"all":[]}, so that UnmarshalJSON reads it back.
func (c Criteria) MarshalJSON() ([]byte, error) {
	kind := c.Kind
	if kind == "" {
		kind = LogicAll
	}
	items := c.Items
	if items == nil {
		items = []Criterion{}
	}
	return json.Marshal(map[string]interface{}{string(kind): items})
}

func (c *Criteria) UnmarshalJSON(data []byte) error {
	var bare []Criterion
	if err := json.Unmarshal(data, &bare); err == nil {
		c.Kind = LogicAll
		c.Items = bare
		return nil
	}
	var wrapped struct {
		All []Criterion `json:"all"`
		Any []Criterion `json:"any"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return fmt.Errorf("gate: invalid criteria: %w", err)
	}
	switch {
	case wrapped.All != nil:
		c.Kind = LogicAll
		c.Items = wrapped.All
	case wrapped.Any != nil:
		c.Kind = LogicAny
		c.Items = wrapped.Any
	default:
		return fmt.Errorf("gate: criteria must have exactly one of all/any")
	}
	return nil
}

// OnPass carries the effects applied when a gate's transition is
// accepted.
type OnPass struct {
	AuthorityOverlay *authority.Overlay `json:"authority_overlay,omitempty"`
}

// Gate is one conditional phase-transition rule.
type Gate struct {
	ID              string               `json:"id"`
	Direction       Direction            `json:"direction"`
	Enforcement     Enforcement          `json:"enforcement"`
	Priority        int                  `json:"priority"`
	CooldownSeconds uint64               `json:"cooldown_seconds"`
	FromPhase       *string              `json:"from_phase"`
	ToPhase         string               `json:"to_phase"`
	Criteria        Criteria             `json:"criteria"`
	Approval        authority.GateApproval `json:"approval"`
	// QuorumSize is the number of distinct approvers required before a
	// quorum-approval gate's pending transition is applied. Unused for
	// auto/human gates.
	QuorumSize *uint32 `json:"quorum_size,omitempty"`
	OnPass     *OnPass `json:"on_pass,omitempty"`
}

// MatchesPhase reports whether g is a candidate from the given current
// phase: a null from_phase matches only the uninitialized (nil) phase.
func (g Gate) MatchesPhase(current *string) bool {
	if g.FromPhase == nil {
		return current == nil
	}
	return current != nil && *current == *g.FromPhase
}

// CriterionResult records one evaluated criterion's actual value and
// outcome, for the decision record and the audit/drift snapshot.
type CriterionResult struct {
	Metric string `json:"metric"`
	Op     Op     `json:"op"`
	Value  float64 `json:"value"`
	Actual float64 `json:"actual"`
	Pass   bool   `json:"pass"`
	Err    string `json:"error,omitempty"`
}

func withDuration(seconds *uint64) time.Duration {
	if seconds == nil {
		return 0
	}
	return time.Duration(*seconds) * time.Second
}

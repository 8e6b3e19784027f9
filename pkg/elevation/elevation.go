// Package elevation implements the elevation manager: activating a
// named, time-bounded authority grant, and sweeping expired grants. The
// CLI's gate evaluate and override commands sweep inside their state
// mutation; authority --check skips expired grants without removing them
// from state or auditing their expiry.
package elevation

import (
	"fmt"
	"sync"
	"time"

	"github.com/joyshmitz/ampersona/pkg/authority"
	"github.com/joyshmitz/ampersona/pkg/gate"
)

// ChangeKind discriminates an ElevationChange audit event.
type ChangeKind string

const (
	Activated ChangeKind = "activated"
	Expired   ChangeKind = "expired"
)

// Change is one elevation lifecycle event, suitable for passing
// straight to an audit log's payload.
type Change struct {
	Kind        ChangeKind
	ElevationID string
	Reason      string
	GrantedBy   string
	At          time.Time
}

// ErrUnknownElevation is returned when the named elevation has no
// matching definition.
var ErrUnknownElevation = fmt.Errorf("elevation: no such elevation definition")

// ErrReasonRequired is returned when the elevation's definition
// requires a reason and none (or an empty one) was supplied.
var ErrReasonRequired = fmt.Errorf("elevation: this elevation requires a reason")

// Manager activates and expires elevation grants against a persona's
// phase state. Mutex-guarded so concurrent callers (e.g. a policy
// check and a gate tick racing on the same persona) serialize safely;
// the State Store's own lock is still the source of truth for
// persisting the result.
type Manager struct {
	mu    sync.Mutex
	defs  map[string]authority.Elevation
	clock func() time.Time
}

// New builds a Manager over a set of elevation definitions. clock
// defaults to time.Now when nil.
func New(defs []authority.Elevation, clock func() time.Time) *Manager {
	if clock == nil {
		clock = time.Now
	}
	byID := make(map[string]authority.Elevation, len(defs))
	for _, d := range defs {
		byID[d.ID] = d
	}
	return &Manager{defs: byID, clock: clock}
}

// Activate validates and records a new grant in state, bumping
// state_rev, and returns the Change event the caller should append to
// the audit log.
func (m *Manager) Activate(state *gate.PhaseState, elevationID, reason, grantedBy string) (*Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	def, ok := m.defs[elevationID]
	if !ok {
		return nil, ErrUnknownElevation
	}
	if def.ReasonRequired && reason == "" {
		return nil, ErrReasonRequired
	}

	now := m.clock()
	grant := authority.ActiveElevation{
		ElevationID: elevationID,
		GrantedAt:   now,
		ExpiresAt:   now.Add(time.Duration(def.TTLSeconds) * time.Second),
		Reason:      reason,
		GrantedBy:   grantedBy,
	}
	state.ActiveElevations = append(state.ActiveElevations, grant)
	state.StateRev++

	return &Change{Kind: Activated, ElevationID: elevationID, Reason: reason, GrantedBy: grantedBy, At: now}, nil
}

// SweepExpired drops every grant in state whose TTL has elapsed,
// bumping state_rev and returning one Change event per dropped grant.
// Call this at the top of every evaluation or policy call.
func (m *Manager) SweepExpired(state *gate.PhaseState) []Change {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	kept := state.ActiveElevations[:0:0]
	var changes []Change
	for _, grant := range state.ActiveElevations {
		if grant.Expired(now) {
			changes = append(changes, Change{Kind: Expired, ElevationID: grant.ElevationID, GrantedBy: grant.GrantedBy, At: now})
			state.StateRev++
			continue
		}
		kept = append(kept, grant)
	}
	state.ActiveElevations = kept
	return changes
}

// Definitions returns the elevation definitions known to the manager,
// keyed by id, as a copy the caller may modify freely.
func (m *Manager) Definitions() map[string]authority.Elevation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]authority.Elevation, len(m.defs))
	for k, v := range m.defs {
		out[k] = v
	}
	return out
}

// Package authority models the persona authority document, the workspace
// defaults, gate overlays, and elevation grants that the Authority
// Resolver (D) merges into a ResolvedAuthority, and the post-resolution
// overlay patch that a gate transition may apply on top.
package authority

import (
	"encoding/json"
	"time"

	"github.com/joyshmitz/ampersona/pkg/action"
)

// AutonomyLevel is ordered readonly < supervised < full; the most
// restrictive value wins when layers are merged.
type AutonomyLevel int

const (
	Readonly AutonomyLevel = iota
	Supervised
	Full
)

func (a AutonomyLevel) String() string {
	switch a {
	case Readonly:
		return "readonly"
	case Supervised:
		return "supervised"
	case Full:
		return "full"
	default:
		return "unknown"
	}
}

func (a AutonomyLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *AutonomyLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "readonly":
		*a = Readonly
	case "supervised":
		*a = Supervised
	case "full":
		*a = Full
	default:
		*a = Readonly
	}
	return nil
}

// Min returns the more restrictive of two autonomy levels.
func (a AutonomyLevel) Min(other AutonomyLevel) AutonomyLevel {
	if a < other {
		return a
	}
	return other
}

// RiskLevel classifies an action for approval-threshold purposes.
type RiskLevel string

const (
	LowRisk    RiskLevel = "low_risk"
	MediumRisk RiskLevel = "medium_risk"
	HighRisk   RiskLevel = "high_risk"
)

// GateApproval selects how a gate transition (or elevation activation)
// is finalized.
type GateApproval string

const (
	ApprovalAuto   GateApproval = "auto"
	ApprovalHuman  GateApproval = "human"
	ApprovalQuorum GateApproval = "quorum"
)

// Scope constrains filesystem paths an action may touch.
type Scope struct {
	WorkspaceOnly   bool     `json:"workspace_only"`
	AllowedPaths    []string `json:"allowed_paths,omitempty"`
	ForbiddenPaths  []string `json:"forbidden_paths,omitempty"`
}

// DenyEntry denies a single action, optionally carrying a human reason
// and a compliance reference that must surface on the resulting Deny
// decision.
type DenyEntry struct {
	Action        action.ID `json:"action"`
	Reason        string    `json:"reason,omitempty"`
	ComplianceRef string    `json:"compliance_ref,omitempty"`
}

// ScopedKind discriminates the variant carried by a ScopedAction.
type ScopedKind string

const (
	ScopedShellKind ScopedKind = "shell"
	ScopedGitKind   ScopedKind = "git"
	ScopedFileKind  ScopedKind = "file_access"
	ScopedCustomKind ScopedKind = "custom"
)

// ScopedAction is a closed, tagged set of per-action constraint shapes.
// Exactly one of Shell/Git/File/Custom is populated, selected by Kind.
type ScopedAction struct {
	Kind   ScopedKind        `json:"$type"`
	Shell  *ScopedShell      `json:"-"`
	Git    *ScopedGit        `json:"-"`
	File   *ScopedFileAccess `json:"-"`
	Custom *ScopedCustomRule `json:"-"`
}

// ScopedShell constrains run_command-style actions.
type ScopedShell struct {
	Commands         []string `json:"commands,omitempty"`
	BlockHighRisk    *bool    `json:"block_high_risk,omitempty"`
	BlockSubshells   *bool    `json:"block_subshells,omitempty"`
	BlockRedirects   *bool    `json:"block_redirects,omitempty"`
	BlockBackground  *bool    `json:"block_background,omitempty"`
	ValidateSymlinks *bool    `json:"validate_symlinks,omitempty"`
}

// ScopedGit constrains git_* actions.
type ScopedGit struct {
	AllowedOperations []string `json:"allowed_operations,omitempty"`
	PushBranches      []string `json:"push_branches,omitempty"`
	DenyPushBranches  []string `json:"deny_push_branches,omitempty"`
}

// ScopedFileAccess constrains read_file/write_file-style actions.
type ScopedFileAccess struct {
	Read      []string `json:"read,omitempty"`
	Write     []string `json:"write,omitempty"`
	DenyWrite []string `json:"deny_write,omitempty"`
}

// ScopedCustomRule is the one open extension point in the scoped-action
// vocabulary: a vendor-defined predicate, evaluated as a CEL expression
// against the policy request context by the Policy Checker (E).
type ScopedCustomRule struct {
	Expression string                 `json:"expression,omitempty"`
	Params     map[string]interface{} `json:"params,omitempty"`
}

func (s ScopedAction) MarshalJSON() ([]byte, error) {
	switch s.Kind {
	case ScopedShellKind:
		return marshalTagged(s.Kind, s.Shell)
	case ScopedGitKind:
		return marshalTagged(s.Kind, s.Git)
	case ScopedFileKind:
		return marshalTagged(s.Kind, s.File)
	default:
		return marshalTagged(s.Kind, s.Custom)
	}
}

func marshalTagged(kind ScopedKind, body interface{}) ([]byte, error) {
	inner, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(inner, &m); err != nil {
		return nil, err
	}
	m["$type"] = json.RawMessage(`"` + string(kind) + `"`)
	return json.Marshal(m)
}

func (s *ScopedAction) UnmarshalJSON(data []byte) error {
	var probe struct {
		Type ScopedKind `json:"$type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	s.Kind = probe.Type
	switch probe.Type {
	case ScopedShellKind:
		s.Shell = &ScopedShell{}
		return json.Unmarshal(data, s.Shell)
	case ScopedGitKind:
		s.Git = &ScopedGit{}
		return json.Unmarshal(data, s.Git)
	case ScopedFileKind:
		s.File = &ScopedFileAccess{}
		return json.Unmarshal(data, s.File)
	default:
		s.Kind = ScopedCustomKind
		s.Custom = &ScopedCustomRule{}
		return json.Unmarshal(data, s.Custom)
	}
}

// Actions carries the allow/deny/scoped action sets of one authority
// layer.
type Actions struct {
	Allow  []action.ID             `json:"allow,omitempty"`
	Deny   []DenyEntry             `json:"deny,omitempty"`
	Scoped map[string]ScopedAction `json:"scoped,omitempty"`
}

// Limits carries numeric caps merged by minimum across layers.
type Limits struct {
	MaxActionsPerHour  *uint64     `json:"max_actions_per_hour,omitempty"`
	MaxCostPerDayCents *uint64     `json:"max_cost_per_day_cents,omitempty"`
	RequireApprovalFor []RiskLevel `json:"require_approval_for,omitempty"`
}

// Delegation describes who a persona may delegate authority to, and how
// deep.
type Delegation struct {
	CanDelegateTo []string `json:"can_delegate_to,omitempty"`
	MaxDepth      *uint32  `json:"max_depth,omitempty"`
}

// Elevation is a named temporary-authority grant definition. Activation
// produces an ActiveElevation recorded in phase state.
type Elevation struct {
	ID             string                 `json:"id"`
	Grants         map[string]interface{} `json:"grants"`
	Requires       GateApproval           `json:"requires"`
	TTLSeconds     uint64                 `json:"ttl_seconds"`
	ReasonRequired bool                   `json:"reason_required,omitempty"`
}

// ActiveElevation is a live, time-bounded grant recorded in phase state.
type ActiveElevation struct {
	ElevationID string    `json:"elevation_id"`
	GrantedAt   time.Time `json:"granted_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Reason      string    `json:"reason"`
	GrantedBy   string    `json:"granted_by"`
}

// Expired reports whether the grant's TTL has elapsed as of now
// (expires_at ≤ now).
func (e ActiveElevation) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Authority is one layer's full permission set: workspace defaults,
// persona authority, or a gate's authority_overlay promoted to a full
// layer for uniform merging.
type Authority struct {
	Autonomy   AutonomyLevel          `json:"autonomy"`
	Scope      *Scope                 `json:"scope,omitempty"`
	Actions    *Actions               `json:"actions,omitempty"`
	Limits     *Limits                `json:"limits,omitempty"`
	Elevations []Elevation            `json:"elevations,omitempty"`
	Delegation *Delegation            `json:"delegation,omitempty"`
	Ext        map[string]interface{} `json:"ext,omitempty"`
}

// Overlay is a partial post-resolution patch attached to a gate's
// on_pass effect. Unlike Authority layers, Overlay fields REPLACE rather
// than merge (see ApplyOverlay): this is the only mechanism in the
// system that can expand permissions the resolver restricted.
type Overlay struct {
	Autonomy *AutonomyLevel `json:"autonomy,omitempty"`
	Scope    *Scope         `json:"scope,omitempty"`
	Actions  *Actions       `json:"actions,omitempty"`
	Limits   *Limits        `json:"limits,omitempty"`
}

// IsZero reports whether the overlay has no fields set.
func (o *Overlay) IsZero() bool {
	return o == nil || (o.Autonomy == nil && o.Scope == nil && o.Actions == nil && o.Limits == nil)
}

// DenyMeta preserves the reason/compliance_ref a deny entry carried, so
// it can surface on the final PolicyDecision even after passing through
// overlay/elevation layering.
type DenyMeta struct {
	Reason        string
	ComplianceRef string
}

// Resolved is the output of merging an ordered layer list (and,
// optionally, applying an overlay): the single effective authority a
// Policy Checker evaluates requests against.
type Resolved struct {
	Autonomy      AutonomyLevel
	AllowedActions []action.ID
	DeniedActions  []action.ID
	Scope          *Scope
	Limits         *Limits
	ScopedActions  map[string]ScopedAction
	DenyMetadata   map[string]DenyMeta
}

func (r Resolved) isDenied(id action.ID) bool {
	for _, d := range r.DeniedActions {
		if d.Equal(id) {
			return true
		}
	}
	return false
}

func (r Resolved) isAllowed(id action.ID) bool {
	for _, a := range r.AllowedActions {
		if a.Equal(id) {
			return true
		}
	}
	return false
}

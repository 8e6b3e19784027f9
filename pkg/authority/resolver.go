package authority

import "github.com/joyshmitz/ampersona/pkg/action"

// Resolve merges an ordered list of authority layers (low precedence
// first: workspace defaults, persona authority, gate overlay promoted to
// a layer, ...) into a single Resolved authority using meet-semilattice
// rules: autonomy is the minimum, deny is the union, allow is the
// intersection minus deny, limits are the per-field minimum, scope's
// allowed_paths is the intersection and forbidden_paths the union.
//
// Adding a layer never grants new permission: Resolve over a longer
// layer list is never less restrictive than Resolve over a prefix of it.
func Resolve(layers []*Authority) Resolved {
	autonomy := Full
	var denied []action.ID
	var allowed []action.ID
	allowedSet := false
	var scope *Scope
	var limits *Limits
	scoped := make(map[string]ScopedAction)
	denyMeta := make(map[string]DenyMeta)

	for _, layer := range layers {
		if layer == nil {
			continue
		}
		autonomy = autonomy.Min(layer.Autonomy)

		if layer.Actions != nil {
			for _, d := range layer.Actions.Deny {
				denied = appendUnique(denied, d.Action)
				if d.Reason != "" || d.ComplianceRef != "" {
					denyMeta[d.Action.String()] = DenyMeta{Reason: d.Reason, ComplianceRef: d.ComplianceRef}
				}
			}
			if layer.Actions.Allow != nil {
				if !allowedSet {
					allowed = append([]action.ID(nil), layer.Actions.Allow...)
					allowedSet = true
				} else {
					allowed = intersect(allowed, layer.Actions.Allow)
				}
			}
			for k, v := range layer.Actions.Scoped {
				scoped[k] = v
			}
		}

		if layer.Scope != nil {
			scope = mergeScope(scope, layer.Scope)
		}

		if layer.Limits != nil {
			limits = mergeLimits(limits, layer.Limits)
		}
	}

	finalAllowed := make([]action.ID, 0, len(allowed))
	for _, a := range allowed {
		if !containsID(denied, a) {
			finalAllowed = append(finalAllowed, a)
		}
	}

	return Resolved{
		Autonomy:       autonomy,
		AllowedActions: finalAllowed,
		DeniedActions:  denied,
		Scope:          scope,
		Limits:         limits,
		ScopedActions:  scoped,
		DenyMetadata:   denyMeta,
	}
}

// ResolveWithElevations resolves the base layers, then applies the grants
// of every elevation listed in active on top; it does not check expiry,
// so callers pass only unexpired grants. Precedence, highest to
// lowest: explicit deny, active elevation grants, gate overlay, persona
// authority, workspace defaults. Elevation grants add allowed actions
// and may raise (never lower) autonomy; an explicitly denied action is
// never granted by an elevation.
func ResolveWithElevations(layers []*Authority, active []ActiveElevation, defs []Elevation) Resolved {
	resolved := Resolve(layers)

	defByID := make(map[string]Elevation, len(defs))
	for _, d := range defs {
		defByID[d.ID] = d
	}

	for _, a := range active {
		def, ok := defByID[a.ElevationID]
		if !ok {
			continue
		}
		if allowRaw, ok := def.Grants["actions.allow"]; ok {
			for _, raw := range toStringSlice(allowRaw) {
				id, err := action.Parse(raw)
				if err != nil {
					continue
				}
				if !resolved.isDenied(id) && !resolved.isAllowed(id) {
					resolved.AllowedActions = append(resolved.AllowedActions, id)
				}
			}
		}
		if autonomyRaw, ok := def.Grants["autonomy"]; ok {
			if s, ok := autonomyRaw.(string); ok {
				if lvl, ok := parseAutonomyLevel(s); ok && lvl > resolved.Autonomy {
					resolved.Autonomy = lvl
				}
			}
		}
	}

	return resolved
}

// ApplyOverlay applies a post-resolution patch to a resolved authority
// (ADR-010 patch-replace semantics): present overlay fields REPLACE the
// resolved value; deny is the one exception and is additive (union),
// because explicit deny must never be weakened by an overlay. Absent
// overlay fields leave the resolved value unchanged.
//
// Because Resolve can only restrict, Overlay is the sole mechanism that
// can expand what Resolve produced — this is intentional: the
// resolver is a meet-semilattice, the overlay is a patch.
func ApplyOverlay(base Resolved, overlay *Overlay) Resolved {
	result := base
	result.AllowedActions = append([]action.ID(nil), base.AllowedActions...)
	result.DeniedActions = append([]action.ID(nil), base.DeniedActions...)
	result.DenyMetadata = make(map[string]DenyMeta, len(base.DenyMetadata))
	for k, v := range base.DenyMetadata {
		result.DenyMetadata[k] = v
	}

	if overlay.IsZero() {
		return result
	}

	if overlay.Autonomy != nil {
		result.Autonomy = *overlay.Autonomy
	}

	if overlay.Actions != nil {
		for _, d := range overlay.Actions.Deny {
			if !containsID(result.DeniedActions, d.Action) {
				result.DeniedActions = append(result.DeniedActions, d.Action)
			}
			result.AllowedActions = removeID(result.AllowedActions, d.Action)
			if d.Reason != "" || d.ComplianceRef != "" {
				result.DenyMetadata[d.Action.String()] = DenyMeta{Reason: d.Reason, ComplianceRef: d.ComplianceRef}
			}
		}
		if overlay.Actions.Allow != nil {
			replaced := make([]action.ID, 0, len(overlay.Actions.Allow))
			for _, a := range overlay.Actions.Allow {
				if !containsID(result.DeniedActions, a) {
					replaced = append(replaced, a)
				}
			}
			result.AllowedActions = replaced
		}
	}

	if overlay.Scope != nil {
		result.Scope = overlay.Scope
	}
	if overlay.Limits != nil {
		result.Limits = overlay.Limits
	}

	return result
}

// mergeScope intersects allowed_paths and unions forbidden_paths and
// workspace_only across layers: an empty allowed_paths on
// one layer means "this layer imposes no path restriction" and does not
// shrink the intersection; a non-empty set on both layers narrows it.
func mergeScope(existing, next *Scope) *Scope {
	if existing == nil {
		copy := *next
		return &copy
	}
	merged := &Scope{
		WorkspaceOnly:  existing.WorkspaceOnly || next.WorkspaceOnly,
		ForbiddenPaths: unionStrings(existing.ForbiddenPaths, next.ForbiddenPaths),
	}
	switch {
	case len(existing.AllowedPaths) == 0:
		merged.AllowedPaths = append([]string(nil), next.AllowedPaths...)
	case len(next.AllowedPaths) == 0:
		merged.AllowedPaths = append([]string(nil), existing.AllowedPaths...)
	default:
		merged.AllowedPaths = intersectStrings(existing.AllowedPaths, next.AllowedPaths)
	}
	return merged
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func intersectStrings(a, b []string) []string {
	set := make(map[string]bool, len(b))
	for _, s := range b {
		set[s] = true
	}
	out := make([]string, 0, len(a))
	for _, s := range a {
		if set[s] {
			out = append(out, s)
		}
	}
	return out
}

func mergeLimits(existing, next *Limits) *Limits {
	if existing == nil {
		copy := *next
		return &copy
	}
	merged := &Limits{
		MaxActionsPerHour:  minUint64Ptr(existing.MaxActionsPerHour, next.MaxActionsPerHour),
		MaxCostPerDayCents: minUint64Ptr(existing.MaxCostPerDayCents, next.MaxCostPerDayCents),
		RequireApprovalFor: existing.RequireApprovalFor,
	}
	if merged.RequireApprovalFor == nil {
		merged.RequireApprovalFor = next.RequireApprovalFor
	}
	return merged
}

func minUint64Ptr(a, b *uint64) *uint64 {
	switch {
	case a == nil && b == nil:
		return nil
	case a == nil:
		v := *b
		return &v
	case b == nil:
		v := *a
		return &v
	default:
		if *a < *b {
			v := *a
			return &v
		}
		v := *b
		return &v
	}
}

func appendUnique(list []action.ID, id action.ID) []action.ID {
	if containsID(list, id) {
		return list
	}
	return append(list, id)
}

func containsID(list []action.ID, id action.ID) bool {
	for _, a := range list {
		if a.Equal(id) {
			return true
		}
	}
	return false
}

func removeID(list []action.ID, id action.ID) []action.ID {
	out := list[:0:0]
	for _, a := range list {
		if !a.Equal(id) {
			out = append(out, a)
		}
	}
	return out
}

func intersect(a, b []action.ID) []action.ID {
	out := a[:0:0]
	for _, x := range a {
		if containsID(b, x) {
			out = append(out, x)
		}
	}
	return out
}

func toStringSlice(v interface{}) []string {
	arr, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func parseAutonomyLevel(s string) (AutonomyLevel, bool) {
	switch s {
	case "readonly":
		return Readonly, true
	case "supervised":
		return Supervised, true
	case "full":
		return Full, true
	default:
		return Readonly, false
	}
}

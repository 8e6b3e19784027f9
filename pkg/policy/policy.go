// Package policy evaluates a single action request against a resolved
// authority, in a fixed precedence order: explicit deny, unknown
// action, scoped-type violation, path scope, autonomy floor,
// limits/risk, allow-list. Evaluation is deterministic and
// fail-closed: any ambiguity resolves to Deny or NeedsApproval, never
// Allow.
package policy

import (
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/joyshmitz/ampersona/pkg/action"
	"github.com/joyshmitz/ampersona/pkg/authority"
)

// DecisionKind is the outcome of evaluating a Request.
type DecisionKind string

const (
	Allow         DecisionKind = "allow"
	Deny          DecisionKind = "deny"
	NeedsApproval DecisionKind = "needs_approval"
)

// Decision is the result of Evaluate.
type Decision struct {
	Kind          DecisionKind
	Reason        string
	ComplianceRef string
	Suggestion    string
	Approval      authority.GateApproval
}

// Request describes one action a persona is attempting.
type Request struct {
	Action  action.ID
	Path    string
	Context map[string]interface{}
}

// InvalidActionError reports a request whose action string did not even
// lenient-parse into a well-formed ID.
type InvalidActionError struct {
	Raw string
}

func (e *InvalidActionError) Error() string {
	return fmt.Sprintf("policy: invalid action %q", e.Raw)
}

// actionRisk classifies a builtin action for the limits/risk stage.
// Builtins absent from this table, and all custom actions, are
// MediumRisk, since their blast radius is unknown to this binary.
var actionRisk = map[action.Builtin]authority.RiskLevel{
	action.ReadFile:             authority.LowRisk,
	action.RunTests:             authority.LowRisk,
	action.GitPull:              authority.LowRisk,
	action.WriteFile:            authority.MediumRisk,
	action.RunCommand:           authority.MediumRisk,
	action.GitCommit:            authority.MediumRisk,
	action.GitPush:              authority.MediumRisk,
	action.CreateBranch:         authority.MediumRisk,
	action.CreatePR:             authority.MediumRisk,
	action.InstallPackage:       authority.MediumRisk,
	action.ModifyConfig:         authority.MediumRisk,
	action.AccessNetwork:        authority.MediumRisk,
	action.SendMessage:          authority.MediumRisk,
	action.DeleteFile:           authority.HighRisk,
	action.GitPushMain:          authority.HighRisk,
	action.DeleteBranch:         authority.HighRisk,
	action.MergePR:              authority.HighRisk,
	action.Deploy:                authority.HighRisk,
	action.ApproveChange:        authority.HighRisk,
	action.DeleteProductionData: authority.HighRisk,
	action.AutoApproveCAPA:      authority.HighRisk,
}

func riskOf(id action.ID) authority.RiskLevel {
	if id.IsBuiltinID() {
		if lvl, ok := actionRisk[action.Builtin(id.String())]; ok {
			return lvl
		}
	}
	return authority.MediumRisk
}

func requiresApprovalFor(limits *authority.Limits, risk authority.RiskLevel) bool {
	if limits == nil {
		return false
	}
	for _, r := range limits.RequireApprovalFor {
		if r == risk {
			return true
		}
	}
	return false
}

// minAutonomyFor maps a risk level to the minimum autonomy a persona must
// hold before a high-risk action is eligible for evaluation past this
// stage. It only discriminates among Supervised and Full: Readonly is
// denied outright for every action, at any risk level, by the
// unconditional check in Evaluate below.
func minAutonomyFor(risk authority.RiskLevel) authority.AutonomyLevel {
	switch risk {
	case authority.HighRisk:
		return authority.Supervised
	default:
		return authority.Readonly
	}
}

// Checker evaluates requests against one resolved authority. A Checker
// is built once per evaluation (the resolved authority is immutable for
// the duration of a tick) and is safe for concurrent use because its CEL
// program cache is mutex-guarded.
type Checker struct {
	resolved authority.Resolved

	mu       sync.Mutex
	env      *cel.Env
	programs map[string]cel.Program
}

// New builds a Checker over a resolved authority.
func New(resolved authority.Resolved) (*Checker, error) {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.StringType),
		cel.Variable("path", cel.StringType),
		cel.Variable("context", cel.DynType),
		cel.Variable("params", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: build cel env: %w", err)
	}
	return &Checker{resolved: resolved, env: env, programs: make(map[string]cel.Program)}, nil
}

// Evaluate runs the fixed precedence chain against req.
func (c *Checker) Evaluate(req Request) (Decision, error) {
	// An ID from action.ParseLenient (vendor "_unknown") is an unknown
	// action and is denied below; only other invalid IDs are errors.
	rawUnknown, unrecognized := strings.CutPrefix(req.Action.String(), "custom:_unknown/")
	if !unrecognized && !req.Action.Valid() {
		return Decision{}, &InvalidActionError{Raw: req.Action.String()}
	}

	if meta, denied := c.explicitDeny(req.Action); denied {
		return Decision{Kind: Deny, Reason: meta.Reason, ComplianceRef: meta.ComplianceRef}, nil
	}

	if unrecognized || (!req.Action.IsBuiltinID() && !c.isKnownCustom(req.Action)) {
		suggestion := action.Suggest(req.Action.String())
		if unrecognized {
			suggestion = action.Suggest(rawUnknown)
		}
		return Decision{
			Kind:       Deny,
			Reason:     "action is not recognized by this authority",
			Suggestion: suggestion,
		}, nil
	}

	if scoped, ok := c.resolved.ScopedActions[req.Action.String()]; ok {
		if d, violated := c.evaluateScoped(req, scoped); violated {
			return d, nil
		}
	}

	if d, blocked := c.evaluateScope(req); blocked {
		return d, nil
	}

	if c.resolved.Autonomy == authority.Readonly {
		return Decision{Kind: Deny, Reason: "autonomy is readonly; no actions may be performed"}, nil
	}

	risk := riskOf(req.Action)
	if c.resolved.Autonomy < minAutonomyFor(risk) {
		return Decision{Kind: Deny, Reason: fmt.Sprintf("autonomy %s is below the floor required for %s risk actions", c.resolved.Autonomy, risk)}, nil
	}

	if requiresApprovalFor(c.resolved.Limits, risk) {
		return Decision{Kind: NeedsApproval, Reason: fmt.Sprintf("%s risk actions require approval", risk), Approval: authority.ApprovalHuman}, nil
	}

	for _, allowed := range c.resolved.AllowedActions {
		if allowed.Equal(req.Action) {
			return Decision{Kind: Allow, Reason: "action is in the resolved allow-list"}, nil
		}
	}

	return Decision{Kind: Deny, Reason: "action is not in the resolved allow-list"}, nil
}

func (c *Checker) explicitDeny(id action.ID) (authority.DenyMeta, bool) {
	for _, d := range c.resolved.DeniedActions {
		if d.Equal(id) {
			meta := c.resolved.DenyMetadata[id.String()]
			if meta.Reason == "" {
				meta.Reason = "action is explicitly denied"
			}
			return meta, true
		}
	}
	return authority.DenyMeta{}, false
}

// isKnownCustom reports whether a custom action appears anywhere in this
// authority's allow-list, deny-list, or scoped-action map; a custom
// action this authority has never mentioned is treated as unknown.
func (c *Checker) isKnownCustom(id action.ID) bool {
	for _, a := range c.resolved.AllowedActions {
		if a.Equal(id) {
			return true
		}
	}
	for _, d := range c.resolved.DeniedActions {
		if d.Equal(id) {
			return true
		}
	}
	_, ok := c.resolved.ScopedActions[id.String()]
	return ok
}

func (c *Checker) evaluateScope(req Request) (Decision, bool) {
	scope := c.resolved.Scope
	if scope == nil || req.Path == "" {
		return Decision{}, false
	}
	for _, forbidden := range scope.ForbiddenPaths {
		if matchPath(forbidden, req.Path) {
			return Decision{Kind: Deny, Reason: fmt.Sprintf("path %q matches forbidden pattern %q", req.Path, forbidden)}, true
		}
	}
	if len(scope.AllowedPaths) > 0 {
		for _, allowed := range scope.AllowedPaths {
			if matchPath(allowed, req.Path) {
				return Decision{}, false
			}
		}
		return Decision{Kind: Deny, Reason: fmt.Sprintf("path %q matches no allowed pattern", req.Path)}, true
	}
	return Decision{}, false
}

func matchPath(pattern, candidate string) bool {
	if strings.HasSuffix(pattern, "/**") {
		prefix := strings.TrimSuffix(pattern, "/**")
		return candidate == prefix || strings.HasPrefix(candidate, prefix+"/")
	}
	ok, err := path.Match(pattern, candidate)
	return err == nil && ok
}

func (c *Checker) evaluateScoped(req Request, scoped authority.ScopedAction) (Decision, bool) {
	switch scoped.Kind {
	case authority.ScopedShellKind:
		return c.evaluateShell(req, scoped.Shell)
	case authority.ScopedGitKind:
		return c.evaluateGit(req, scoped.Git)
	case authority.ScopedFileKind:
		return c.evaluateFile(req, scoped.File)
	default:
		return c.evaluateCustom(req, scoped.Custom)
	}
}

func contextString(ctx map[string]interface{}, key string) string {
	if ctx == nil {
		return ""
	}
	if s, ok := ctx[key].(string); ok {
		return s
	}
	return ""
}

func (c *Checker) evaluateShell(req Request, rule *authority.ScopedShell) (Decision, bool) {
	if rule == nil {
		return Decision{}, false
	}
	command := contextString(req.Context, "command")
	if len(rule.Commands) > 0 && command != "" {
		matched := false
		for _, allowed := range rule.Commands {
			if matchPath(allowed, command) {
				matched = true
				break
			}
		}
		if !matched {
			return Decision{Kind: Deny, Reason: fmt.Sprintf("command %q is not in the allowed command list", command)}, true
		}
	}
	if boolTrue(rule.BlockSubshells) && (strings.Contains(command, "$(") || strings.Contains(command, "`")) {
		return Decision{Kind: Deny, Reason: "subshell execution is blocked for this action"}, true
	}
	if boolTrue(rule.BlockRedirects) && (strings.ContainsAny(command, "><") || strings.Contains(command, "|")) {
		return Decision{Kind: Deny, Reason: "shell redirection is blocked for this action"}, true
	}
	if boolTrue(rule.BlockBackground) && strings.Contains(strings.TrimSpace(command), "&") {
		return Decision{Kind: Deny, Reason: "background execution is blocked for this action"}, true
	}
	if boolTrue(rule.BlockHighRisk) && riskOf(req.Action) == authority.HighRisk {
		return Decision{Kind: Deny, Reason: "high-risk shell commands are blocked for this action"}, true
	}
	return Decision{}, false
}

func (c *Checker) evaluateGit(req Request, rule *authority.ScopedGit) (Decision, bool) {
	if rule == nil {
		return Decision{}, false
	}
	operation := contextString(req.Context, "operation")
	branch := contextString(req.Context, "branch")
	if len(rule.AllowedOperations) > 0 && operation != "" {
		allowed := false
		for _, op := range rule.AllowedOperations {
			if op == operation {
				allowed = true
				break
			}
		}
		if !allowed {
			return Decision{Kind: Deny, Reason: fmt.Sprintf("git operation %q is not allowed for this action", operation)}, true
		}
	}
	for _, denied := range rule.DenyPushBranches {
		if branch != "" && matchPath(denied, branch) {
			return Decision{Kind: Deny, Reason: fmt.Sprintf("branch %q is in the denied push list", branch)}, true
		}
	}
	if len(rule.PushBranches) > 0 && branch != "" {
		allowed := false
		for _, pattern := range rule.PushBranches {
			if matchPath(pattern, branch) {
				allowed = true
				break
			}
		}
		if !allowed {
			return Decision{Kind: Deny, Reason: fmt.Sprintf("branch %q is not in the allowed push list", branch)}, true
		}
	}
	return Decision{}, false
}

func (c *Checker) evaluateFile(req Request, rule *authority.ScopedFileAccess) (Decision, bool) {
	if rule == nil || req.Path == "" {
		return Decision{}, false
	}
	for _, denied := range rule.DenyWrite {
		if matchPath(denied, req.Path) {
			return Decision{Kind: Deny, Reason: fmt.Sprintf("path %q is in the denied-write list", req.Path)}, true
		}
	}
	return Decision{}, false
}

func (c *Checker) evaluateCustom(req Request, rule *authority.ScopedCustomRule) (Decision, bool) {
	if rule == nil || rule.Expression == "" {
		return Decision{}, false
	}
	prg, err := c.compile(rule.Expression)
	if err != nil {
		return Decision{Kind: Deny, Reason: fmt.Sprintf("custom rule failed to compile: %v", err)}, true
	}
	out, _, err := prg.Eval(map[string]interface{}{
		"action":  req.Action.String(),
		"path":    req.Path,
		"context": req.Context,
		"params":  rule.Params,
	})
	if err != nil {
		return Decision{Kind: Deny, Reason: fmt.Sprintf("custom rule failed to evaluate: %v", err)}, true
	}
	pass, ok := out.Value().(bool)
	if !ok || !pass {
		return Decision{Kind: Deny, Reason: "custom scoped rule denied this action"}, true
	}
	return Decision{}, false
}

func (c *Checker) compile(expr string) (cel.Program, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prg, ok := c.programs[expr]; ok {
		return prg, nil
	}
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	prg, err := c.env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
	if err != nil {
		return nil, err
	}
	c.programs[expr] = prg
	return prg, nil
}

func boolTrue(b *bool) bool { return b != nil && *b }

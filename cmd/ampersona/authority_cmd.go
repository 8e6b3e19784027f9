package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/joyshmitz/ampersona/pkg/action"
	"github.com/joyshmitz/ampersona/pkg/authority"
	"github.com/joyshmitz/ampersona/pkg/persona"
	"github.com/joyshmitz/ampersona/pkg/policy"
)

// runAuthorityCmd implements `ampersona authority --check <action>`:
// resolves the persona's authority (workspace defaults, persona
// layer, active elevations, active gate overlay) and evaluates one
// action request against it.
//
// Exit codes: 0 = Allow, 1 = Deny, 3 = NeedsApproval.
func runAuthorityCmd(cfg *cliConfig, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("authority", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		name        string
		dir         string
		checkAction string
		pathArg     string
		jsonOutput  bool
	)
	cmd.StringVar(&name, "persona", "", "Persona name (REQUIRED)")
	cmd.StringVar(&dir, "dir", cfg.workspaceRoot, "Workspace directory")
	cmd.StringVar(&checkAction, "check", "", "Action identifier to evaluate (REQUIRED)")
	cmd.StringVar(&pathArg, "path", "", "Filesystem path the action would touch")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if name == "" || checkAction == "" {
		fmt.Fprintln(stderr, "Error: --persona and --check are required")
		return 2
	}

	doc, err := persona.Load(dir, name)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defaults, err := loadWorkspaceDefaults(dir)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ws := newWorkspace(cfg, dir, name)
	phaseState, err := ws.store().Load()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	layers := []*authority.Authority{defaults, doc.Authority}

	var elevDefs []authority.Elevation
	if doc.Authority != nil {
		elevDefs = doc.Authority.Elevations
	}
	now := ws.clock()
	var activeElevs []authority.ActiveElevation
	for _, e := range phaseState.ActiveElevations {
		if !e.Expired(now) {
			activeElevs = append(activeElevs, e)
		}
	}
	resolved := authority.ResolveWithElevations(layers, activeElevs, elevDefs)
	if phaseState.ActiveOverlay != nil {
		resolved = authority.ApplyOverlay(resolved, phaseState.ActiveOverlay)
	}

	checker, err := policy.New(resolved)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	actionID, err := action.Parse(checkAction)
	if err != nil {
		actionID = action.ParseLenient(checkAction)
	}

	decision, err := checker.Evaluate(policy.Request{Action: actionID, Path: pathArg, Context: map[string]interface{}{}})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(decision, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else {
		fmt.Fprintf(stdout, "%s: %s\n", decision.Kind, decision.Reason)
	}

	switch decision.Kind {
	case policy.Allow:
		return 0
	case policy.NeedsApproval:
		return 3
	default:
		return 1
	}
}

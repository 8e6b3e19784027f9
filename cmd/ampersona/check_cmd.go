package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/joyshmitz/ampersona/pkg/persona"
)

// runCheckCmd implements `ampersona check`: loads a persona document
// and validates that every action identifier it references is
// well-formed against the action vocabulary.
//
// Exit codes: 0 = pass, 2 = schema/vocab failure.
func runCheckCmd(cfg *cliConfig, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("check", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		name       string
		dir        string
		jsonOutput bool
	)
	cmd.StringVar(&name, "persona", "", "Persona name (REQUIRED)")
	cmd.StringVar(&dir, "dir", cfg.workspaceRoot, "Workspace directory")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if name == "" {
		fmt.Fprintln(stderr, "Error: --persona is required")
		return 2
	}

	doc, err := persona.Load(dir, name)
	if err != nil {
		return reportCheck(stdout, stderr, jsonOutput, false, []string{err.Error()})
	}

	var problems []string
	if doc.Authority != nil && doc.Authority.Actions != nil {
		for _, id := range doc.Authority.Actions.Allow {
			if !id.Valid() {
				problems = append(problems, fmt.Sprintf("actions.allow: invalid action %q", id.String()))
			}
		}
		for _, d := range doc.Authority.Actions.Deny {
			if !d.Action.Valid() {
				problems = append(problems, fmt.Sprintf("actions.deny: invalid action %q", d.Action.String()))
			}
		}
		for key, scoped := range doc.Authority.Actions.Scoped {
			if scoped.Kind == "" {
				problems = append(problems, fmt.Sprintf("actions.scoped[%s]: missing $type", key))
			}
		}
	}
	for _, g := range doc.Gates {
		if g.ID == "" {
			problems = append(problems, "gates: gate with empty id")
		}
		if g.ToPhase == "" {
			problems = append(problems, fmt.Sprintf("gates[%s]: to_phase is required", g.ID))
		}
	}

	return reportCheck(stdout, stderr, jsonOutput, len(problems) == 0, problems)
}

func reportCheck(stdout, stderr io.Writer, jsonOutput, pass bool, problems []string) int {
	if jsonOutput {
		result := map[string]any{"pass": pass, "problems": problems}
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else if pass {
		fmt.Fprintln(stdout, "check: pass")
	} else {
		fmt.Fprintln(stderr, "check: fail")
		for _, p := range problems {
			fmt.Fprintf(stderr, "  - %s\n", p)
		}
	}
	if pass {
		return 0
	}
	return 2
}

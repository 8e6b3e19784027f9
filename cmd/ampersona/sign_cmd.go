package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/joyshmitz/ampersona/pkg/persona"
)

// runSignCmd implements `ampersona sign`: attaches a detached
// signature block to a persona document and rewrites it in place.
func runSignCmd(cfg *cliConfig, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("sign", flag.ContinueOnError)
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
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	_, priv, err := loadOrGenerateKey(cfg.keyMaterialPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if err := persona.Sign(doc, signerFor(priv, cfg)); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if err := persona.Save(dir, doc); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(doc.Signature, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else {
		fmt.Fprintf(stdout, "signed %s as of %s\n", name, doc.Signature.CreatedAt)
	}
	return 0
}

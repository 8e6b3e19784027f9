package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/joyshmitz/ampersona/pkg/audit"
	"github.com/joyshmitz/ampersona/pkg/persona"
)

// runVerifyCmd implements `ampersona verify`: checks a persona
// document's embedded signature block against the configured public
// key, without ever reading private key material.
//
// Exit codes: 0 = signature valid, 1 = invalid or absent.
func runVerifyCmd(cfg *cliConfig, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
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
	pub, err := loadPublicKey(cfg.keyMaterialPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	verifyErr := persona.Verify(doc, pub)

	ws := newWorkspace(cfg, dir, name)
	sigEvent := map[string]interface{}{"valid": verifyErr == nil}
	if verifyErr != nil {
		sigEvent["error"] = verifyErr.Error()
	}
	if _, err := ws.auditLog().Append(audit.ChainSignatureVerify, sigEvent); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		result := map[string]any{"valid": verifyErr == nil}
		if verifyErr != nil {
			result["error"] = verifyErr.Error()
		}
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else if verifyErr == nil {
		fmt.Fprintln(stdout, "verify: valid")
	} else {
		fmt.Fprintf(stderr, "verify: invalid: %v\n", verifyErr)
	}

	if verifyErr == nil {
		return 0
	}
	return 1
}

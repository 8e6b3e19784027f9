package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joyshmitz/ampersona/pkg/config"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// cliConfig carries the ambient settings every subcommand's flag set
// defaults from.
type cliConfig struct {
	workspaceRoot    string
	keyMaterialPath  string
	keyID            string
	signerTag        string
	lockStaleTimeout time.Duration
}

func newCLIConfig() *cliConfig {
	cfg := config.Load()
	return &cliConfig{
		workspaceRoot:    cfg.WorkspaceRoot,
		keyMaterialPath:  cfg.KeyMaterialPath,
		keyID:            "default",
		signerTag:        "ampersona-cli",
		lockStaleTimeout: cfg.LockStaleTimeout,
	}
}

// Run is the dispatcher's testable entrypoint.
func Run(args []string, stdout, stderr io.Writer) int {
	cfg := newCLIConfig()

	if len(args) < 2 {
		printUsage(stdout)
		return 2
	}

	switch args[1] {
	case "check":
		return runCheckCmd(cfg, args[2:], stdout, stderr)
	case "authority":
		return runAuthorityCmd(cfg, args[2:], stdout, stderr)
	case "gate":
		return runGateCmd(cfg, args[2:], stdout, stderr)
	case "audit":
		return runAuditCmd(cfg, args[2:], stdout, stderr)
	case "sign":
		return runSignCmd(cfg, args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(cfg, args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "ampersona — per-persona trust escalation kernel")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  ampersona <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  check      --persona <name>                         validate a persona document")
	fmt.Fprintln(w, "  authority  --persona <name> --check <action>        evaluate one action request")
	fmt.Fprintln(w, "  gate       --persona <name> --evaluate <gate>        run one evaluation tick")
	fmt.Fprintln(w, "  gate       --persona <name> --override --gate <id>   process a manual override")
	fmt.Fprintln(w, "  audit      --persona <name> --verify                 verify the hash-chained audit log")
	fmt.Fprintln(w, "  audit      --persona <name> --verify --cross-check-rev  also cross-check state_rev against the chain")
	fmt.Fprintln(w, "  audit      --persona <name> --checkpoint             sign a new checkpoint at the head")
	fmt.Fprintln(w, "  sign       --persona <name>                          attach a detached signature")
	fmt.Fprintln(w, "  verify     --persona <name>                          verify a persona document's signature")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "All commands accept --json for structured output.")
}

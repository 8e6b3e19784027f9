// Package action defines the action vocabulary: a closed set of builtin
// action identifiers plus a namespaced custom form, parsed and validated
// the same way across the policy checker, authority resolver, and audit
// log.
package action

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ID is an action identifier: either a member of the builtin set or a
// custom namespaced form custom:<vendor>/<action>.
type ID struct {
	builtin Builtin
	isBuilt bool
	vendor  string
	action  string
}

// Builtin enumerates the closed set of well-known action names.
type Builtin string

const (
	ReadFile              Builtin = "read_file"
	WriteFile             Builtin = "write_file"
	DeleteFile            Builtin = "delete_file"
	RunTests              Builtin = "run_tests"
	RunCommand            Builtin = "run_command"
	GitCommit             Builtin = "git_commit"
	GitPush               Builtin = "git_push"
	GitPushMain           Builtin = "git_push_main"
	GitPull               Builtin = "git_pull"
	CreateBranch          Builtin = "create_branch"
	DeleteBranch          Builtin = "delete_branch"
	CreatePR              Builtin = "create_pr"
	MergePR               Builtin = "merge_pr"
	Deploy                Builtin = "deploy"
	InstallPackage        Builtin = "install_package"
	ModifyConfig          Builtin = "modify_config"
	AccessNetwork         Builtin = "access_network"
	SendMessage           Builtin = "send_message"
	ApproveChange         Builtin = "approve_change"
	DeleteProductionData  Builtin = "delete_production_data"
	AutoApproveCAPA       Builtin = "auto_approve_capa"
)

// allBuiltins lists every builtin action, used for validation,
// enumeration, and typo suggestion.
var allBuiltins = []Builtin{
	ReadFile, WriteFile, DeleteFile, RunTests, RunCommand,
	GitCommit, GitPush, GitPushMain, GitPull,
	CreateBranch, DeleteBranch, CreatePR, MergePR,
	Deploy, InstallPackage, ModifyConfig, AccessNetwork,
	SendMessage, ApproveChange, DeleteProductionData, AutoApproveCAPA,
}

// unknownVendor marks an ID produced by lenient parsing of a string this
// binary could not otherwise recognize. An ID with this vendor is never
// valid (see Valid); it exists only so that documents referencing
// actions unknown to this binary can still round-trip through JSON.
const unknownVendor = "_unknown"

// Builtins returns the full builtin action set.
func Builtins() []Builtin {
	out := make([]Builtin, len(allBuiltins))
	copy(out, allBuiltins)
	return out
}

// IsBuiltin reports whether name is a recognized builtin action.
func IsBuiltin(name string) bool {
	for _, b := range allBuiltins {
		if string(b) == name {
			return true
		}
	}
	return false
}

// FromBuiltin constructs an ID wrapping a builtin action.
func FromBuiltin(b Builtin) ID {
	return ID{builtin: b, isBuilt: true}
}

// Custom constructs a custom namespaced ID without validating the
// vendor/action grammar; use Parse to validate from a string.
func Custom(vendor, act string) ID {
	return ID{vendor: vendor, action: act}
}

// Parse parses a strict action string: a builtin name or
// custom:<vendor>/<action> where vendor and action each match
// [A-Za-z0-9_-]+. Any other input is an error.
func Parse(s string) (ID, error) {
	if rest, ok := strings.CutPrefix(s, "custom:"); ok {
		vendor, act, ok := strings.Cut(rest, "/")
		if !ok || vendor == "" || act == "" || !isTokenGrammar(vendor) || !isTokenGrammar(act) {
			return ID{}, fmt.Errorf("action: invalid custom action format %q (expected custom:<vendor>/<action>)", s)
		}
		return ID{vendor: vendor, action: act}, nil
	}
	if IsBuiltin(s) {
		return ID{builtin: Builtin(s), isBuilt: true}, nil
	}
	return ID{}, fmt.Errorf("action: unknown action %q", s)
}

// ParseLenient parses like Parse, but on failure returns a Custom ID with
// vendor "_unknown" instead of an error, preserving the original string
// as the action name. This lets documents referencing actions unknown to
// this binary round-trip through JSON; Valid rejects the result.
func ParseLenient(s string) ID {
	id, err := Parse(s)
	if err != nil {
		return ID{vendor: unknownVendor, action: s}
	}
	return id
}

func isTokenGrammar(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return len(s) > 0
}

// IsBuiltinID reports whether id wraps a builtin action.
func (id ID) IsBuiltinID() bool { return id.isBuilt }

// IsCustom reports whether id is a custom namespaced action.
func (id ID) IsCustom() bool { return !id.isBuilt }

// Valid reports whether id was constructed from a recognized builtin or
// a syntactically valid, non-"_unknown" custom vendor — i.e. whether it
// would pass strict validation. A lenient-parsed unrecognized string is
// not Valid.
func (id ID) Valid() bool {
	if id.isBuilt {
		return IsBuiltin(string(id.builtin))
	}
	return id.vendor != "" && id.vendor != unknownVendor && id.action != "" &&
		isTokenGrammar(id.vendor) && isTokenGrammar(id.action)
}

func (id ID) String() string {
	if id.isBuilt {
		return string(id.builtin)
	}
	return fmt.Sprintf("custom:%s/%s", id.vendor, id.action)
}

// Equal reports structural equality, suitable for slice membership
// checks in the authority resolver.
func (id ID) Equal(other ID) bool {
	return id.String() == other.String()
}

func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

func (id *ID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*id = ParseLenient(s)
	return nil
}

// Suggest returns the closest builtin action name to input by edit
// distance, for surfacing in "unknown action" errors, or "" if nothing
// is within the distance-3 threshold.
func Suggest(input string) string {
	lower := strings.ToLower(input)
	best := ""
	bestDist := 4 // > 3 means "no suggestion"
	names := make([]string, len(allBuiltins))
	for i, b := range allBuiltins {
		names[i] = string(b)
	}
	sort.Strings(names) // deterministic tie-break
	for _, name := range names {
		d := editDistance(lower, name)
		if d <= 3 && d < bestDist {
			bestDist = d
			best = name
		}
	}
	return best
}

func editDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	dp := make([][]int, len(ra)+1)
	for i := range dp {
		dp[i] = make([]int, len(rb)+1)
		dp[i][0] = i
	}
	for j := range dp[0] {
		dp[0][j] = j
	}
	for i := 1; i <= len(ra); i++ {
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			min := dp[i-1][j] + 1
			if v := dp[i][j-1] + 1; v < min {
				min = v
			}
			if v := dp[i-1][j-1] + cost; v < min {
				min = v
			}
			dp[i][j] = min
		}
	}
	return dp[len(ra)][len(rb)]
}

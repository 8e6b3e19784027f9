//go:build property
// +build property

package canonicalize

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestJCSRoundTripsThroughReparse checks canonicalize(parse(canonicalize(v))) ==
// canonicalize(v) for arbitrary flat string-keyed maps.
func TestJCSRoundTripsThroughReparse(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("JCS output is stable under reparse and recanonicalization", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]interface{})
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] != "" {
					obj[keys[i]] = values[i]
				}
			}
			b1, err := JCS(obj)
			if err != nil {
				return false
			}

			var reparsed interface{}
			if err := json.Unmarshal(b1, &reparsed); err != nil {
				return false
			}
			b2, err := JCS(reparsed)
			if err != nil {
				return false
			}
			return string(b1) == string(b2)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("JCS output does not depend on input key order", prop.ForAll(
		func(keys []string, values []int) bool {
			forward := make(map[string]interface{})
			backward := make(map[string]interface{})
			n := len(keys)
			if len(values) < n {
				n = len(values)
			}
			for i := 0; i < n; i++ {
				if keys[i] == "" {
					continue
				}
				forward[keys[i]] = values[i]
				backward[keys[n-1-i]] = values[n-1-i]
			}
			b1, err1 := JCS(forward)
			b2, err2 := JCS(backward)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return string(b1) == string(b2)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.IntRange(0, 1000)),
	))

	properties.TestingRun(t)
}

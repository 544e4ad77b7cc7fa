//go:build property
// +build property

// Property-based tests for canonicalization determinism and round-trip
// stability. Run with: go test -tags property ./internal/canonical/
package canonical_test

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/ashita-ai/veritas/internal/canonical"
)

// TestCanonicalDeterminism verifies Marshal(obj) == Marshal(obj) for any obj.
func TestCanonicalDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("canonical form is deterministic", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] != "" {
					obj[keys[i]] = values[i]
				}
			}
			a, err1 := canonical.Marshal(obj)
			b, err2 := canonical.Marshal(obj)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return string(a) == string(b)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestCanonicalRoundTrip verifies Marshal(parse(Marshal(x))) == Marshal(x).
func TestCanonicalRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("re-parsing the canonical form is a fixed point", prop.ForAll(
		func(keys []string, nums []float64, flags []bool) bool {
			obj := make(map[string]any)
			for i, k := range keys {
				if k == "" {
					continue
				}
				switch i % 3 {
				case 0:
					if i < len(nums) {
						obj[k] = nums[i]
					}
				case 1:
					if i < len(flags) {
						obj[k] = flags[i]
					}
				default:
					obj[k] = k
				}
			}
			first, err := canonical.Marshal(obj)
			if err != nil {
				return true // non-finite floats are rejected consistently
			}
			var parsed any
			if err := json.Unmarshal(first, &parsed); err != nil {
				return false
			}
			second, err := canonical.Marshal(parsed)
			if err != nil {
				return false
			}
			return string(first) == string(second)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.Float64Range(-1e9, 1e9)),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}

// TestChainHashPrefixSensitivity verifies that changing the previous hash
// always changes the chained hash.
func TestChainHashPrefixSensitivity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("chain hash binds the previous hash", prop.ForAll(
		func(prevA, prevB, payload string) bool {
			if prevA == prevB {
				return true
			}
			a := canonical.ChainHash(prevA, []byte(payload))
			b := canonical.ChainHash(prevB, []byte(payload))
			return a != b
		},
		gen.Identifier(),
		gen.Identifier(),
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

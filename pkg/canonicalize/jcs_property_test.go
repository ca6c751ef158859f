//go:build property
// +build property

package canonicalize_test

import (
	"encoding/json"
	"sort"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/flockmesh/flockmesh/pkg/canonicalize"
)

// TestCanonicalFormKeyOrderIndependence verifies the canonical form of a JSON
// object does not depend on the textual order its keys arrived in.
func TestCanonicalFormKeyOrderIndependence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("canonical form ignores key arrival order", prop.ForAll(
		func(keys []string, values []string) bool {
			pairs := make(map[string]string)
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] != "" {
					pairs[keys[i]] = values[i]
				}
			}
			if len(pairs) < 2 {
				return true
			}

			ordered := make([]string, 0, len(pairs))
			for k := range pairs {
				ordered = append(ordered, k)
			}
			sort.Strings(ordered)

			forward := buildJSON(ordered, pairs)
			reversed := make([]string, len(ordered))
			for i, k := range ordered {
				reversed[len(ordered)-1-i] = k
			}
			backward := buildJSON(reversed, pairs)

			var a, b any
			if err := json.Unmarshal([]byte(forward), &a); err != nil {
				return false
			}
			if err := json.Unmarshal([]byte(backward), &b); err != nil {
				return false
			}

			ca, err1 := canonicalize.JCS(a)
			cb, err2 := canonicalize.JCS(b)
			if err1 != nil || err2 != nil {
				return false
			}
			return string(ca) == string(cb)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestHashDeterminism verifies repeated hashing of the same value always
// yields the same digest.
func TestHashDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("hash is deterministic", prop.ForAll(
		func(key string, value string, n int) bool {
			v := map[string]any{"key": key, "value": value, "n": n}
			h1, err1 := canonicalize.Hash(v)
			h2, err2 := canonicalize.Hash(v)
			if err1 != nil || err2 != nil {
				return false
			}
			return h1 == h2
		},
		gen.AlphaString(),
		gen.UnicodeString(),
		gen.Int(),
	))

	properties.TestingRun(t)
}

func buildJSON(order []string, pairs map[string]string) string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range order {
		if i > 0 {
			sb.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(pairs[k])
		sb.Write(kb)
		sb.WriteByte(':')
		sb.Write(vb)
	}
	sb.WriteByte('}')
	return sb.String()
}

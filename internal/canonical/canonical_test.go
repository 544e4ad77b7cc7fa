package canonical_test

import (
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/veritas/internal/canonical"
)

func TestMarshalSortsKeysAtEveryLevel(t *testing.T) {
	in := map[string]any{
		"zebra": 1,
		"alpha": map[string]any{
			"nested_z": true,
			"nested_a": []any{map[string]any{"b": 2, "a": 1}},
		},
	}
	out, err := canonical.Marshal(in)
	require.NoError(t, err)
	assert.Equal(t,
		`{"alpha":{"nested_a":[{"a":1,"b":2}],"nested_z":true},"zebra":1}`,
		string(out))
}

func TestMarshalNumberForms(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"trailing zero dropped", `{"v":1.50}`, `{"v":1.5}`},
		{"integral float collapses", `{"v":2.0}`, `{"v":2}`},
		{"exponent normalized", `{"v":1e3}`, `{"v":1000}`},
		{"negative", `{"v":-0.25}`, `{"v":-0.25}`},
		{"large int exact", `{"v":9007199254740993}`, `{"v":9007199254740993}`},
		{"zero", `{"v":0}`, `{"v":0}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v any
			dec := json.NewDecoder(strings.NewReader(tt.in))
			dec.UseNumber()
			require.NoError(t, dec.Decode(&v))
			out, err := canonical.Marshal(v)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(out))
		})
	}
}

func TestMarshalNoHTMLEscaping(t *testing.T) {
	out, err := canonical.Marshal(map[string]any{"q": "a <b> & c"})
	require.NoError(t, err)
	assert.Equal(t, `{"q":"a <b> & c"}`, string(out))
}

func TestMarshalRejectsNonFinite(t *testing.T) {
	_, err := canonical.Marshal(map[string]any{"v": math.NaN()})
	assert.Error(t, err)
	_, err = canonical.Marshal(map[string]any{"v": math.Inf(1)})
	assert.Error(t, err)
}

func TestMarshalIdempotent(t *testing.T) {
	in := map[string]any{
		"b": []any{1, 2.5, "x", nil, true},
		"a": map[string]any{"k": "v", "n": 3.14},
		"s": "unicode: héllo ≤ ツ",
	}
	first, err := canonical.Marshal(in)
	require.NoError(t, err)

	var parsed any
	require.NoError(t, json.Unmarshal(first, &parsed))
	second, err := canonical.Marshal(parsed)
	require.NoError(t, err)

	assert.Equal(t, string(first), string(second))
}

func TestMarshalStructsCollapse(t *testing.T) {
	type inner struct {
		B int    `json:"b"`
		A string `json:"a"`
	}
	out, err := canonical.Marshal(struct {
		Z inner `json:"z"`
		Y int   `json:"y"`
	}{Z: inner{B: 1, A: "x"}, Y: 2})
	require.NoError(t, err)
	assert.Equal(t, `{"y":2,"z":{"a":"x","b":1}}`, string(out))
}

func TestHashStability(t *testing.T) {
	a := map[string]any{"x": 1, "y": "z"}
	b := map[string]any{"y": "z", "x": 1}
	ha, err := canonical.Hash(a)
	require.NoError(t, err)
	hb, err := canonical.Hash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 64)
}

func TestChainHash(t *testing.T) {
	payload := []byte(`{"a":1}`)
	genesis := canonical.ChainHash("", payload)
	linked := canonical.ChainHash(genesis, payload)
	assert.NotEqual(t, genesis, linked)
	assert.Equal(t, genesis, canonical.ChainHash("", payload))

	// The previous hash participates byte-for-byte.
	assert.NotEqual(t, linked, canonical.ChainHash(genesis[:63]+"0", payload))
}

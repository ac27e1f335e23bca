package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalSortsKeys(t *testing.T) {
	a := map[string]any{"b": 1.5, "a": []any{"x", true, nil}, "c": map[string]any{"z": "1", "y": "2"}}
	out, err := Marshal(a)
	require.NoError(t, err)
	assert.Equal(t, `{"a":["x",true,null],"b":1.5,"c":{"y":"2","z":"1"}}`, string(out))
}

func TestMarshalStructMatchesEquivalentMap(t *testing.T) {
	type note struct {
		Zeta  string  `json:"zeta"`
		Alpha float64 `json:"alpha"`
	}
	fromStruct, err := Marshal(note{Zeta: "z", Alpha: 0.25})
	require.NoError(t, err)
	fromMap, err := Marshal(map[string]any{"alpha": 0.25, "zeta": "z"})
	require.NoError(t, err)
	assert.Equal(t, string(fromMap), string(fromStruct))
}

func TestDigestIsStable(t *testing.T) {
	h1, raw, err := Digest(map[string]any{"x": 1.0, "y": "two"})
	require.NoError(t, err)
	h2, _, err := Digest(map[string]any{"y": "two", "x": 1.0})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, raw, 32)
	assert.Len(t, h1, 64)
}

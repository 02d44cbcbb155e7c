package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalIsDeterministicAcrossMapOrder(t *testing.T) {
	a := map[string]any{"name": "north gate", "priority": uint64(2), "color": "#ef4444"}
	b := map[string]any{"color": "#ef4444", "priority": uint64(2), "name": "north gate"}

	encA, err := Marshal(a)
	require.NoError(t, err)
	encB, err := Marshal(b)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(encA, encB))
}

func TestNestedMapsDecodeAsStringKeyed(t *testing.T) {
	data, err := Marshal(map[string]any{"style": map[string]any{"stroke": "red"}})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, Unmarshal(data, &out))
	nested, ok := out["style"].(map[string]any)
	require.True(t, ok, "nested map decoded as %T", out["style"])
	assert.Equal(t, "red", nested["stroke"])
}

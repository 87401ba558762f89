package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseObject(t *testing.T) {
	obj, err := ParseObject([]byte(`{"s":"x","i":7,"f":1.25,"b":true,"n":null,"a":[1,"two"],"o":{"k":2.0}}`))
	require.NoError(t, err)

	assert.Equal(t, IRString("x"), obj["s"])
	assert.Equal(t, IRInt(7), obj["i"])
	assert.Equal(t, IRFloat(1.25), obj["f"])
	assert.Equal(t, IRBool(true), obj["b"])
	assert.Equal(t, IRNull{}, obj["n"])
	assert.Equal(t, IRArray{IRInt(1), IRString("two")}, obj["a"])
	assert.Equal(t, IRObject{"k": IRInt(2)}, obj["o"], "integral floats collapse to IRInt")
}

func TestParseObjectErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"array", `[1,2]`},
		{"string", `"x"`},
		{"trailing data", `{} {}`},
		{"malformed", `{"a":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseObject([]byte(tt.input))
			require.Error(t, err)
		})
	}
}

func TestFromAny(t *testing.T) {
	v, err := FromAny(map[string]any{
		"lat":  37.5,
		"n":    3,
		"list": []any{"a", int64(2), nil},
	})
	require.NoError(t, err)

	assert.Equal(t, IRObject{
		"lat":  IRFloat(37.5),
		"n":    IRInt(3),
		"list": IRArray{IRString("a"), IRInt(2), IRNull{}},
	}, v)

	_, err = FromAny(struct{}{})
	require.Error(t, err)
}

func TestIRObjectJSONRoundTrip(t *testing.T) {
	original := IRObject{"message": IRString("ride created"), "amount": IRInt(20)}

	data, err := json.Marshal(original)
	require.NoError(t, err)
	assert.Equal(t, `{"amount":20,"message":"ride created"}`, string(data))

	var decoded IRObject
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, original, decoded)
}

func TestNumber(t *testing.T) {
	f, ok := Number(IRInt(4))
	assert.True(t, ok)
	assert.Equal(t, 4.0, f)

	f, ok = Number(IRFloat(1.5))
	assert.True(t, ok)
	assert.Equal(t, 1.5, f)

	_, ok = Number(IRString("4"))
	assert.False(t, ok)
}

func TestNewIRObject(t *testing.T) {
	obj := NewIRObject(O("a", IRInt(1)), O("b", IRString("x")))
	assert.Equal(t, IRObject{"a": IRInt(1), "b": IRString("x")}, obj)
}

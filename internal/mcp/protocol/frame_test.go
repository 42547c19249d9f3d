package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRequest(t *testing.T) {
	frame, err := NewRequest("7", "tools/call", map[string]any{"name": "echo"})
	require.NoError(t, err)

	data, err := Encode(frame)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"7","kind":"request","method":"tools/call","payload":{"name":"echo"}}`, string(data))

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "7", decoded.ID)
	assert.Equal(t, KindRequest, decoded.Kind)

	var params struct {
		Name string `json:"name"`
	}
	require.NoError(t, decoded.DecodePayload(&params))
	assert.Equal(t, "echo", params.Name)
}

func TestNewResponse_RawPayload(t *testing.T) {
	frame, err := NewResponse("1", json.RawMessage(`{"ok":true}`))
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(frame.Payload))

	empty, err := NewResponse("2", nil)
	require.NoError(t, err)
	assert.Empty(t, empty.Payload)
}

func TestDecode_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
		code int
	}{
		{"Malformed JSON", `{"id":`, ParseError},
		{"Missing id", `{"kind":"response"}`, InvalidRequest},
		{"Unknown kind", `{"id":"1","kind":"notify"}`, InvalidRequest},
		{"Request without method", `{"id":"1","kind":"request"}`, InvalidRequest},
		{"Error without body", `{"id":"1","kind":"error"}`, InvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			require.Error(t, err)

			var rpcErr *RPCError
			require.True(t, errors.As(err, &rpcErr))
			assert.Equal(t, tt.code, rpcErr.Code)
		})
	}
}

func TestErrorFrame(t *testing.T) {
	frame := NewErrorFrame("9", MethodNotFoundError("missing"))

	data, err := Encode(frame)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, KindError, decoded.Kind)
	assert.Equal(t, MethodNotFound, decoded.Error.Code)
	assert.Equal(t, "Method 'missing' not found", decoded.Error.Data)
	assert.Contains(t, decoded.Error.Error(), "-32601")
}

func TestDecodePayload_TypeMismatch(t *testing.T) {
	frame := &Frame{ID: "1", Kind: KindRequest, Method: "m", Payload: json.RawMessage(`"text"`)}

	var out struct{ N int }
	err := frame.DecodePayload(&out)

	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, InvalidParams, rpcErr.Code)
}

package rpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestIsNotificationWhenIDEmpty(t *testing.T) {
	r := Request{JSONRPC: Version, Method: "connected"}
	assert.True(t, r.IsNotification())
}

func TestRequestIsNotNotificationWithID(t *testing.T) {
	r := Request{JSONRPC: Version, Method: "execute", ID: json.RawMessage(`1`)}
	assert.False(t, r.IsNotification())
}

func TestNewErrorResponseMarshalsExpectedShape(t *testing.T) {
	resp := NewErrorResponse(json.RawMessage(`1`), ErrCommandNotAllowed, "command not allowed", nil)

	data, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))

	errObj, ok := decoded["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(ErrCommandNotAllowed), errObj["code"])
}

func TestNewNotificationHasNoID(t *testing.T) {
	n := NewNotification("process.started", map[string]any{"pid": 123})
	data, err := json.Marshal(n)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"id"`)
}

func TestErrorSatisfiesErrorInterface(t *testing.T) {
	var err error = &Error{Code: ErrProcessNotFound, Message: "process not found"}
	assert.Equal(t, "process not found", err.Error())
}

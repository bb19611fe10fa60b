package protocol

import (
	"encoding/json"
	"testing"

	"github.com/asaidimu/go-loom/core/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValidFrame(t *testing.T) {
	raw := `{"_id":"42","type":"SUBSCRIBE","resource":"users","query":{"where":{"name":"Ada"},"limit":10}}`
	m, err := Parse([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "42", m.ID)
	assert.Equal(t, TypeSubscribe, m.Type)
	assert.Equal(t, "users", m.Resource)
	require.NotNil(t, m.Query)
	assert.Equal(t, 10, m.Query.Limit)
	assert.Equal(t, "Ada", m.Query.Where["name"])
}

func TestParseInvalidFrames(t *testing.T) {
	t.Run("malformed json", func(t *testing.T) {
		_, err := Parse([]byte(`{`))
		var perr *ProtocolError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, CodeBadMessage, perr.Code)
	})

	t.Run("missing type", func(t *testing.T) {
		_, err := Parse([]byte(`{"_id":"1"}`))
		var perr *ProtocolError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, CodeBadMessage, perr.Code)
	})
}

func TestEncodeOmitsEmptyFields(t *testing.T) {
	data, err := Encode(Message{Type: TypePong})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"PONG"}`, string(data))
}

// The mutation payload mirrors the storage representation, value plus _meta.
func TestMutatePayloadRoundTrip(t *testing.T) {
	original := Message{
		ID:         "7",
		Type:       TypeMutate,
		Resource:   "users",
		ResourceID: "u1",
		Procedure:  ProcedureUpdate,
		MutationID: "m-1",
		Payload: map[string]schema.Encoded{
			"name": {Value: "Ada", Meta: schema.Meta{Timestamp: "2024-01-01T00:00:00.000000000Z"}},
		},
	}

	data, err := Encode(original)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	payload := wire["payload"].(map[string]any)
	name := payload["name"].(map[string]any)
	assert.Equal(t, "Ada", name["value"])
	meta := name["_meta"].(map[string]any)
	assert.Equal(t, "2024-01-01T00:00:00.000000000Z", meta["timestamp"])

	decoded, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, original.Payload["name"].Value, decoded.Payload["name"].Value)
	assert.Equal(t, original.Payload["name"].Meta, decoded.Payload["name"].Meta)
}

func TestNewError(t *testing.T) {
	m := NewError("9", CodeUnknownResource, "ghosts")
	assert.Equal(t, TypeError, m.Type)
	assert.Equal(t, "9", m.ID)
	assert.Equal(t, CodeUnknownResource, m.Code)
	assert.Equal(t, "ghosts", m.Text)
}

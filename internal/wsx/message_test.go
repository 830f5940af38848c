package wsx

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// ParseClientMessage tests
// ---------------------------------------------------------------------------

func TestParseClientMessageCreateSession(t *testing.T) {
	data := []byte(`{
		"meta": {
			"action": "create-session",
			"id": "c1",
			"timestamp": "2024-01-01T00:00:00Z",
			"username": "u",
			"secret": "p",
			"client_id": "ext-1",
			"client_name": "my-client"
		}
	}`)

	msg, err := ParseClientMessage(data, true)
	require.NoError(t, err)

	assert.Equal(t, ActionCreateSession, msg.Action)
	assert.Equal(t, "c1", msg.ID)
	assert.Equal(t, "2024-01-01T00:00:00Z", msg.Timestamp)
	assert.Equal(t, "u", msg.Username)
	assert.Equal(t, "p", msg.Secret)
	assert.Equal(t, "ext-1", msg.ExtClientID)
	assert.Equal(t, "my-client", msg.ExtClientName)
	assert.True(t, msg.IsAuth)
	assert.True(t, msg.HasMeta())
}

func TestParseClientMessageSecretIgnoredWithoutAuth(t *testing.T) {
	data := []byte(`{"meta":{"action":"create-session","id":"c1","secret":"p"}}`)

	msg, err := ParseClientMessage(data, false)
	require.NoError(t, err)
	assert.Empty(t, msg.Secret)
	assert.True(t, msg.IsAuth)
}

func TestParseClientMessageDefaultAction(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty object", `{}`},
		{"empty frame", ``},
		{"whitespace frame", `   `},
		{"data only", `{"data":{"x":1}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseClientMessage([]byte(tt.data), false)
			require.NoError(t, err)
			assert.Equal(t, ActionClientResponse, msg.Action)
			assert.False(t, msg.IsAuth)
			assert.False(t, msg.HasMeta())
		})
	}
}

func TestParseClientMessageClientResponse(t *testing.T) {
	data := []byte(`{
		"meta": {
			"action": "client-response",
			"id": "r1",
			"token": "ws.token.abc",
			"in_reply_to": "q1",
			"ctx": {"reply_to_sk": "zpsk.1", "deliver_to_sk": "zpsk.2"}
		},
		"data": {"ok": true}
	}`)

	msg, err := ParseClientMessage(data, false)
	require.NoError(t, err)

	assert.Equal(t, ActionClientResponse, msg.Action)
	assert.Equal(t, "q1", msg.InReplyTo)
	assert.Equal(t, "zpsk.1", msg.ReplyToSK)
	assert.Equal(t, "zpsk.2", msg.DeliverToSK)
	assert.Equal(t, "ws.token.abc", msg.Token)
	assert.JSONEq(t, `{"ok": true}`, string(msg.Data))
}

func TestParseClientMessageClientNameMap(t *testing.T) {
	data := []byte(`{"meta":{"action":"create-session","id":"c1","client_name":{"b":"2","a":"1","c":"3"}}}`)

	msg, err := ParseClientMessage(data, false)
	require.NoError(t, err)
	assert.Equal(t, "a: 1; b: 2; c: 3", msg.ExtClientName)
}

func TestParseClientMessageUnknownMetaPreserved(t *testing.T) {
	data := []byte(`{"meta":{"action":"invoke-service","id":"c1","x_custom":{"a":1},"another":"y"}}`)

	msg, err := ParseClientMessage(data, false)
	require.NoError(t, err)
	require.Len(t, msg.metaExtra, 2)
	assert.JSONEq(t, `{"a":1}`, string(msg.metaExtra["x_custom"]))
	assert.JSONEq(t, `"y"`, string(msg.metaExtra["another"]))
}

func TestParseClientMessageMalformed(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{not json`), false)
	require.Error(t, err)

	var protocolErr *ProtocolError
	assert.ErrorAs(t, err, &protocolErr)
}

func TestParseClientMessageUnknownTopLevelIgnored(t *testing.T) {
	data := []byte(`{"meta":{"id":"c1"},"data":{"x":1},"something_else":[1,2,3]}`)

	msg, err := ParseClientMessage(data, false)
	require.NoError(t, err)
	assert.Equal(t, "c1", msg.ID)
	assert.JSONEq(t, `{"x":1}`, string(msg.Data))
}

// ---------------------------------------------------------------------------
// Round trip
// ---------------------------------------------------------------------------

func TestClientMessageRoundTrip(t *testing.T) {
	original := []byte(`{
		"meta": {
			"action": "invoke-service",
			"id": "c7",
			"in_reply_to": "q9",
			"ctx": {"reply_to_sk": "zpsk.r", "deliver_to_sk": "zpsk.d"},
			"x_extra": {"keep": "me"}
		},
		"data": {"payload": [1, 2, 3]}
	}`)

	msg, err := ParseClientMessage(original, false)
	require.NoError(t, err)

	serialized, err := msg.Serialize(jsonIter.Marshal)
	require.NoError(t, err)

	reparsed, err := ParseClientMessage(serialized, false)
	require.NoError(t, err)

	assert.Equal(t, msg.Action, reparsed.Action)
	assert.Equal(t, msg.ID, reparsed.ID)
	assert.Equal(t, msg.InReplyTo, reparsed.InReplyTo)
	assert.Equal(t, msg.ReplyToSK, reparsed.ReplyToSK)
	assert.Equal(t, msg.DeliverToSK, reparsed.DeliverToSK)
	assert.JSONEq(t, string(msg.Data), string(reparsed.Data))
	assert.JSONEq(t, `{"keep":"me"}`, string(reparsed.metaExtra["x_extra"]))
}

func TestClientMessageSerializeOmitsSecret(t *testing.T) {
	msg, err := ParseClientMessage(
		[]byte(`{"meta":{"action":"create-session","id":"c1","username":"u","secret":"p"}}`), true)
	require.NoError(t, err)

	serialized, err := msg.Serialize(jsonIter.Marshal)
	require.NoError(t, err)
	assert.NotContains(t, string(serialized), `"secret"`)
	assert.Contains(t, string(serialized), `"username"`)
}

// ---------------------------------------------------------------------------
// Server message tests
// ---------------------------------------------------------------------------

func TestServerMessageVariants(t *testing.T) {
	tests := []struct {
		name    string
		msg     *ServerMessage
		checkFn func(t *testing.T, raw []byte)
	}{
		{
			name: "ok response",
			msg:  NewOKResponse("cid-1", "c1", map[string]any{"y": 2}),
			checkFn: func(t *testing.T, raw []byte) {
				assert.Contains(t, string(raw), `"status":"ok"`)
				assert.Contains(t, string(raw), `"in_reply_to":"c1"`)
				assert.Contains(t, string(raw), `"y":2`)
			},
		},
		{
			name: "error response",
			msg:  NewErrorResponse("cid-2", "c2", 422, "Invalid UTF-8 bytes"),
			checkFn: func(t *testing.T, raw []byte) {
				assert.Contains(t, string(raw), `"status":422`)
				assert.Contains(t, string(raw), `"reason":"Invalid UTF-8 bytes"`)
			},
		},
		{
			name: "forbidden",
			msg:  NewForbidden("cid-3"),
			checkFn: func(t *testing.T, raw []byte) {
				assert.Contains(t, string(raw), `"status":403`)
				assert.NotContains(t, string(raw), `"in_reply_to"`)
			},
		},
		{
			name: "authenticate",
			msg:  NewAuthenticateResponse("cid-4", "c4", "ws.token.v"),
			checkFn: func(t *testing.T, raw []byte) {
				assert.Contains(t, string(raw), `"token":"ws.token.v"`)
				assert.Contains(t, string(raw), `"status":"ok"`)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := tt.msg.Serialize(jsonIter.Marshal)
			require.NoError(t, err)
			tt.checkFn(t, raw)
		})
	}
}

func TestInvokeClientRequestHasFreshID(t *testing.T) {
	msg := NewInvokeClientRequest("cid-1", map[string]any{"x": 1}, nil)
	assert.NotEmpty(t, msg.Meta.ID)
	assert.NotEqual(t, msg.Meta.CID, msg.Meta.ID)
	assert.False(t, msg.isPubSub)
}

func TestInvokeClientPubSubRequestReusesCID(t *testing.T) {
	msg := NewInvokeClientPubSubRequest("zpsm123", map[string]any{"x": 1}, nil)
	assert.Equal(t, "zpsm123", msg.Meta.ID)
	assert.True(t, msg.isPubSub)
}

// ---------------------------------------------------------------------------
// Ping payload tests
// ---------------------------------------------------------------------------

func TestPingPayloadRoundTrip(t *testing.T) {
	id := newCID()
	payload := newPingPayload(id)

	// Control frame payloads must stay under the 125-byte limit.
	assert.Less(t, len(payload), 125)
	assert.Equal(t, id, parsePingPayload(payload))
}

func TestParsePingPayloadMalformed(t *testing.T) {
	assert.Empty(t, parsePingPayload([]byte(`not json`)))
	assert.Empty(t, parsePingPayload(nil))
}

// ---------------------------------------------------------------------------
// Serialization helpers
// ---------------------------------------------------------------------------

func TestServerMessageSerializeSanitizesData(t *testing.T) {
	msg := NewOKResponse("cid-1", "c1", map[string]any{
		"raw_bytes": []byte("hello"),
	})

	raw, err := msg.Serialize(jsonIter.Marshal)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	data := decoded["data"].(map[string]any)
	assert.Equal(t, "hello", data["raw_bytes"])
}

package realtime

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSocketURL(t *testing.T) {
	cases := []struct {
		base, path, want string
	}{
		{"http://localhost:8080", "", "ws://localhost:8080/socket.io/?EIO=4&transport=websocket"},
		{"https://api.kiekky.com/", "/socket.io", "wss://api.kiekky.com/socket.io/?EIO=4&transport=websocket"},
		{"https://api.kiekky.com/v1", "/rt/", "wss://api.kiekky.com/v1/rt/?EIO=4&transport=websocket"},
	}
	for _, tc := range cases {
		got, err := SocketURL(tc.base, tc.path)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}

	_, err := SocketURL("ftp://x", "")
	assert.Error(t, err)
}

func TestDecodeSocket(t *testing.T) {
	t.Run("event", func(t *testing.T) {
		p, err := DecodeSocket([]byte(`2["message",{"id":"m1"}]`))
		require.NoError(t, err)
		assert.Equal(t, SocketEvent, p.Type)
		assert.Equal(t, "/", p.Namespace)

		name, args, err := p.Event()
		require.NoError(t, err)
		assert.Equal(t, "message", name)
		require.Len(t, args, 1)
		assert.JSONEq(t, `{"id":"m1"}`, string(args[0]))
	})

	t.Run("namespace and ack id", func(t *testing.T) {
		p, err := DecodeSocket([]byte(`2/admin,13["ping"]`))
		require.NoError(t, err)
		assert.Equal(t, "/admin", p.Namespace)
		assert.True(t, p.HasAck)
		assert.Equal(t, 13, p.AckID)
	})

	t.Run("connect ack", func(t *testing.T) {
		p, err := DecodeSocket([]byte(`0{"sid":"abc"}`))
		require.NoError(t, err)
		assert.Equal(t, SocketConnect, p.Type)
		assert.JSONEq(t, `{"sid":"abc"}`, string(p.Data))
	})

	t.Run("bare disconnect", func(t *testing.T) {
		p, err := DecodeSocket([]byte(`1`))
		require.NoError(t, err)
		assert.Equal(t, SocketDisconnect, p.Type)
		assert.Nil(t, p.Data)
	})

	for _, bad := range []string{"", "9", `2{"broken`, `51-["bin",{"_placeholder":true,"num":0}]`} {
		_, err := DecodeSocket([]byte(bad))
		assert.ErrorIs(t, err, ErrMalformedPacket, bad)
	}
}

func TestEventRejectsNonEvents(t *testing.T) {
	p, err := DecodeSocket([]byte(`2[42]`))
	require.NoError(t, err)
	_, _, err = p.Event()
	assert.ErrorIs(t, err, ErrMalformedPacket)

	p, err = DecodeSocket([]byte(`0`))
	require.NoError(t, err)
	_, _, err = p.Event()
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestEncodeFrames(t *testing.T) {
	frame, err := EncodeEvent("join_chat", "c1")
	require.NoError(t, err)
	assert.Equal(t, `42["join_chat","c1"]`, string(frame))

	frame, err = EncodeEvent("message_seen", SeenPayload{MessageID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, `42["message_seen",{"messageId":"m1"}]`, string(frame))

	frame, err = EncodeConnect(map[string]string{"token": "t"})
	require.NoError(t, err)
	assert.Equal(t, `40{"token":"t"}`, string(frame))

	assert.Equal(t, "41", string(EncodeDisconnect()))
	assert.Equal(t, "3probe", string(EncodeEngine(EnginePong, []byte("probe"))))
	assert.Equal(t, `44{"message":"nope"}`, string(EncodeConnectError("nope")))
}

func TestDecodeEngine(t *testing.T) {
	typ, payload, err := DecodeEngine([]byte(`0{"sid":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, EngineOpen, typ)
	assert.Equal(t, `{"sid":"x"}`, string(payload))

	_, _, err = DecodeEngine([]byte("x"))
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "bad", errorMessage(json.RawMessage(`{"message":"bad"}`)))
	assert.Equal(t, "worse", errorMessage(json.RawMessage(`"worse"`)))
	assert.Equal(t, "", errorMessage(nil))
}

func TestIsAuthMessage(t *testing.T) {
	for _, msg := range []string{"Unauthorized", "Authentication error", "jwt malformed", "Token expired", "invalid token"} {
		assert.True(t, IsAuthMessage(msg), msg)
	}
	for _, msg := range []string{"rate limited", "conversation not found", ""} {
		assert.False(t, IsAuthMessage(msg), msg)
	}
}

// internal/realtime/protocol.go
// Socket.IO v5 packets carried over Engine.IO v4 websocket frames

package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Engine.IO packet types
const (
	EngineOpen    byte = '0'
	EngineClose   byte = '1'
	EnginePing    byte = '2'
	EnginePong    byte = '3'
	EngineMessage byte = '4'
	EngineUpgrade byte = '5'
	EngineNoop    byte = '6'
)

// Socket.IO packet types
const (
	SocketConnect      byte = '0'
	SocketDisconnect   byte = '1'
	SocketEvent        byte = '2'
	SocketAck          byte = '3'
	SocketConnectError byte = '4'
)

var ErrMalformedPacket = errors.New("malformed packet")

// OpenPayload is the Engine.IO handshake sent by the server
type OpenPayload struct {
	SID          string   `json:"sid" validate:"required"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval" validate:"gt=0"`
	PingTimeout  int      `json:"pingTimeout" validate:"gt=0"`
	MaxPayload   int      `json:"maxPayload,omitempty"`
}

// Packet is a decoded Socket.IO packet
type Packet struct {
	Type      byte
	Namespace string
	AckID     int
	HasAck    bool
	Data      json.RawMessage
}

// SocketURL builds the websocket endpoint for a backend base URL
func SocketURL(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if path == "" {
		path = "/socket.io/"
	}
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = url.Values{"EIO": {"4"}, "transport": {"websocket"}}.Encode()
	return u.String(), nil
}

// DecodeEngine splits a websocket frame into its Engine.IO type and payload
func DecodeEngine(frame []byte) (byte, []byte, error) {
	if len(frame) == 0 || frame[0] < EngineOpen || frame[0] > EngineNoop {
		return 0, nil, ErrMalformedPacket
	}
	return frame[0], frame[1:], nil
}

// EncodeEngine prefixes payload with an Engine.IO type
func EncodeEngine(typ byte, payload []byte) []byte {
	out := make([]byte, 0, len(payload)+1)
	out = append(out, typ)
	return append(out, payload...)
}

// DecodeSocket parses the payload of an Engine.IO message packet
func DecodeSocket(payload []byte) (*Packet, error) {
	if len(payload) == 0 || payload[0] < SocketConnect || payload[0] > '6' {
		return nil, ErrMalformedPacket
	}
	p := &Packet{Type: payload[0], Namespace: "/"}
	rest := payload[1:]

	// binary packets carry an attachment count we do not support
	if p.Type == '5' || p.Type == '6' {
		return nil, fmt.Errorf("%w: binary packets are not supported", ErrMalformedPacket)
	}

	if len(rest) > 0 && rest[0] == '/' {
		i := bytes.IndexByte(rest, ',')
		if i < 0 {
			p.Namespace = string(rest)
			return p, nil
		}
		p.Namespace = string(rest[:i])
		rest = rest[i+1:]
	}

	n := 0
	for n < len(rest) && rest[n] >= '0' && rest[n] <= '9' {
		n++
	}
	if n > 0 {
		p.HasAck = true
		for _, d := range rest[:n] {
			p.AckID = p.AckID*10 + int(d-'0')
		}
		rest = rest[n:]
	}

	if len(rest) > 0 {
		if !json.Valid(rest) {
			return nil, fmt.Errorf("%w: invalid json data", ErrMalformedPacket)
		}
		p.Data = json.RawMessage(rest)
	}
	return p, nil
}

// Event splits an event packet into its name and arguments
func (p *Packet) Event() (string, []json.RawMessage, error) {
	if p.Type != SocketEvent {
		return "", nil, fmt.Errorf("%w: not an event", ErrMalformedPacket)
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(p.Data, &parts); err != nil || len(parts) == 0 {
		return "", nil, fmt.Errorf("%w: event without name", ErrMalformedPacket)
	}
	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return "", nil, fmt.Errorf("%w: event name is not a string", ErrMalformedPacket)
	}
	return name, parts[1:], nil
}

// EncodeEvent builds the frame for an event on the default namespace
func EncodeEvent(name string, args ...any) ([]byte, error) {
	parts := make([]any, 0, len(args)+1)
	parts = append(parts, name)
	parts = append(parts, args...)
	data, err := json.Marshal(parts)
	if err != nil {
		return nil, err
	}
	return encodeSocket(SocketEvent, data), nil
}

// EncodeConnect builds the namespace connect frame carrying auth
func EncodeConnect(auth any) ([]byte, error) {
	if auth == nil {
		return encodeSocket(SocketConnect, nil), nil
	}
	data, err := json.Marshal(auth)
	if err != nil {
		return nil, err
	}
	return encodeSocket(SocketConnect, data), nil
}

// EncodeConnectError builds the frame a server sends to refuse a connect
func EncodeConnectError(message string) []byte {
	data, _ := json.Marshal(map[string]string{"message": message})
	return encodeSocket(SocketConnectError, data)
}

func EncodeDisconnect() []byte {
	return encodeSocket(SocketDisconnect, nil)
}

func encodeSocket(typ byte, data []byte) []byte {
	out := make([]byte, 0, len(data)+2)
	out = append(out, EngineMessage, typ)
	return append(out, data...)
}

// errorMessage extracts the text of an error payload, which servers send as
// either {"message": "..."} or a bare string.
func errorMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// Package sio encodes and decodes Socket.IO v5 packets carried over the Engine.IO v4
// websocket transport. Only the default namespace is supported.
package sio

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Engine.IO v4 packet types.
const (
	Open    byte = '0'
	Close   byte = '1'
	Ping    byte = '2'
	Pong    byte = '3'
	Message byte = '4'
	Noop    byte = '6'
)

// Socket.IO v5 packet types, carried inside an Engine.IO message.
const (
	Connect      byte = '0'
	Disconnect   byte = '1'
	Event        byte = '2'
	Ack          byte = '3'
	ConnectError byte = '4'
)

// Query is appended to the socket path to select the websocket transport.
const Query = "EIO=4&transport=websocket"

// ErrMalformed is returned for frames that are not valid packets.
var ErrMalformed = errors.New("sio: malformed packet")

// Packet is one decoded websocket text frame.
type Packet struct {
	// Type is the Engine.IO packet type.
	Type byte
	// SIO is the Socket.IO packet type when Type is Message.
	SIO byte
	// AckID is -1 when the packet carries no ack id.
	AckID int
	Data  json.RawMessage
}

// OpenPayload is the body of the Engine.IO open packet.
type OpenPayload struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload,omitempty"`
}

// Parse decodes a text frame.
func Parse(msg []byte) (Packet, error) {
	if len(msg) == 0 {
		return Packet{}, ErrMalformed
	}
	p := Packet{Type: msg[0], AckID: -1}
	if p.Type != Message {
		p.Data = msg[1:]
		return p, nil
	}
	if len(msg) < 2 {
		return Packet{}, ErrMalformed
	}
	p.SIO = msg[1]
	rest := msg[2:]
	// "42/admin,[...]"
	if len(rest) > 0 && rest[0] == '/' {
		i := bytes.IndexByte(rest, ',')
		if i < 0 {
			return p, nil
		}
		rest = rest[i+1:]
	}
	n := 0
	for n < len(rest) && rest[n] >= '0' && rest[n] <= '9' {
		n++
	}
	if n > 0 {
		id, err := strconv.Atoi(string(rest[:n]))
		if err != nil {
			return Packet{}, fmt.Errorf("%w: ack id: %v", ErrMalformed, err)
		}
		p.AckID = id
		rest = rest[n:]
	}
	p.Data = rest
	return p, nil
}

// EventArgs splits an event packet into its name and raw arguments.
func (p Packet) EventArgs() (string, []json.RawMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(p.Data, &parts); err != nil || len(parts) == 0 {
		return "", nil, ErrMalformed
	}
	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return "", nil, ErrMalformed
	}
	return name, parts[1:], nil
}

// AckArgs returns the arguments of an ack packet.
func (p Packet) AckArgs() ([]json.RawMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(p.Data, &parts); err != nil {
		return nil, ErrMalformed
	}
	return parts, nil
}

// EncodeOpen builds the Engine.IO open packet.
func EncodeOpen(o OpenPayload) ([]byte, error) {
	return prefixed([]byte{Open}, o)
}

// EncodeConnect builds "40<payload>". A nil payload yields a bare "40".
func EncodeConnect(payload any) ([]byte, error) {
	if payload == nil {
		return []byte{Message, Connect}, nil
	}
	return prefixed([]byte{Message, Connect}, payload)
}

// EncodeConnectError builds "44{"message": msg}".
func EncodeConnectError(msg string) ([]byte, error) {
	return prefixed([]byte{Message, ConnectError}, map[string]string{"message": msg})
}

// EncodeEvent builds "42<ackID>[name, args...]"; a negative ackID omits the id.
func EncodeEvent(ackID int, name string, args ...any) ([]byte, error) {
	out := []byte{Message, Event}
	if ackID >= 0 {
		out = strconv.AppendInt(out, int64(ackID), 10)
	}
	return prefixed(out, append([]any{name}, args...))
}

// EncodeAck builds "43<ackID>[args...]".
func EncodeAck(ackID int, args ...any) ([]byte, error) {
	if args == nil {
		args = []any{}
	}
	return prefixed(strconv.AppendInt([]byte{Message, Ack}, int64(ackID), 10), args)
}

func prefixed(prefix []byte, v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(prefix, raw...), nil
}

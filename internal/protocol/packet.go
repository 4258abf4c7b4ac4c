// Package protocol defines the JSON frames exchanged with a heim server.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PacketType names a frame. Server pushed events end in "-event" and replies
// to client requests end in "-reply".
type PacketType string

func (c PacketType) Event() PacketType { return c + "-event" }
func (c PacketType) Reply() PacketType { return c + "-reply" }

// IsEvent reports whether the type names a server pushed event.
func (c PacketType) IsEvent() bool { return strings.HasSuffix(string(c), "-event") }

// IsReply reports whether the type names a reply to a client request.
func (c PacketType) IsReply() bool { return strings.HasSuffix(string(c), "-reply") }

var (
	AuthType      = PacketType("auth")
	AuthReplyType = AuthType.Reply()

	SendType      = PacketType("send")
	SendEventType = SendType.Event()
	SendReplyType = SendType.Reply()

	EditMessageType      = PacketType("edit-message")
	EditMessageEventType = EditMessageType.Event()
	EditMessageReplyType = EditMessageType.Reply()

	JoinEventType = PacketType("join").Event()
	PartEventType = PacketType("part").Event()

	LogType      = PacketType("log")
	LogEventType = LogType.Event()
	LogReplyType = LogType.Reply()

	NickType      = PacketType("nick")
	NickEventType = NickType.Event()
	NickReplyType = NickType.Reply()

	PingType      = PacketType("ping")
	PingEventType = PingType.Event()
	PingReplyType = PingType.Reply()

	WhoType      = PacketType("who")
	WhoEventType = WhoType.Event()
	WhoReplyType = WhoType.Reply()

	BounceEventType   = PacketType("bounce").Event()
	NetworkEventType  = PacketType("network").Event()
	SnapshotEventType = PacketType("snapshot").Event()

	ErrorReplyType = PacketType("error").Reply()
)

// Packet is the envelope of every frame. Data stays raw until a consumer
// decodes it with Payload.
type Packet struct {
	ID    string          `json:"id,omitempty"`
	Type  PacketType      `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// NewPacket builds an outbound packet, encoding payload into Data. A nil
// payload yields an empty object.
func NewPacket(t PacketType, payload any) (*Packet, error) {
	p := &Packet{Type: t}
	if payload == nil {
		p.Data = json.RawMessage("{}")
		return p, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", t, err)
	}
	p.Data = data
	return p, nil
}

// Payload decodes Data into v. A missing or null payload leaves v untouched.
func (p *Packet) Payload(v any) error {
	if len(p.Data) == 0 || string(p.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(p.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", p.Type, err)
	}
	return nil
}

// HasData reports whether the packet carries a non-null payload.
func (p *Packet) HasData() bool {
	return len(p.Data) > 0 && string(p.Data) != "null"
}

// Decode parses a raw frame.
func Decode(raw []byte) (*Packet, error) {
	var p Packet
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode packet: %w", err)
	}
	return &p, nil
}

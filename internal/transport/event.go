package transport

import "github.com/465583030/heim/internal/protocol"

// Status tags a transport event.
type Status int

const (
	StatusOpen Status = iota + 1
	StatusClose
	StatusReceive
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusClose:
		return "close"
	case StatusReceive:
		return "receive"
	}
	return "unknown"
}

// Event is delivered for every connection change and inbound frame. Receive
// events carry the parsed Body; a frame that failed to parse has a nil Body,
// the raw bytes and the parse error.
type Event struct {
	Status Status
	Body   *protocol.Packet
	Raw    []byte
	Err    error
}

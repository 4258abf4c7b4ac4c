package session

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/465583030/heim/internal/protocol"
	"github.com/465583030/heim/internal/transport"
	"github.com/465583030/heim/internal/tree"
)

type fakeTransport struct {
	rooms []string
	sent  []*protocol.Packet
	seq   int
	pings int
}

func (f *fakeTransport) Connect(room string) { f.rooms = append(f.rooms, room) }

func (f *fakeTransport) Send(p *protocol.Packet) string {
	if p.ID == "" {
		p.ID = strconv.Itoa(f.seq)
		f.seq++
	}
	f.sent = append(f.sent, p)
	return p.ID
}

func (f *fakeTransport) PingIfIdle() { f.pings++ }

func (f *fakeTransport) reset() { f.sent = nil }

func (f *fakeTransport) types() []protocol.PacketType {
	out := make([]protocol.PacketType, 0, len(f.sent))
	for _, p := range f.sent {
		out = append(out, p.Type)
	}
	return out
}

func (f *fakeTransport) last(t *testing.T) *protocol.Packet {
	t.Helper()
	require.NotEmpty(t, f.sent, "nothing sent")
	return f.sent[len(f.sent)-1]
}

type fakeReporter struct {
	contexts []UserContext
}

func (r *fakeReporter) SetUserContext(c UserContext) { r.contexts = append(r.contexts, c) }

type harness struct {
	*Machine
	tp       *fakeTransport
	settings *MemorySettings
	reporter *fakeReporter
	triggers int
	changed  [][]string
	received []tree.Node
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		tp:       &fakeTransport{},
		settings: NewMemorySettings(),
		reporter: &fakeReporter{},
	}
	h.Machine = New(Config{Transport: h.tp, Settings: h.settings, Reporter: h.reporter})
	h.Subscribe(func(*State) { h.triggers++ })
	h.OnMessagesChanged(func(ids []string, _ *State) { h.changed = append(h.changed, ids) })
	h.OnMessageReceived(func(n tree.Node, _ *State) { h.received = append(h.received, n) })
	return h
}

func (h *harness) recv(t *testing.T, raw string) {
	t.Helper()
	p, err := protocol.Decode([]byte(raw))
	require.NoError(t, err)
	h.HandleEvent(transport.Event{Status: transport.StatusReceive, Body: p, Raw: []byte(raw)})
}

// named gives the machine a confirmed nick, which focusing requires.
func (h *harness) named() { h.state.Nick = "tester" }

func (h *harness) open()  { h.HandleEvent(transport.Event{Status: transport.StatusOpen}) }
func (h *harness) close() { h.HandleEvent(transport.Event{Status: transport.StatusClose}) }

func (h *harness) node(t *testing.T, id string) tree.Node {
	t.Helper()
	n, ok := h.State().Messages.Get(id)
	require.True(t, ok, "message %s missing", id)
	return n
}

const (
	message1 = `{"id":"id1","time":123456,"sender":{"session_id":"32.64.96.128:12345","id":"agent:tester1","name":"tester"},"content":"test"}`
	message2 = `{"id":"id2","time":123457,"sender":{"session_id":"32.64.96.128:12345","id":"agent:tester1","name":"tester"},"content":"test2"}`
	message3 = `{"id":"id3","parent":"id2","time":123458,"sender":{"session_id":"32.64.96.128:12346","id":"agent:tester2","name":"tester2"},"content":"test3"}`
	message0 = `{"id":"id0","time":123460,"sender":{"session_id":"32.64.96.128:12345","id":"agent:tester1","name":"tester"},"content":"test"}`

	logReply      = `{"id":"0","type":"log-reply","data":{"log":[` + message1 + `,` + message2 + `,` + message3 + `]}}`
	moreLogReply  = `{"id":"0","type":"log-reply","data":{"log":[` + message0 + `],"before":"id1"}}`
	emptyLogReply = `{"id":"0","type":"log-reply","data":{"log":[]}}`
	laterLogReply = `{"id":"0","type":"log-reply","data":{"log":[{"id":"id9","time":223460,"sender":{"session_id":"32.64.96.128:12345","id":"agent:tester1","name":"tester"},"content":"hello?"}]}}`

	listingJSON = `[
		{"session_id":"32.64.96.128:12344","id":"agent:tester1","name":"000tester","server_id":"1a2a3a4a5a6a","server_era":"1b2b3b4b5b6b"},
		{"session_id":"32.64.96.128:12345","id":"agent:tester1","name":"guest","server_id":"1a2a3a4a5a6a","server_era":"1b2b3b4b5b6b"},
		{"session_id":"32.64.96.128:12346","id":"agent:tester2","name":"tester2","server_id":"1x2x3x4x5x6x","server_era":"1y2y3y4y5y6y"}]`

	whoReply      = `{"id":"0","type":"who-reply","data":{"listing":` + listingJSON + `}}`
	nickReply     = `{"id":"1","type":"nick-reply","data":{"session_id":"32.64.96.128:12345","id":"agent:tester1","from":"guest","to":"tester"}}`
	snapshotEvent = `{"id":"","type":"snapshot-event","data":{"version":"deadbeef","identity":"agent:tester1","session_id":"aabbccddeeff0011-00000abc","listing":` + listingJSON + `,"log":[` + message1 + `,` + message2 + `,` + message3 + `]}}`

	bounceEvent          = `{"id":"1","type":"bounce-event","data":{"reason":"authentication required","auth_options":null}}`
	successfulAuthReply  = `{"id":"1","type":"auth-reply","data":{"success":true}}`
	incorrectAuthReply   = `{"id":"1","type":"auth-reply","data":{"success":false,"reason":"passcode incorrect"}}`
	errorAuthReply       = `{"id":"1","type":"auth-reply","data":null,"error":"command not implemented"}`
	rejectedNickReply    = `{"id":"1","type":"nick-reply","error":"error"}`
	nonexistentNickEvent = `{"id":"2","type":"nick-event","data":{"session_id":"32.64.96.128:54321","id":"agent:noman","from":"nonexistence","to":"absence"}}`
	joinEvent            = `{"id":"1","type":"join-event","data":{"session_id":"32.64.96.128:12347","id":"agent:someone","name":"32.64.96.128:12347","server_id":"1a2a3a4a5a6a","server_era":"1b2b3b4b5b6b"}}`
	partEvent            = `{"id":"1","type":"part-event","data":{"session_id":"32.64.96.128:12345","id":"agent:tester1","name":"tester"}}`
	partitionEvent       = `{"id":"1","type":"network-event","data":{"type":"partition","server_id":"1a2a3a4a5a6a","server_era":"1b2b3b4b5b6b"}}`
	deleteEvent          = `{"id":"0","type":"edit-message-event","data":{"id":"id1","time":123456,"sender":{"session_id":"32.64.96.128:12345","id":"agent:tester1","name":"tester"},"content":"test","deleted":12345}}`
)

var storedSettings = Settings{
	Nick: "tester",
	Auth: &Auth{Type: AuthTypePasscode, Data: "hunter2"},
}

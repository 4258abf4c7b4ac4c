// Package notify decides when a received message should raise a desktop
// style notification. Delivery is left to a Sink.
package notify

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/465583030/heim/internal/session"
	"github.com/465583030/heim/internal/tree"
)

type Kind string

const (
	KindMessage Kind = "message"
	KindMention Kind = "mention"
)

type Notification struct {
	Kind      Kind   `json:"kind"`
	Room      string `json:"room"`
	MessageID string `json:"messageId"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Time      int64  `json:"time"`
}

type Sink interface {
	Notify(Notification)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Notification)

func (f SinkFunc) Notify(n Notification) { f(n) }

type Config struct {
	Sink    Sink
	Enabled bool
	Logger  *zerolog.Logger
}

// Notifier tracks window focus and the newest message time. While a
// notification is showing, further plain messages are coalesced into it
// until the window regains focus.
type Notifier struct {
	sink   Sink
	logger zerolog.Logger

	mu      sync.Mutex
	enabled bool
	focused bool
	showing bool
	latest  int64
}

func New(cfg Config) *Notifier {
	if cfg.Logger == nil {
		l := log.Logger.With().Str("component", "notify").Logger()
		cfg.Logger = &l
	}
	return &Notifier{
		sink:    cfg.Sink,
		logger:  *cfg.Logger,
		enabled: cfg.Enabled,
		focused: true,
	}
}

// Attach subscribes to messages received by m. It must be called from the
// goroutine that owns m. The returned func detaches.
func (n *Notifier) Attach(m *session.Machine) func() {
	return m.OnMessageReceived(n.Received)
}

func (n *Notifier) Enable()  { n.setEnabled(true) }
func (n *Notifier) Disable() { n.setEnabled(false) }

func (n *Notifier) setEnabled(v bool) {
	n.mu.Lock()
	n.enabled = v
	n.mu.Unlock()
}

func (n *Notifier) Enabled() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.enabled
}

// Focus records window focus. Gaining focus dismisses the current
// notification.
func (n *Notifier) Focus(focused bool) {
	n.mu.Lock()
	n.focused = focused
	if focused {
		n.showing = false
	}
	n.mu.Unlock()
}

// Received handles one newly delivered message.
func (n *Notifier) Received(node tree.Node, st *session.State) {
	if node.Sender != nil && st.SessionID != "" && node.Sender.SessionID == st.SessionID {
		return
	}
	if node.Seen || node.Deleted != 0 {
		return
	}

	n.mu.Lock()
	if node.Time <= n.latest {
		n.mu.Unlock()
		return
	}
	n.latest = node.Time

	kind := KindMessage
	if node.Mention {
		kind = KindMention
	}
	// mentions notify even when notifications are off and replace whatever
	// is showing; plain messages need them on and nothing showing
	switch {
	case n.focused:
		n.mu.Unlock()
		return
	case kind == KindMessage && (!n.enabled || n.showing):
		n.mu.Unlock()
		return
	}
	n.showing = true
	n.mu.Unlock()

	out := Notification{
		Kind:      kind,
		Room:      st.RoomName,
		MessageID: node.ID,
		Title:     title(kind, st.RoomName),
		Body:      body(node),
		Time:      node.Time,
	}
	n.logger.Debug().Str("kind", string(kind)).Str("id", node.ID).Msg("[notify] notification")
	if n.sink != nil {
		n.sink.Notify(out)
	}
}

func title(kind Kind, room string) string {
	if kind == KindMention {
		return "mentioned in &" + room
	}
	return "new message in &" + room
}

func body(node tree.Node) string {
	if node.Sender == nil {
		return node.Content
	}
	return node.Sender.Name + ": " + node.Content
}

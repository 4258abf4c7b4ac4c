package main

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/465583030/heim/internal/notify"
	"github.com/465583030/heim/internal/render"
	"github.com/465583030/heim/internal/session"
)

// frame is what browser views receive over /ws.
type frame struct {
	Type         string               `json:"type"` // "state" | "notification"
	State        *session.State       `json:"state,omitempty"`
	People       []render.Person      `json:"people,omitempty"`
	Thread       *render.Thread       `json:"thread,omitempty"`
	Notification *notify.Notification `json:"notification,omitempty"`
}

// stateFrame must run on the session goroutine. The thread is rebuilt only
// after the message tree has changed.
func (h *hub) stateFrame(st *session.State) frame {
	if h.thread == nil || h.threadStale {
		th := render.Build(st.Messages, render.Options{})
		h.thread = &th
		h.threadStale = false
		h.builds++
	}
	return frame{Type: "state", State: st, People: render.People(st.Who), Thread: h.thread}
}

type client struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (c *client) write(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// hub fans session snapshots out to connected browser views. Snapshots are
// encoded on the session goroutine and written by a separate pump so slow
// views never stall the engine; only the newest snapshot is kept.
type hub struct {
	machine  *session.Machine
	notifier *notify.Notifier

	// owned by the session goroutine
	thread      *render.Thread
	threadStale bool
	builds      int

	mu     sync.Mutex
	conns  map[*client]struct{}
	latest []byte
	wg     sync.WaitGroup

	dirty chan struct{}
	notes chan []byte
	done  chan struct{}
	once  sync.Once
}

// newHub must run before the machine's Run loop starts.
func newHub(m *session.Machine) *hub {
	h := &hub{
		machine: m,
		conns:   map[*client]struct{}{},
		dirty:   make(chan struct{}, 1),
		notes:   make(chan []byte, 16),
		done:    make(chan struct{}),
	}
	m.OnMessagesChanged(func([]string, *session.State) { h.threadStale = true })
	m.Subscribe(h.stateChanged)
	h.stateChanged(m.State())
	go h.pump()
	return h
}

func (h *hub) attach(n *notify.Notifier) {
	h.notifier = n
}

func (h *hub) stateChanged(st *session.State) {
	data, err := json.Marshal(h.stateFrame(st))
	if err != nil {
		log.Error().Err(err).Msg("[heimchat] encode state")
		return
	}
	h.mu.Lock()
	h.latest = data
	h.mu.Unlock()
	select {
	case h.dirty <- struct{}{}:
	default:
	}
}

func (h *hub) notify(n notify.Notification) {
	log.Info().Str("kind", string(n.Kind)).Msgf("[heimchat] %s: %s", n.Title, n.Body)
	data, err := json.Marshal(frame{Type: "notification", Notification: &n})
	if err != nil {
		return
	}
	select {
	case h.notes <- data:
	default:
	}
}

func (h *hub) pump() {
	for {
		var data []byte
		select {
		case <-h.done:
			return
		case <-h.dirty:
			h.mu.Lock()
			data = h.latest
			h.mu.Unlock()
		case data = <-h.notes:
		}
		h.broadcast(data)
	}
}

func (h *hub) broadcast(data []byte) {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.conns))
	for c := range h.conns {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		if err := c.write(data); err != nil {
			log.Debug().Err(err).Msg("[heimchat] view write failed")
		}
	}
}

// add registers a view and sends it the newest snapshot.
func (h *hub) add(conn *websocket.Conn) *client {
	c := &client{conn: conn}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	latest := h.latest
	h.mu.Unlock()
	if latest != nil {
		_ = c.write(latest)
	}
	return c
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

// closeAll force-closes all active websocket connections (used during shutdown).
func (h *hub) closeAll() {
	h.once.Do(func() { close(h.done) })
	h.mu.Lock()
	clients := make([]*client, 0, len(h.conns))
	for c := range h.conns {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.wmu.Lock()
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"))
		_ = c.conn.Close()
		c.wmu.Unlock()
	}
}

// wait blocks until all websocket handler goroutines have finished.
func (h *hub) wait() {
	h.wg.Wait()
}

// command is a request from a browser view.
type command struct {
	Type     string   `json:"type"`
	Content  string   `json:"content,omitempty"`
	Parent   string   `json:"parent,omitempty"`
	Name     string   `json:"name,omitempty"`
	Passcode string   `json:"passcode,omitempty"`
	ID       string   `json:"id,omitempty"`
	IDs      []string `json:"ids,omitempty"`
	Text     string   `json:"text,omitempty"`
	Focused  bool     `json:"focused,omitempty"`
	Enabled  bool     `json:"enabled,omitempty"`
}

// apply forwards cmd to the session goroutine. Unknown commands are ignored.
func (h *hub) apply(ctx context.Context, cmd command) error {
	var fn func(*session.Machine)
	switch cmd.Type {
	case "send":
		fn = func(m *session.Machine) { m.SendMessage(cmd.Content, cmd.Parent) }
	case "nick":
		fn = func(m *session.Machine) { m.SetNick(cmd.Name) }
	case "passcode":
		fn = func(m *session.Machine) { m.TryRoomPasscode(cmd.Passcode) }
	case "focus":
		fn = func(m *session.Machine) { m.FocusMessage(cmd.ID) }
	case "toggle-focus":
		fn = func(m *session.Machine) { m.ToggleFocusMessage(cmd.ID, cmd.Parent) }
	case "entry":
		fn = func(m *session.Machine) { m.SetEntryText(cmd.Text) }
	case "more-logs":
		fn = func(m *session.Machine) { m.LoadMoreLogs() }
	case "seen":
		fn = func(m *session.Machine) { m.MarkSeen(cmd.IDs...) }
	case "window-focus":
		if h.notifier != nil {
			h.notifier.Focus(cmd.Focused)
		}
		fn = func(m *session.Machine) { m.FocusChange(cmd.Focused) }
	case "notifications":
		if h.notifier != nil {
			if cmd.Enabled {
				h.notifier.Enable()
			} else {
				h.notifier.Disable()
			}
		}
		return nil
	default:
		log.Debug().Str("type", cmd.Type).Msg("[heimchat] unknown view command")
		return nil
	}
	return h.machine.Do(ctx, fn)
}

package session

import (
	"github.com/465583030/heim/internal/protocol"
	"github.com/465583030/heim/internal/tree"
)

// Connect records the room, loads its stored settings and opens the
// transport.
func (m *Machine) Connect(room string) {
	m.state.RoomName = room
	settings, err := m.settings.Load(room)
	if err != nil {
		m.logger.Warn().Err(err).Str("room", room).Msg("[session] load settings failed")
	}
	m.applySettings(settings)
	if m.transport != nil {
		m.transport.Connect(room)
	}
	m.trigger()
}

// StorageChange applies settings that changed outside the machine.
func (m *Machine) StorageChange(s Settings) {
	m.applySettings(s)
	m.trigger()
}

func (m *Machine) applySettings(s Settings) {
	m.stored = s
	if s.Auth != nil {
		m.state.AuthType = s.Auth.Type
		m.state.AuthData = s.Auth.Data
	}
	if m.state.Nick == "" && s.Nick != "" {
		m.state.TentativeNick = s.Nick
	}
}

// JoinRoom records the intent to join. The join completes once a snapshot
// has been received on the current connection, now or after a reconnect.
func (m *Machine) JoinRoom() {
	m.joinRequested = true
	if m.state.CanJoin && !m.state.Joined {
		m.join()
	}
	m.trigger()
}

func (m *Machine) join() {
	m.state.Joined = true
	if m.state.AuthType == "" {
		m.state.AuthType = AuthTypePublic
	}
	m.state.AuthState = AuthNone
	if !m.nickSent {
		if nick := m.state.CurrentNick(); nick != "" {
			m.sendNick(nick)
		}
	}
}

// SendMessage posts content under parent. An empty parent or the root id
// posts a top-level message. Nothing is added locally until the server
// echoes the message back.
func (m *Machine) SendMessage(content, parent string) string {
	if parent == tree.RootID {
		parent = ""
	}
	return m.send(protocol.SendType, protocol.SendCommand{Content: content, Parent: parent})
}

// SetNick requests a nick change. It does nothing when name is already the
// confirmed nick or the one awaiting confirmation.
func (m *Machine) SetNick(name string) {
	if name == m.state.Nick || name == m.pendingNick {
		return
	}
	m.state.TentativeNick = name
	m.sendNick(name)
	m.trigger()
}

func (m *Machine) sendNick(name string) {
	m.pendingNick = name
	m.nickSent = true
	m.send(protocol.NickType, protocol.NickCommand{Name: name})
}

// TryRoomPasscode attempts passcode authentication.
func (m *Machine) TryRoomPasscode(code string) {
	m.state.AuthData = code
	m.state.AuthState = AuthTrying
	m.send(protocol.AuthType, protocol.AuthCommand{Type: protocol.AuthPasscode, Passcode: code})
	m.trigger()
}

// ToggleFocusMessage moves the composition focus. Focusing an already
// focused message clears focus; a reply whose parent is not focused focuses
// the parent first.
func (m *Machine) ToggleFocusMessage(id, parent string) {
	switch {
	case m.state.FocusedMessage == id:
		m.FocusMessage("")
	case parent != "" && parent != tree.RootID && m.state.FocusedMessage != parent:
		m.FocusMessage(parent)
	default:
		m.FocusMessage(id)
	}
}

// FocusMessage marks id as the entry target, clearing the previous one. An
// empty id clears focus. Unknown ids are ignored, and nothing changes until
// the server has confirmed a nick.
func (m *Machine) FocusMessage(id string) {
	if m.state.Nick == "" || id == m.state.FocusedMessage {
		return
	}
	if id != "" && !m.tree.Has(id) {
		m.logger.Debug().Str("id", id).Msg("[session] focus on unknown message")
		return
	}
	var changed []string
	if prev := m.state.FocusedMessage; prev != "" && m.tree.MergeNode(prev, tree.Fields{Entry: tree.Ptr(false)}) {
		changed = append(changed, prev)
	}
	if id != "" && m.tree.MergeNode(id, tree.Fields{Entry: tree.Ptr(true)}) {
		changed = append(changed, id)
	}
	m.state.FocusedMessage = id
	m.messagesChanged(changed)
	m.trigger()
}

// SetEntryText stores the text being composed.
func (m *Machine) SetEntryText(text string) {
	if text == m.state.EntryText {
		return
	}
	m.state.EntryText = text
	m.trigger()
}

// SetRoomSettings deep-merges partial into the room settings.
func (m *Machine) SetRoomSettings(partial map[string]any) {
	mergeSettings(m.state.RoomSettings, partial)
	m.trigger()
}

// LoadMoreLogs requests the page of history before the earliest loaded
// message. It does nothing before the first log arrives or while a request
// is in flight.
func (m *Machine) LoadMoreLogs() {
	if m.state.EarliestLog == "" || m.logRequest != "" {
		return
	}
	before := m.state.EarliestLog
	id := m.send(protocol.LogType, protocol.LogCommand{N: m.page, Before: before})
	if id == "" {
		return
	}
	m.logRequest = id
	m.logBefore = before
	m.state.LoadingLogs = true
	m.trigger()
}

func (m *Machine) clearLogRequest() {
	m.logRequest = ""
	m.logBefore = ""
	m.state.LoadingLogs = false
}

// FocusChange reacts to the window gaining or losing focus. Regaining focus
// while connected checks the connection is still alive.
func (m *Machine) FocusChange(windowFocused bool) {
	if windowFocused && m.state.Connected == ConnUp && m.transport != nil {
		m.transport.PingIfIdle()
	}
}

// MarkSeen flags messages as seen so they drop out of unseen counts.
func (m *Machine) MarkSeen(ids ...string) {
	var changed []string
	for _, id := range ids {
		if m.tree.MergeNode(id, tree.Fields{Seen: tree.Ptr(true)}) {
			changed = append(changed, id)
		}
	}
	if len(changed) == 0 {
		return
	}
	m.messagesChanged(changed)
	m.trigger()
}

// Seed loads cached messages into the tree, typically before connecting.
func (m *Machine) Seed(msgs []protocol.Message) {
	m.addLog(msgs, "")
	m.trigger()
}

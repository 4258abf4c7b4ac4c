package session

import (
	"github.com/465583030/heim/internal/protocol"
	"github.com/465583030/heim/internal/roster"
	"github.com/465583030/heim/internal/transport"
	"github.com/465583030/heim/internal/tree"
)

// HandleEvent applies one transport event and notifies subscribers when the
// state changed. Frames that fail to parse and unknown packet types are
// ignored.
func (m *Machine) HandleEvent(ev transport.Event) {
	switch ev.Status {
	case transport.StatusOpen:
		m.handleOpen()
	case transport.StatusClose:
		m.handleClose()
	case transport.StatusReceive:
		if ev.Body == nil {
			m.logger.Debug().Err(ev.Err).Msg("[session] ignoring unparsable frame")
			return
		}
		if !m.handlePacket(ev.Body) {
			return
		}
	default:
		return
	}
	m.trigger()
}

func (m *Machine) handleOpen() {
	m.state.Connected = ConnUp
	m.nickSent = false
	m.pendingNick = ""
	m.clearLogRequest()

	if auth := m.stored.Auth; auth != nil && auth.Data != "" {
		m.state.AuthState = AuthTryingStored
		m.state.AuthData = auth.Data
		m.send(protocol.AuthType, protocol.AuthCommand{Type: protocol.AuthPasscode, Passcode: auth.Data})
	}
	m.send(protocol.LogType, protocol.LogCommand{N: m.backlog})
	m.send(protocol.WhoType, nil)
	if nick := m.state.CurrentNick(); nick != "" {
		m.sendNick(nick)
	}
}

func (m *Machine) handleClose() {
	m.state.Connected = ConnDown
	m.state.Joined = false
	m.state.CanJoin = false
	m.pendingNick = ""
	m.clearLogRequest()
}

func (m *Machine) handlePacket(p *protocol.Packet) bool {
	switch p.Type {
	case protocol.SendEventType, protocol.SendReplyType:
		return m.handleSend(p)
	case protocol.LogReplyType, protocol.LogEventType:
		return m.handleLog(p)
	case protocol.SnapshotEventType:
		return m.handleSnapshot(p)
	case protocol.WhoReplyType, protocol.WhoEventType:
		return m.handleWho(p)
	case protocol.EditMessageEventType, protocol.EditMessageReplyType:
		return m.handleEdit(p)
	case protocol.JoinEventType:
		return m.handleJoin(p)
	case protocol.PartEventType:
		return m.handlePart(p)
	case protocol.NickReplyType, protocol.NickEventType:
		return m.handleNick(p)
	case protocol.NetworkEventType:
		return m.handleNetwork(p)
	case protocol.BounceEventType:
		return m.handleBounce(p)
	case protocol.AuthReplyType:
		return m.handleAuth(p)
	}
	return false
}

func (m *Machine) decode(p *protocol.Packet, v any) bool {
	if p.Error != "" {
		m.logger.Warn().Str("type", string(p.Type)).Str("error", p.Error).Msg("[session] server error")
		return false
	}
	if err := p.Payload(v); err != nil {
		m.logger.Warn().Err(err).Msg("[session] bad payload")
		return false
	}
	return true
}

func (m *Machine) handleSend(p *protocol.Packet) bool {
	var msg protocol.Message
	if !m.decode(p, &msg) || msg.ID == "" {
		return false
	}
	ids := m.tree.Add(m.toNode(msg))
	m.who.Touch(msg.Sender.SessionID, msg.Time)
	if len(ids) == 0 {
		return false
	}
	if n, ok := m.tree.Get(msg.ID); ok {
		m.messageReceived(n)
	}
	m.messagesChanged(ids)
	return true
}

func (m *Machine) handleLog(p *protocol.Packet) bool {
	var reply protocol.LogReply
	ok := m.decode(p, &reply)
	inflight := m.logRequest != "" &&
		(p.ID == m.logRequest || (reply.Before != "" && reply.Before == m.logBefore))
	if inflight {
		m.clearLogRequest()
	}
	if !ok {
		return inflight
	}
	m.addLog(reply.Log, reply.Before)
	return true
}

func (m *Machine) handleSnapshot(p *protocol.Packet) bool {
	var snap protocol.SnapshotEvent
	if !m.decode(p, &snap) {
		return false
	}
	m.state.ServerVersion = snap.Version
	m.state.SessionID = snap.SessionID
	m.state.Identity = snap.Identity
	m.who.Replace(listing(snap.Listing))
	m.addLog(snap.Log, "")
	m.state.CanJoin = true
	if m.joinRequested {
		m.join()
	}
	return true
}

func (m *Machine) handleWho(p *protocol.Packet) bool {
	var reply protocol.WhoReply
	if !m.decode(p, &reply) {
		return false
	}
	m.who.Replace(listing(reply.Listing))
	return true
}

func (m *Machine) handleEdit(p *protocol.Packet) bool {
	var msg protocol.Message
	if !m.decode(p, &msg) || !m.tree.Has(msg.ID) {
		return false
	}
	var f tree.Fields
	if msg.Deleted != 0 {
		f.Deleted = tree.Ptr(msg.Deleted)
	}
	if msg.Content != "" {
		f.Content = tree.Ptr(msg.Content)
	}
	if msg.Edited != 0 {
		f.Edited = tree.Ptr(msg.Edited)
	}
	if !m.tree.MergeNode(msg.ID, f) {
		return false
	}
	m.messagesChanged([]string{msg.ID})
	return true
}

func (m *Machine) handleJoin(p *protocol.Packet) bool {
	var sv protocol.SessionView
	if !m.decode(p, &sv) {
		return false
	}
	m.who.Upsert(entry(sv))
	return true
}

func (m *Machine) handlePart(p *protocol.Packet) bool {
	var sv protocol.SessionView
	if !m.decode(p, &sv) {
		return false
	}
	return m.who.Remove(sv.SessionID)
}

func (m *Machine) handleNick(p *protocol.Packet) bool {
	if p.Error != "" {
		m.logger.Info().Str("nick", m.pendingNick).Str("error", p.Error).Msg("[session] nick rejected")
		m.pendingNick = ""
		return true
	}
	var nr protocol.NickReply
	if !m.decode(p, &nr) {
		return false
	}
	e, ok := m.who.Get(nr.SessionID)
	if !ok {
		e = roster.Entry{SessionID: nr.SessionID, ID: nr.ID}
	}
	e.Name = nr.To
	m.who.Upsert(e)

	if p.Type == protocol.NickReplyType || nr.SessionID == m.state.SessionID {
		m.confirmNick(nr.ID, nr.To)
	}
	return true
}

func (m *Machine) confirmNick(id, nick string) {
	m.state.Nick = nick
	m.state.TentativeNick = nick
	m.pendingNick = ""
	m.stored.Nick = nick
	if err := m.settings.SetNick(m.state.RoomName, nick); err != nil {
		m.logger.Warn().Err(err).Msg("[session] persist nick")
	}
	if m.reporter != nil {
		m.reporter.SetUserContext(UserContext{ID: id, Nick: nick, SessionID: m.state.SessionID})
	}
}

func (m *Machine) handleNetwork(p *protocol.Packet) bool {
	var ev protocol.NetworkEvent
	if !m.decode(p, &ev) || ev.Type != "partition" {
		return false
	}
	n := m.who.RemoveByShard(ev.ServerID, ev.ServerEra)
	m.logger.Info().Str("server_id", ev.ServerID).Int("removed", n).Msg("[session] network partition")
	return true
}

func (m *Machine) handleBounce(p *protocol.Packet) bool {
	var ev protocol.BounceEvent
	if !m.decode(p, &ev) {
		return false
	}
	m.state.AuthType = AuthTypePasscode
	if len(ev.AuthOptions) > 0 {
		m.state.AuthType = string(ev.AuthOptions[0])
	}
	m.state.CanJoin = false
	if m.state.AuthState != AuthTryingStored {
		m.state.AuthState = AuthNeedsPasscode
	}
	return true
}

func (m *Machine) handleAuth(p *protocol.Packet) bool {
	var reply protocol.AuthReply
	if p.Error == "" {
		if err := p.Payload(&reply); err != nil {
			m.logger.Warn().Err(err).Msg("[session] bad auth reply")
		}
	}
	if p.Error == "" && reply.Success {
		m.state.AuthState = AuthNone
		if m.state.AuthData != "" {
			auth := Auth{Type: m.state.AuthType, Data: m.state.AuthData}
			if auth.Type == "" {
				auth.Type = AuthTypePasscode
			}
			m.stored.Auth = &auth
			if err := m.settings.SetAuth(m.state.RoomName, auth); err != nil {
				m.logger.Warn().Err(err).Msg("[session] persist auth")
			}
		}
		return true
	}
	if m.state.AuthState == AuthTryingStored {
		m.state.AuthState = AuthNeedsPasscode
	} else {
		m.state.AuthState = AuthFailed
	}
	m.logger.Info().Str("reason", reply.Reason).Str("error", p.Error).Msg("[session] auth failed")
	return true
}

// addLog merges a log batch. A batch without a before cursor that shares no
// message with a non-empty tree means history was missed while away, so the
// tree is rebuilt from the batch.
func (m *Machine) addLog(msgs []protocol.Message, before string) {
	if len(msgs) == 0 {
		return
	}
	nodes := make([]tree.Node, 0, len(msgs))
	overlap := false
	for _, msg := range msgs {
		if msg.ID == "" {
			continue
		}
		if m.tree.Has(msg.ID) {
			overlap = true
		}
		nodes = append(nodes, m.toNode(msg))
	}
	if len(nodes) == 0 {
		return
	}
	gap := before == "" && m.tree.Size() > 0 && !overlap

	var ids []string
	if gap {
		m.logger.Info().Int("messages", len(nodes)).Msg("[session] log gap; resetting tree")
		ids = m.tree.Reset(nodes...)
		if m.state.FocusedMessage != "" && !m.tree.Has(m.state.FocusedMessage) {
			m.state.FocusedMessage = ""
		}
	} else {
		ids = m.tree.Add(nodes...)
	}
	for _, msg := range msgs {
		m.who.Touch(msg.Sender.SessionID, msg.Time)
	}
	m.noteEarliest(nodes[0], before != "" || gap)
	m.messagesChanged(ids)
}

func (m *Machine) noteEarliest(first tree.Node, force bool) {
	if m.state.EarliestLog == "" || force {
		m.state.EarliestLog = first.ID
		return
	}
	cur, ok := m.tree.Get(m.state.EarliestLog)
	if !ok || first.Time < cur.Time {
		m.state.EarliestLog = first.ID
	}
}

func (m *Machine) toNode(msg protocol.Message) tree.Node {
	n := tree.Node{
		ID:      msg.ID,
		Parent:  msg.Parent,
		Time:    msg.Time,
		Content: msg.Content,
		Edited:  msg.Edited,
		Deleted: msg.Deleted,
		Sender: &tree.Sender{
			SessionID: msg.Sender.SessionID,
			ID:        msg.Sender.ID,
			Name:      msg.Sender.Name,
			Hue:       tree.Ptr(roster.Hue(msg.Sender.Name)),
		},
	}
	if n.Parent == "" {
		n.Parent = tree.RootID
	}
	own := m.state.SessionID != "" && msg.Sender.SessionID == m.state.SessionID
	if !own && m.mention.match(m.state.CurrentNick(), msg.Content) {
		n.Mention = true
	}
	return n
}

func entry(sv protocol.SessionView) roster.Entry {
	return roster.Entry{
		SessionID: sv.SessionID,
		ID:        sv.ID,
		Name:      sv.Name,
		ServerID:  sv.ServerID,
		ServerEra: sv.ServerEra,
	}
}

func listing(views []protocol.SessionView) []roster.Entry {
	out := make([]roster.Entry, 0, len(views))
	for _, sv := range views {
		out = append(out, entry(sv))
	}
	return out
}

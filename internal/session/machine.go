// Package session implements the chat session state machine: it consumes
// transport events and local commands, maintains the message tree and the
// presence roster, and publishes a State snapshot after every change.
//
// A Machine is single-threaded. Either call HandleEvent and the commands from
// one goroutine, or let Run own the Machine and submit work through Do.
package session

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/465583030/heim/internal/protocol"
	"github.com/465583030/heim/internal/roster"
	"github.com/465583030/heim/internal/tree"
)

// Transport is the part of the socket channel the machine drives.
type Transport interface {
	Connect(room string)
	Send(p *protocol.Packet) string
	PingIfIdle()
}

type Config struct {
	Transport Transport
	// Settings defaults to an in-memory store.
	Settings SettingsStore
	Reporter IdentityReporter

	// LogBacklog is the number of messages requested on open.
	LogBacklog int
	// LogPage is the number of messages requested by LoadMoreLogs.
	LogPage int

	Logger *zerolog.Logger
}

type Machine struct {
	transport Transport
	settings  SettingsStore
	reporter  IdentityReporter
	logger    zerolog.Logger
	backlog   int
	page      int

	state  State
	tree   *tree.Tree
	who    *roster.Roster
	stored Settings

	joinRequested bool
	nickSent      bool
	pendingNick   string
	logRequest    string
	logBefore     string
	mention       mentionMatcher

	stateSubs    listeners[func(*State)]
	receivedSubs listeners[func(tree.Node, *State)]
	changedSubs  listeners[func([]string, *State)]

	commands chan func(*Machine)
}

func New(cfg Config) *Machine {
	if cfg.Settings == nil {
		cfg.Settings = NewMemorySettings()
	}
	if cfg.LogBacklog <= 0 {
		cfg.LogBacklog = 1000
	}
	if cfg.LogPage <= 0 {
		cfg.LogPage = 50
	}
	if cfg.Logger == nil {
		l := log.Logger.With().Str("component", "session").Logger()
		cfg.Logger = &l
	}
	m := &Machine{
		transport: cfg.Transport,
		settings:  cfg.Settings,
		reporter:  cfg.Reporter,
		logger:    *cfg.Logger,
		backlog:   cfg.LogBacklog,
		page:      cfg.LogPage,
		tree:      tree.New(),
		who:       roster.New(),
		commands:  make(chan func(*Machine), 256),
	}
	m.state.Messages = m.tree
	m.state.Who = m.who
	m.state.RoomSettings = make(map[string]any)
	return m
}

// State returns the live snapshot. Callers must not modify it.
func (m *Machine) State() *State { return &m.state }

// Subscribe registers fn to receive the snapshot after every change.
func (m *Machine) Subscribe(fn func(*State)) func() { return m.stateSubs.add(fn) }

// OnMessageReceived registers fn for every newly delivered message.
func (m *Machine) OnMessageReceived(fn func(tree.Node, *State)) func() {
	return m.receivedSubs.add(fn)
}

// OnMessagesChanged registers fn for the ids changed by each tree update.
func (m *Machine) OnMessagesChanged(fn func([]string, *State)) func() {
	return m.changedSubs.add(fn)
}

func (m *Machine) trigger() {
	m.stateSubs.each(func(fn func(*State)) { fn(&m.state) })
}

func (m *Machine) messagesChanged(ids []string) {
	if len(ids) == 0 {
		return
	}
	m.changedSubs.each(func(fn func([]string, *State)) { fn(ids, &m.state) })
}

func (m *Machine) messageReceived(n tree.Node) {
	m.receivedSubs.each(func(fn func(tree.Node, *State)) { fn(n, &m.state) })
}

func (m *Machine) send(t protocol.PacketType, payload any) string {
	p, err := protocol.NewPacket(t, payload)
	if err != nil {
		m.logger.Error().Err(err).Msg("[session] build packet")
		return ""
	}
	if m.transport == nil {
		return ""
	}
	return m.transport.Send(p)
}

type listeners[F any] struct {
	next int
	fns  map[int]F
	keys []int
}

func (l *listeners[F]) add(fn F) func() {
	if l.fns == nil {
		l.fns = make(map[int]F)
	}
	l.next++
	key := l.next
	l.fns[key] = fn
	l.keys = append(l.keys, key)
	return func() {
		delete(l.fns, key)
		for i, k := range l.keys {
			if k == key {
				l.keys = append(l.keys[:i:i], l.keys[i+1:]...)
				break
			}
		}
	}
}

// each calls visit in registration order.
func (l *listeners[F]) each(visit func(F)) {
	keys := append([]int(nil), l.keys...)
	for _, k := range keys {
		if fn, ok := l.fns[k]; ok {
			visit(fn)
		}
	}
}

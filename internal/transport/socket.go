// Package transport keeps a single websocket connection to a heim room open,
// reconnecting with backoff and pinging the server when it goes quiet.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/465583030/heim/internal/protocol"
)

// Subprotocol is the websocket subprotocol spoken by heim servers.
const Subprotocol = "heim1"

const writeWait = 10 * time.Second

type Config struct {
	Origin string // e.g. https://euphoria.io
	Prefix string

	PingLimit    time.Duration
	ReconnectMin time.Duration
	// ReconnectJitter is the upper bound of the random delay added to
	// ReconnectMin. Zero means the default; a negative value disables it.
	ReconnectJitter time.Duration
	// IdleCheck, when set, runs PingIfIdle on this interval.
	IdleCheck time.Duration

	Dialer     *websocket.Dialer
	Logger     *zerolog.Logger
	LogPackets bool
	Buffer     int
}

func (c *Config) setDefaults() {
	if c.PingLimit <= 0 {
		c.PingLimit = 2 * time.Second
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = 2 * time.Second
	}
	switch {
	case c.ReconnectJitter == 0:
		c.ReconnectJitter = 3 * time.Second
	case c.ReconnectJitter < 0:
		c.ReconnectJitter = 0
	}
	if c.Buffer <= 0 {
		c.Buffer = 64
	}
	if c.Logger == nil {
		l := log.Logger.With().Str("component", "transport").Logger()
		c.Logger = &l
	}
}

// RoomURL builds the websocket endpoint for room relative to origin.
func RoomURL(origin, prefix, room string) (string, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("parse origin %q: %w", origin, err)
	}
	scheme := "ws"
	if u.Scheme == "https" || u.Scheme == "wss" {
		scheme = "wss"
	}
	return scheme + "://" + u.Host + prefix + "/room/" + url.PathEscape(room) + "/ws", nil
}

// Socket is the client side of a heim connection. Connection failures never
// surface as errors: they become close events followed by a reconnect.
type Socket struct {
	cfg    Config
	dialer websocket.Dialer
	logger zerolog.Logger
	events chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	wmu    sync.Mutex

	mu             sync.Mutex
	room           string
	conn           *websocket.Conn
	dialing        bool
	gen            uint64
	seq            uint64
	nextPing       int64
	lastMessage    time.Time
	pingTimer      *time.Timer
	pingReplyTimer *time.Timer
	reconnectTimer *time.Timer
	idleStarted    bool
	closed         bool
}

func New(cfg Config) *Socket {
	cfg.setDefaults()
	d := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if cfg.Dialer != nil {
		d = *cfg.Dialer
	}
	if len(d.Subprotocols) == 0 {
		d.Subprotocols = []string{Subprotocol}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Socket{
		cfg:    cfg,
		dialer: d,
		logger: *cfg.Logger,
		events: make(chan Event, cfg.Buffer),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Events delivers open, close and receive events in order. The channel is
// closed by Close.
func (s *Socket) Events() <-chan Event { return s.events }

// Connect opens the connection for room. The first room given is remembered
// for every later reconnect. Calling Connect while a connection is open or
// being dialed does nothing.
func (s *Socket) Connect(room string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.room == "" {
		s.room = room
	}
	if !s.idleStarted && s.cfg.IdleCheck > 0 {
		s.idleStarted = true
		s.wg.Add(1)
		go s.idleLoop()
	}
	if s.conn != nil || s.dialing {
		return
	}
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	s.startLocked()
}

func (s *Socket) startLocked() {
	s.gen++
	s.dialing = true
	s.wg.Add(1)
	go s.run(s.gen, s.room)
}

func (s *Socket) run(gen uint64, room string) {
	defer s.wg.Done()

	wsurl, err := RoomURL(s.cfg.Origin, s.cfg.Prefix, room)
	if err != nil {
		s.logger.Error().Err(err).Msg("[transport] bad room url")
		s.closeConn(gen, nil)
		return
	}
	conn, _, err := s.dialer.DialContext(s.ctx, wsurl, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("url", wsurl).Msg("[transport] dial failed")
		s.closeConn(gen, nil)
		return
	}

	s.mu.Lock()
	if s.closed || s.gen != gen {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.dialing = false
	s.mu.Unlock()

	s.logger.Info().Msgf("[transport] connected to %s", wsurl)
	s.emit(Event{Status: StatusOpen})
	s.readLoop(gen, conn)
}

func (s *Socket) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.logger.Debug().Err(err).Msg("[transport] read stopped")
			s.closeConn(gen, conn)
			return
		}

		p, err := protocol.Decode(raw)
		if err != nil {
			s.logger.Debug().Err(err).Msg("[transport] malformed frame")
			s.emit(Event{Status: StatusReceive, Raw: raw, Err: err})
			continue
		}
		if s.cfg.LogPackets {
			s.logger.Trace().Str("type", string(p.Type)).Str("id", p.ID).RawJSON("data", nonEmpty(p.Data)).Msg("[transport] recv")
		}

		s.mu.Lock()
		s.lastMessage = time.Now()
		s.mu.Unlock()
		s.handlePings(gen, p)
		s.emit(Event{Status: StatusReceive, Body: p, Raw: raw})
	}
}

// closeConn tears down the connection of generation gen, emits close and
// schedules the reconnect.
func (s *Socket) closeConn(gen uint64, conn *websocket.Conn) {
	s.mu.Lock()
	if s.closed || s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.stopTimersLocked()
	s.conn = nil
	s.dialing = false
	delay := s.cfg.ReconnectMin
	if s.cfg.ReconnectJitter > 0 {
		delay += time.Duration(rand.Int64N(int64(s.cfg.ReconnectJitter)))
	}
	s.reconnectTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed || s.gen != gen || s.conn != nil || s.dialing {
			return
		}
		s.reconnectTimer = nil
		s.startLocked()
	})
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	s.logger.Info().Dur("delay", delay).Msg("[transport] connection closed; reconnecting")
	s.emit(Event{Status: StatusClose})
}

func (s *Socket) stopTimersLocked() {
	if s.pingTimer != nil {
		s.pingTimer.Stop()
		s.pingTimer = nil
	}
	if s.pingReplyTimer != nil {
		s.pingReplyTimer.Stop()
		s.pingReplyTimer = nil
	}
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
}

func (s *Socket) handlePings(gen uint64, p *protocol.Packet) {
	var reply *protocol.Packet
	if p.Type == protocol.PingEventType {
		var ev protocol.PingEvent
		if err := p.Payload(&ev); err == nil {
			s.mu.Lock()
			if ev.Next > s.nextPing {
				interval := time.Duration(ev.Next-ev.Time) * time.Second
				s.nextPing = ev.Next
				if s.pingTimer != nil {
					s.pingTimer.Stop()
				}
				s.pingTimer = time.AfterFunc(interval, func() { s.ping(gen) })
			}
			s.mu.Unlock()
			reply, _ = protocol.NewPacket(protocol.PingReplyType, protocol.PingReply{Time: ev.Time})
		}
	}

	// any inbound frame proves the connection is alive
	s.mu.Lock()
	if s.pingReplyTimer != nil {
		s.pingReplyTimer.Stop()
		s.pingReplyTimer = nil
	}
	s.mu.Unlock()

	if reply != nil {
		s.Send(reply)
	}
}

func (s *Socket) ping(gen uint64) {
	s.mu.Lock()
	if s.closed || s.gen != gen || s.conn == nil || s.pingReplyTimer != nil {
		s.mu.Unlock()
		return
	}
	s.pingReplyTimer = time.AfterFunc(s.cfg.PingLimit, func() { s.reconnect(gen) })
	s.mu.Unlock()

	p, _ := protocol.NewPacket(protocol.PingType, nil)
	s.Send(p)
}

// reconnect drops the connection after a missed ping reply. The read loop
// observes the closed socket and runs the usual close path.
func (s *Socket) reconnect(gen uint64) {
	s.mu.Lock()
	conn := s.conn
	if s.closed || s.gen != gen || conn == nil {
		s.mu.Unlock()
		return
	}
	s.pingReplyTimer = nil
	s.mu.Unlock()

	s.logger.Warn().Dur("limit", s.cfg.PingLimit).Msg("[transport] ping timed out")
	_ = conn.Close()
}

// PingIfIdle pings the server when nothing has been received for PingLimit.
func (s *Socket) PingIfIdle() {
	s.mu.Lock()
	idle := s.lastMessage.IsZero() || time.Since(s.lastMessage) >= s.cfg.PingLimit
	gen, open := s.gen, s.conn != nil
	s.mu.Unlock()
	if idle && open {
		s.ping(gen)
	}
}

func (s *Socket) idleLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.IdleCheck)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.PingIfIdle()
		}
	}
}

// Send assigns a sequence id to p if it has none, fills in an empty data
// object and writes it. It returns the packet id. Packets sent while
// disconnected are dropped.
func (s *Socket) Send(p *protocol.Packet) string {
	s.mu.Lock()
	if p.ID == "" {
		p.ID = strconv.FormatUint(s.seq, 10)
		s.seq++
	}
	if !p.HasData() {
		p.Data = json.RawMessage("{}")
	}
	conn := s.conn
	s.mu.Unlock()

	if s.cfg.LogPackets {
		s.logger.Trace().Str("type", string(p.Type)).Str("id", p.ID).RawJSON("data", p.Data).Msg("[transport] send")
	}
	if conn == nil {
		s.logger.Debug().Str("type", string(p.Type)).Msg("[transport] not connected; dropping packet")
		return p.ID
	}

	s.wmu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := conn.WriteJSON(p)
	s.wmu.Unlock()
	if err != nil {
		s.logger.Warn().Err(err).Str("type", string(p.Type)).Msg("[transport] write failed")
		_ = conn.Close()
	}
	return p.ID
}

func (s *Socket) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// Close stops reconnecting, drops the connection and closes Events.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.gen++
	s.stopTimersLocked()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		s.wmu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.wmu.Unlock()
		_ = conn.Close()
	}
	s.wg.Wait()
	close(s.events)
	return nil
}

func nonEmpty(data json.RawMessage) []byte {
	if len(data) == 0 {
		return []byte("null")
	}
	return data
}

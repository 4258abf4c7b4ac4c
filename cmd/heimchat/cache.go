package main

import (
	"github.com/rs/zerolog/log"

	"github.com/465583030/heim/internal/protocol"
	"github.com/465583030/heim/internal/session"
	"github.com/465583030/heim/internal/storage"
	"github.com/465583030/heim/internal/tree"
)

// pruneEvery is the number of appended messages between cache prunes.
const pruneEvery = 200

// logCache mirrors messages delivered to the session into the store so the
// next start can show history before the server answers.
type logCache struct {
	store   *storage.Store
	room    string
	keep    int
	pending int
}

func newLogCache(store *storage.Store, room string, keep int) *logCache {
	return &logCache{store: store, room: room, keep: keep}
}

// attach must run on the goroutine that owns m, before Run starts.
func (c *logCache) attach(m *session.Machine) {
	m.OnMessagesChanged(func(ids []string, st *session.State) {
		c.changed(st.Messages, ids)
	})
}

func (c *logCache) changed(r tree.Reader, ids []string) {
	msgs := make([]protocol.Message, 0, len(ids))
	for _, id := range ids {
		n, ok := r.Get(id)
		if !ok || n.ID == tree.RootID || n.Placeholder || n.Time == 0 {
			continue
		}
		msgs = append(msgs, toMessage(n))
	}
	if len(msgs) == 0 {
		return
	}
	if err := c.store.Append(c.room, msgs...); err != nil {
		log.Debug().Err(err).Msg("[heimchat] cache messages")
		return
	}
	c.pending += len(msgs)
	if c.keep > 0 && c.pending >= pruneEvery {
		c.pending = 0
		if err := c.store.Prune(c.room, c.keep); err != nil {
			log.Debug().Err(err).Msg("[heimchat] prune cache")
		}
	}
}

func toMessage(n tree.Node) protocol.Message {
	m := protocol.Message{
		ID:      n.ID,
		Time:    n.Time,
		Content: n.Content,
		Edited:  n.Edited,
		Deleted: n.Deleted,
	}
	if n.Parent != tree.RootID {
		m.Parent = n.Parent
	}
	if n.Sender != nil {
		m.Sender = protocol.SessionView{SessionID: n.Sender.SessionID, ID: n.Sender.ID, Name: n.Sender.Name}
	}
	return m
}

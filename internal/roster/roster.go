// Package roster tracks the sessions currently present in a room.
package roster

import (
	"sort"
	"unicode/utf16"
)

// Entry is one connected session.
type Entry struct {
	SessionID string `json:"session_id"`
	ID        string `json:"id"`
	Name      string `json:"name"`
	Hue       int    `json:"hue"`
	ServerID  string `json:"server_id,omitempty"`
	ServerEra string `json:"server_era,omitempty"`
	LastSent  int64  `json:"lastSent,omitempty"`
}

// Hue maps a display name onto [0, 255) by summing its UTF-16 code units.
func Hue(name string) int {
	sum := 0
	for _, u := range utf16.Encode([]rune(name)) {
		sum += int(u)
	}
	return sum % 255
}

// Reader is the read-only view handed to snapshot consumers.
type Reader interface {
	Get(sessionID string) (Entry, bool)
	Len() int
	List() []Entry
}

// Roster is a map of entries keyed by session id. Not safe for concurrent
// use; the session machine owns it.
type Roster struct {
	entries map[string]*Entry
}

var _ Reader = (*Roster)(nil)

func New() *Roster {
	return &Roster{entries: make(map[string]*Entry)}
}

// Upsert adds e or updates the existing entry for e.SessionID. The hue is
// assigned on creation and recomputed only when the name changes. LastSent
// never moves backwards.
func (r *Roster) Upsert(e Entry) Entry {
	cur, ok := r.entries[e.SessionID]
	if !ok {
		e.Hue = Hue(e.Name)
		r.entries[e.SessionID] = &e
		return e
	}
	if cur.Name != e.Name {
		cur.Hue = Hue(e.Name)
	}
	cur.ID = e.ID
	cur.Name = e.Name
	if e.ServerID != "" {
		cur.ServerID = e.ServerID
		cur.ServerEra = e.ServerEra
	}
	if e.LastSent > cur.LastSent {
		cur.LastSent = e.LastSent
	}
	return *cur
}

// Remove drops the entry for sessionID and reports whether one existed.
func (r *Roster) Remove(sessionID string) bool {
	if _, ok := r.entries[sessionID]; !ok {
		return false
	}
	delete(r.entries, sessionID)
	return true
}

// RemoveByShard drops every entry hosted on the given server shard and
// returns how many were removed.
func (r *Roster) RemoveByShard(serverID, serverEra string) int {
	n := 0
	for id, e := range r.entries {
		if e.ServerID == serverID && e.ServerEra == serverEra {
			delete(r.entries, id)
			n++
		}
	}
	return n
}

// Replace swaps the whole roster for listing, keeping the LastSent of
// sessions that survive.
func (r *Roster) Replace(listing []Entry) {
	prev := r.entries
	r.entries = make(map[string]*Entry, len(listing))
	for _, e := range listing {
		if old, ok := prev[e.SessionID]; ok && old.LastSent > e.LastSent {
			e.LastSent = old.LastSent
		}
		r.Upsert(e)
	}
}

// Touch records that sessionID sent a message at t. Unknown sessions are
// ignored so the roster only ever holds connected sessions.
func (r *Roster) Touch(sessionID string, t int64) bool {
	e, ok := r.entries[sessionID]
	if !ok || t <= e.LastSent {
		return false
	}
	e.LastSent = t
	return true
}

func (r *Roster) Get(sessionID string) (Entry, bool) {
	e, ok := r.entries[sessionID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func (r *Roster) Len() int { return len(r.entries) }

// List returns the entries ordered by name, then session id.
func (r *Roster) List() []Entry {
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// Package storage persists room settings and a local cache of room history
// in a Pebble key-value store.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble/v2"

	"github.com/465583030/heim/internal/protocol"
	"github.com/465583030/heim/internal/session"
)

// Key layout:
//
//	settings\x00<room>                 -> JSON session.Settings
//	log\x00<room>\x00<time><id>        -> JSON protocol.Message, time is 8-byte big-endian
const (
	settingsPrefix = "settings\x00"
	logPrefix      = "log\x00"
)

// Store implements session.SettingsStore and the message log cache.
type Store struct {
	db *pebble.DB
	mu sync.Mutex
}

var _ session.SettingsStore = (*Store)(nil)

// Open opens or creates the database in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return OpenWith(filepath.Clean(dir), &pebble.Options{})
}

// OpenWith opens the database with explicit options, e.g. an in-memory FS.
func OpenWith(dir string, opts *pebble.Options) (*Store, error) {
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &Store{db: db}, nil
}

func settingsKey(room string) []byte { return []byte(settingsPrefix + room) }

func (s *Store) Load(room string) (session.Settings, error) {
	var out session.Settings
	data, closer, err := s.db.Get(settingsKey(room))
	if errors.Is(err, pebble.ErrNotFound) {
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("get settings %s: %w", room, err)
	}
	defer closer.Close()
	if err := json.Unmarshal(data, &out); err != nil {
		return session.Settings{}, fmt.Errorf("decode settings %s: %w", room, err)
	}
	return out, nil
}

func (s *Store) SetNick(room, nick string) error {
	return s.update(room, func(st *session.Settings) { st.Nick = nick })
}

func (s *Store) SetAuth(room string, auth session.Auth) error {
	return s.update(room, func(st *session.Settings) { st.Auth = &auth })
}

func (s *Store) update(room string, fn func(*session.Settings)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.Load(room)
	if err != nil {
		return err
	}
	fn(&st)
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	return s.db.Set(settingsKey(room), data, pebble.Sync)
}

func logBounds(room string) (lower, upper []byte) {
	lower = []byte(logPrefix + room + "\x00")
	upper = []byte(logPrefix + room + "\x01")
	return lower, upper
}

func logKey(room string, m protocol.Message) []byte {
	lower, _ := logBounds(room)
	key := make([]byte, 0, len(lower)+8+len(m.ID))
	key = append(key, lower...)
	key = binary.BigEndian.AppendUint64(key, uint64(m.Time))
	return append(key, m.ID...)
}

// Append caches messages for room. Messages are keyed by time and id, so
// storing a message again (e.g. after an edit) replaces the cached copy.
func (s *Store) Append(room string, msgs ...protocol.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	b := s.db.NewBatch()
	defer b.Close()
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		val, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode message %s: %w", m.ID, err)
		}
		if err := b.Set(logKey(room, m), val, nil); err != nil {
			return fmt.Errorf("batch set: %w", err)
		}
	}
	return b.Commit(pebble.Sync)
}

// LoadRecent returns up to limit of the newest cached messages for room,
// oldest first. A limit of zero or less returns everything.
func (s *Store) LoadRecent(room string, limit int) ([]protocol.Message, error) {
	lower, upper := logBounds(room)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("new iter: %w", err)
	}
	defer func() { _ = it.Close() }()

	var out []protocol.Message
	for valid := it.Last(); valid; valid = it.Prev() {
		if limit > 0 && len(out) >= limit {
			break
		}
		var m protocol.Message
		if err := json.Unmarshal(it.Value(), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Prune drops all but the newest keep cached messages for room.
func (s *Store) Prune(room string, keep int) error {
	lower, upper := logBounds(room)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return fmt.Errorf("new iter: %w", err)
	}
	n := 0
	var cutoff []byte
	for valid := it.Last(); valid; valid = it.Prev() {
		n++
		if n > keep {
			cutoff = append([]byte(nil), it.Key()...)
			break
		}
	}
	if err := it.Close(); err != nil {
		return fmt.Errorf("close iter: %w", err)
	}
	if cutoff == nil {
		return nil
	}
	// DeleteRange excludes the end key.
	end := append(cutoff, 0)
	return s.db.DeleteRange(lower, end, pebble.Sync)
}

func (s *Store) Close() error {
	return s.db.Close()
}

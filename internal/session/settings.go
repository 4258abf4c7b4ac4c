package session

import "sync"

// Auth is a stored room credential.
type Auth struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// Settings is what is persisted per room.
type Settings struct {
	Nick string `json:"nick,omitempty"`
	Auth *Auth  `json:"auth,omitempty"`
}

// SettingsStore persists room-scoped settings.
type SettingsStore interface {
	Load(room string) (Settings, error)
	SetNick(room, nick string) error
	SetAuth(room string, auth Auth) error
}

// MemorySettings is a SettingsStore that keeps everything in memory.
type MemorySettings struct {
	mu    sync.Mutex
	rooms map[string]Settings
}

func NewMemorySettings() *MemorySettings {
	return &MemorySettings{rooms: make(map[string]Settings)}
}

func (m *MemorySettings) Load(room string) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rooms[room], nil
}

func (m *MemorySettings) SetNick(room, nick string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.rooms[room]
	s.Nick = nick
	m.rooms[room] = s
	return nil
}

func (m *MemorySettings) SetAuth(room string, auth Auth) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.rooms[room]
	s.Auth = &auth
	m.rooms[room] = s
	return nil
}

// UserContext identifies the local user once the server confirms a nick.
type UserContext struct {
	ID        string `json:"id"`
	Nick      string `json:"nick"`
	SessionID string `json:"session_id"`
}

// IdentityReporter receives the confirmed identity, e.g. for error reports.
type IdentityReporter interface {
	SetUserContext(UserContext)
}

package session

import (
	"github.com/465583030/heim/internal/roster"
	"github.com/465583030/heim/internal/tree"
)

// ConnState is the connection status. It encodes as null until the first
// open or close.
type ConnState int8

const (
	ConnUnknown ConnState = iota
	ConnUp
	ConnDown
)

func (c ConnState) MarshalJSON() ([]byte, error) {
	switch c {
	case ConnUp:
		return []byte("true"), nil
	case ConnDown:
		return []byte("false"), nil
	}
	return []byte("null"), nil
}

// AuthState tracks a room authentication attempt. The zero value means no
// attempt is pending and encodes as null.
type AuthState string

const (
	AuthNone          AuthState = ""
	AuthNeedsPasscode AuthState = "needs-passcode"
	AuthTrying        AuthState = "trying"
	AuthTryingStored  AuthState = "trying-stored"
	AuthFailed        AuthState = "failed"
)

func (a AuthState) MarshalJSON() ([]byte, error) {
	if a == AuthNone {
		return []byte("null"), nil
	}
	return []byte(`"` + string(a) + `"`), nil
}

// Room authentication types.
const (
	AuthTypePublic   = "public"
	AuthTypePasscode = "passcode"
)

// State is the snapshot handed to subscribers. It is mutated in place and
// must be treated as read-only outside the Machine.
type State struct {
	RoomName      string    `json:"roomName"`
	Connected     ConnState `json:"connected"`
	Joined        bool      `json:"joined"`
	CanJoin       bool      `json:"canJoin"`
	AuthType      string    `json:"authType,omitempty"`
	AuthState     AuthState `json:"authState"`
	AuthData      string    `json:"-"`
	Nick          string    `json:"nick,omitempty"`
	TentativeNick string    `json:"tentativeNick,omitempty"`
	SessionID     string    `json:"sessionId,omitempty"`
	Identity      string    `json:"identity,omitempty"`
	ServerVersion string    `json:"serverVersion,omitempty"`

	Messages tree.Reader   `json:"-"`
	Who      roster.Reader `json:"-"`

	RoomSettings   map[string]any `json:"roomSettings"`
	EarliestLog    string         `json:"earliestLog,omitempty"`
	FocusedMessage string         `json:"focusedMessage,omitempty"`
	EntryText      string         `json:"entryText,omitempty"`
	LoadingLogs    bool           `json:"loadingLogs"`
}

// CurrentNick is the confirmed nick, or the tentative one before the server
// has confirmed any.
func (s *State) CurrentNick() string {
	if s.Nick != "" {
		return s.Nick
	}
	return s.TentativeNick
}

// mergeSettings deep-merges src into dst. Nested maps merge key by key;
// any other value replaces what was there.
func mergeSettings(dst, src map[string]any) {
	for k, v := range src {
		sub, ok := v.(map[string]any)
		if !ok {
			dst[k] = v
			continue
		}
		cur, ok := dst[k].(map[string]any)
		if !ok {
			cur = make(map[string]any, len(sub))
			dst[k] = cur
		}
		mergeSettings(cur, sub)
	}
}

package protocol

// SessionView describes a connected session, as found in listings and
// presence events.
type SessionView struct {
	SessionID string `json:"session_id"`
	ID        string `json:"id"`
	Name      string `json:"name"`
	ServerID  string `json:"server_id,omitempty"`
	ServerEra string `json:"server_era,omitempty"`
}

// Message is a chat message as sent by the server.
type Message struct {
	ID      string      `json:"id"`
	Parent  string      `json:"parent,omitempty"`
	Time    int64       `json:"time"`
	Sender  SessionView `json:"sender"`
	Content string      `json:"content"`
	EditID  string      `json:"edit_id,omitempty"`
	Edited  int64       `json:"edited,omitempty"`
	Deleted int64       `json:"deleted,omitempty"`
}

type SendCommand struct {
	Content string `json:"content"`
	Parent  string `json:"parent,omitempty"`
}

type LogCommand struct {
	N      int    `json:"n"`
	Before string `json:"before,omitempty"`
}

type LogReply struct {
	Log    []Message `json:"log"`
	Before string    `json:"before,omitempty"`
}

type NickCommand struct {
	Name string `json:"name"`
}

type NickReply struct {
	SessionID string `json:"session_id"`
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
}

type PingEvent struct {
	Time int64 `json:"time"`
	Next int64 `json:"next"`
}

type PingReply struct {
	Time int64 `json:"time,omitempty"`
}

// AuthOption names an authentication mechanism.
type AuthOption string

const (
	AuthPasscode AuthOption = "passcode"
	AuthPublic   AuthOption = "public"
)

type AuthCommand struct {
	Type     AuthOption `json:"type"`
	Passcode string     `json:"passcode,omitempty"`
}

type AuthReply struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

type BounceEvent struct {
	Reason      string       `json:"reason,omitempty"`
	AuthOptions []AuthOption `json:"auth_options,omitempty"`
}

type SnapshotEvent struct {
	Identity  string        `json:"identity"`
	SessionID string        `json:"session_id"`
	Version   string        `json:"version"`
	Listing   []SessionView `json:"listing"`
	Log       []Message     `json:"log"`
}

// NetworkEvent reports a server side topology change; Type is "partition".
type NetworkEvent struct {
	Type      string `json:"type"`
	ServerID  string `json:"server_id"`
	ServerEra string `json:"server_era"`
}

type WhoReply struct {
	Listing []SessionView `json:"listing"`
}

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/vfs"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/465583030/heim/internal/protocol"
	"github.com/465583030/heim/internal/session"
	"github.com/465583030/heim/internal/storage"
	"github.com/465583030/heim/internal/transport"
	"github.com/465583030/heim/internal/tree"
)

func TestRelayURLs(t *testing.T) {
	got := relayURLs([]string{"wss://a, wss://b", "", " wss://c "})
	assert.Equal(t, []string{"wss://a", "wss://b", "wss://c"}, got)
	assert.Empty(t, relayURLs(nil))
}

func TestToMessage(t *testing.T) {
	m := toMessage(tree.Node{
		ID: "b", Parent: "a", Time: 5, Content: "hi", Edited: 6,
		Sender: &tree.Sender{SessionID: "s", ID: "agent:x", Name: "x", Hue: tree.Ptr(3)},
	})
	assert.Equal(t, protocol.Message{
		ID: "b", Parent: "a", Time: 5, Content: "hi", Edited: 6,
		Sender: protocol.SessionView{SessionID: "s", ID: "agent:x", Name: "x"},
	}, m)
	assert.Empty(t, toMessage(tree.Node{ID: "c", Parent: tree.RootID}).Parent)
}

func sendEvent(t *testing.T, id string, ts int64) transport.Event {
	t.Helper()
	p, err := protocol.NewPacket(protocol.SendEventType, protocol.Message{
		ID: id, Time: ts, Content: "msg " + id,
		Sender: protocol.SessionView{SessionID: "other", ID: "agent:o", Name: "other"},
	})
	require.NoError(t, err)
	return transport.Event{Status: transport.StatusReceive, Body: p}
}

func TestLogCache(t *testing.T) {
	store, err := storage.OpenWith("", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	defer store.Close()

	m := session.New(session.Config{})
	newLogCache(store, "ezzie", 10).attach(m)
	m.Connect("ezzie")

	m.HandleEvent(sendEvent(t, "a", 1))
	m.HandleEvent(sendEvent(t, "b", 2))
	m.MarkSeen("a")

	cached, err := store.LoadRecent("ezzie", 0)
	require.NoError(t, err)
	require.Len(t, cached, 2)
	assert.Equal(t, "a", cached[0].ID)
	assert.Equal(t, "msg b", cached[1].Content)

	// a fresh session replays the cache
	next := session.New(session.Config{})
	next.Seed(cached)
	assert.Equal(t, 2, next.State().Messages.Size())
}

func TestHubRebuildsThreadOnlyOnTreeChange(t *testing.T) {
	m := session.New(session.Config{})
	h := newHub(m)
	defer h.closeAll()
	m.Connect("ezzie")
	require.Equal(t, 1, h.builds)

	m.SetEntryText("d")
	m.SetEntryText("dr")
	m.SetEntryText("draft")
	assert.Equal(t, 1, h.builds)

	m.HandleEvent(sendEvent(t, "a", 1))
	assert.Equal(t, 2, h.builds)
	require.Len(t, h.thread.Items, 1)
	assert.Equal(t, "a", h.thread.Items[0].ID)

	m.SetEntryText("draft 2")
	assert.Equal(t, 2, h.builds)

	m.MarkSeen("a")
	assert.Equal(t, 3, h.builds)
	assert.False(t, h.thread.Items[0].Unseen)
}

func startView(t *testing.T) (*hub, *httptest.Server, *session.Machine, chan transport.Event) {
	t.Helper()
	m := session.New(session.Config{})
	h := newHub(m)
	m.Connect("ezzie")

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan transport.Event, 8)
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx, events)
		close(done)
	}()
	srv := httptest.NewServer(NewHandler("ezzie", h))
	t.Cleanup(func() {
		srv.Close()
		h.closeAll()
		h.wait()
		cancel()
		<-done
	})
	return h, srv, m, events
}

func TestSnapshotEndpoint(t *testing.T) {
	_, srv, _, events := startView(t)
	events <- sendEvent(t, "a", 1)

	var f struct {
		Type  string `json:"type"`
		State struct {
			RoomName string `json:"roomName"`
		} `json:"state"`
		Thread struct {
			Items []struct {
				ID   string `json:"id"`
				HTML string `json:"html"`
			} `json:"items"`
		} `json:"thread"`
	}
	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/snapshot")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
			return false
		}
		return len(f.Thread.Items) == 1
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, "state", f.Type)
	assert.Equal(t, "ezzie", f.State.RoomName)
	assert.Equal(t, "msg a", f.Thread.Items[0].HTML)

	resp, err := http.Get(srv.URL + "/thread/a")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/thread/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebsocketFeed(t *testing.T) {
	_, srv, m, events := startView(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var first map[string]json.RawMessage
	require.NoError(t, conn.ReadJSON(&first))
	assert.JSONEq(t, `"state"`, string(first["type"]))

	require.NoError(t, conn.WriteJSON(command{Type: "entry", Text: "draft"}))
	events <- sendEvent(t, "a", 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.Eventually(t, func() bool {
		text, err := session.Query(ctx, m, func(m *session.Machine) string { return m.State().EntryText })
		return err == nil && text == "draft"
	}, 2*time.Second, 20*time.Millisecond)

	// the feed eventually carries the message
	for {
		var raw map[string]json.RawMessage
		require.NoError(t, conn.ReadJSON(&raw))
		if strings.Contains(string(raw["thread"]), `"msg a"`) {
			break
		}
	}
}

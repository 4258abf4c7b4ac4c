package main

import (
	"context"
	"encoding/json"
	"html/template"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/465583030/heim/internal/render"
	"github.com/465583030/heim/internal/session"
)

const queryTimeout = 5 * time.Second

func handleWS(w http.ResponseWriter, r *http.Request, h *hub) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := h.add(conn)
	h.wg.Add(1)
	go func() {
		defer func() {
			h.remove(c)
			c.wmu.Lock()
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
			c.wmu.Unlock()
			h.wg.Done()
		}()
		for {
			var cmd command
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
			err := h.apply(ctx, cmd)
			cancel()
			if err != nil {
				log.Warn().Err(err).Str("type", cmd.Type).Msg("[heimchat] view command dropped")
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("[heimchat] write json")
	}
}

func serveSnapshot(w http.ResponseWriter, r *http.Request, h *hub) {
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()
	// encode on the session goroutine, the snapshot is live
	data, err := session.Query(ctx, h.machine, func(m *session.Machine) []byte {
		b, _ := json.Marshal(h.stateFrame(m.State()))
		return b
	})
	if err != nil {
		http.Error(w, "session busy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func serveThread(w http.ResponseWriter, r *http.Request, h *hub) {
	id := chi.URLParam(r, "id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()
	th, err := session.Query(ctx, h.machine, func(m *session.Machine) render.Thread {
		return render.Build(m.State().Messages, render.Options{Root: id, MaxReplies: limit})
	})
	if err != nil {
		http.Error(w, "session busy", http.StatusServiceUnavailable)
		return
	}
	if th.Items == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, th)
}

func serveIndex(w http.ResponseWriter, r *http.Request, room string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = indexTmpl.Execute(w, struct{ Room string }{Room: room})
}

// NewHandler builds the view HTTP router (UI, snapshot and websocket feed).
func NewHandler(room string, h *hub) http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) { serveIndex(w, r, room) })
	r.Get("/snapshot", func(w http.ResponseWriter, r *http.Request) { serveSnapshot(w, r, h) })
	r.Get("/thread/{id}", func(w http.ResponseWriter, r *http.Request) { serveThread(w, r, h) })
	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) { handleWS(w, r, h) })
	return r
}

var indexTmpl = template.Must(template.New("heimchat").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>&amp;{{.Room}}</title>
  <style>
    :root{ --bg:#0d1117; --panel:#111827; --border:#1f2937; --fg:#e5e7eb; --muted:#9ca3af; --accent:#22c55e }
    *{ box-sizing:border-box }
    body{ margin:0; padding:24px; background:var(--bg); color:var(--fg); font-family:ui-sans-serif, system-ui, -apple-system, Segoe UI, Roboto, Helvetica, Arial }
    .wrap{ max-width:960px; margin:0 auto; display:grid; grid-template-columns:1fr 200px; gap:16px }
    h1{ grid-column:1 / -1; margin:0; font-weight:700 }
    .status{ color:var(--muted); font-size:13px }
    .log{ border:1px solid var(--border); border-radius:10px; background:var(--panel); padding:12px; height:70vh; overflow:auto }
    .msg{ margin:2px 0 }
    .msg .body{ display:flex; gap:8px; align-items:baseline; cursor:pointer }
    .msg .nick{ color:#111; padding:0 6px; border-radius:4px; font-size:13px; white-space:nowrap }
    .msg.mention > .body .text{ color:#facc15 }
    .msg.deleted > .body .text{ color:var(--muted); font-style:italic }
    .msg.entry > .body{ outline:1px solid var(--accent) }
    .replies{ margin-left:18px; border-left:1px solid var(--border); padding-left:8px }
    .who{ border:1px solid var(--border); border-radius:10px; background:var(--panel); padding:12px; font-size:13px }
    .who div{ padding:2px 6px; border-radius:4px; margin-bottom:4px; color:#111 }
    .entry{ grid-column:1 / -1; display:flex; gap:8px }
    .entry input{ flex:1 1 auto; background:transparent; border:1px solid var(--border); color:var(--fg); padding:8px; border-radius:6px }
    button{ background:transparent; border:1px solid var(--border); color:var(--fg); padding:6px 10px; border-radius:6px; cursor:pointer }
  </style>
</head>
<body>
  <div class="wrap">
    <h1>&amp;{{.Room}} <span id="status" class="status"></span></h1>
    <div>
      <button id="more">load older</button>
      <div id="log" class="log"></div>
    </div>
    <div id="who" class="who"></div>
    <div class="entry">
      <input id="nick" type="text" placeholder="nick" style="flex:0 0 160px" />
      <input id="text" type="text" autocomplete="off" placeholder="say something (click a message to reply)" />
    </div>
  </div>
  <script>
    const logEl = document.getElementById('log');
    const whoEl = document.getElementById('who');
    const statusEl = document.getElementById('status');
    const nickEl = document.getElementById('nick');
    const textEl = document.getElementById('text');
    let ws, state = null;

    function send(cmd){ if (ws && ws.readyState === 1) ws.send(JSON.stringify(cmd)); }

    function renderItem(it){
      const el = document.createElement('div');
      el.className = 'msg' + (it.mention ? ' mention' : '') + (it.deleted ? ' deleted' : '') + (it.entry ? ' entry' : '');
      const body = document.createElement('div');
      body.className = 'body';
      const nick = document.createElement('span');
      nick.className = 'nick';
      nick.textContent = it.sender || '';
      nick.style.background = it.color || 'transparent';
      const text = document.createElement('span');
      text.className = 'text';
      text.innerHTML = it.deleted ? '(deleted)' : (it.html || '');
      body.append(nick, text);
      body.onclick = () => send({type:'toggle-focus', id: it.id, parent: it.parent});
      el.append(body);
      if (it.replies && it.replies.length){
        const rep = document.createElement('div');
        rep.className = 'replies';
        it.replies.forEach(r => rep.append(renderItem(r)));
        el.append(rep);
      }
      return el;
    }

    function render(f){
      state = f.state;
      const s = state || {};
      let status = s.connected === true ? 'connected' : (s.connected === false ? 'reconnecting…' : 'connecting…');
      if (s.authState === 'needs-passcode' || s.authState === 'failed') {
        status = 'passcode required';
        const code = prompt(s.authState === 'failed' ? 'wrong passcode, try again' : 'room passcode');
        if (code) send({type:'passcode', passcode: code});
      }
      statusEl.textContent = status + (s.nick ? ' as ' + s.nick : '');
      if (document.activeElement !== nickEl) nickEl.value = s.nick || s.tentativeNick || '';
      const atBottom = logEl.scrollTop + logEl.clientHeight >= logEl.scrollHeight - 8;
      logEl.replaceChildren(...((f.thread && f.thread.items) || []).map(renderItem));
      if (atBottom) logEl.scrollTop = logEl.scrollHeight;
      whoEl.replaceChildren(...(f.people || []).map(p => {
        const d = document.createElement('div');
        d.textContent = p.name;
        d.style.background = p.color;
        return d;
      }));
    }

    function connect(){
      const proto = location.protocol === 'https:' ? 'wss' : 'ws';
      ws = new WebSocket(proto + '://' + location.host + '/ws');
      ws.onmessage = ev => {
        const f = JSON.parse(ev.data);
        if (f.type === 'state') render(f);
        if (f.type === 'notification' && 'Notification' in window && Notification.permission === 'granted') {
          new Notification(f.notification.title, {body: f.notification.body});
        }
      };
      ws.onopen = () => send({type:'window-focus', focused: document.hasFocus()});
      ws.onclose = () => setTimeout(connect, 1000);
    }

    textEl.addEventListener('keydown', e => {
      if (e.key !== 'Enter' || !textEl.value.trim()) return;
      send({type:'send', content: textEl.value, parent: (state && state.focusedMessage) || ''});
      textEl.value = '';
    });
    textEl.addEventListener('input', () => send({type:'entry', text: textEl.value}));
    nickEl.addEventListener('change', () => { if (nickEl.value.trim()) send({type:'nick', name: nickEl.value.trim()}); });
    document.getElementById('more').onclick = () => send({type:'more-logs'});
    window.addEventListener('focus', () => send({type:'window-focus', focused: true}));
    window.addEventListener('blur', () => send({type:'window-focus', focused: false}));
    if ('Notification' in window && Notification.permission === 'default') Notification.requestPermission();
    connect();
  </script>
</body>
</html>`))

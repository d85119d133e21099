package routes

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/hostline/internal/call"
	"github.com/petervdpas/hostline/internal/lobby"
	"github.com/petervdpas/hostline/internal/presence"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The UI runs from localhost or a webview.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const writeWait = 5 * time.Second

// Envelope is one message on the /api/events stream.
type Envelope struct {
	Kind string `json:"kind"` // call|presence|notice
	Data any    `json:"data"`
}

// Hub fans lifecycle, presence and lobby notice events out to every
// connected websocket.
type Hub struct {
	mu   sync.Mutex
	subs map[chan Envelope]struct{}

	stop chan struct{}
	once sync.Once
}

func newHub(d Deps) *Hub {
	h := &Hub{subs: map[chan Envelope]struct{}{}, stop: make(chan struct{})}

	var callCh <-chan call.Event
	if d.Calls != nil {
		ch, unsub := d.Calls.Subscribe()
		callCh = ch
		go func() {
			<-h.stop
			unsub()
		}()
	}
	var presCh chan presence.Event
	if d.Presence != nil {
		presCh = d.Presence.Subscribe()
		go func() {
			<-h.stop
			d.Presence.Unsubscribe(presCh)
		}()
	}
	go h.pump(callCh, presCh, d.Notices)
	return h
}

func (h *Hub) pump(calls <-chan call.Event, pres chan presence.Event, notices <-chan lobby.Notification) {
	for {
		select {
		case <-h.stop:
			return
		case e, ok := <-calls:
			if !ok {
				calls = nil
				continue
			}
			h.broadcast(Envelope{Kind: "call", Data: e})
		case e, ok := <-pres:
			if !ok {
				pres = nil
				continue
			}
			h.broadcast(Envelope{Kind: "presence", Data: e})
		case n, ok := <-notices:
			if !ok {
				notices = nil
				continue
			}
			h.broadcast(Envelope{Kind: "notice", Data: n})
		}
	}
}

func (h *Hub) broadcast(env Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- env:
		default:
			// drop on slow subscriber
		}
	}
}

func (h *Hub) subscribe() (chan Envelope, func()) {
	ch := make(chan Envelope, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
}

// Close detaches the hub from its sources.
func (h *Hub) Close() {
	h.once.Do(func() { close(h.stop) })
}

// GET /api/events: websocket
func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("events: websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	ch, cancel := h.subscribe()
	defer cancel()

	// Drain incoming frames so close and ping are processed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case <-h.stop:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		}
	}
}

package broadcast

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pingEvery    = 45 * time.Second
	readTimeout  = 90 * time.Second
	writeTimeout = 10 * time.Second
	clientBuffer = 16
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(*http.Request) bool { return true },
	EnableCompression: true,
}

type client struct {
	conn *websocket.Conn
	out  chan Event
	done chan struct{}
}

// Hub fans events out to WebSocket subscribers. A new subscriber gets the
// last event right away; a subscriber that cannot keep up loses messages
// rather than stalling Publish.
type Hub struct {
	log *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	last    *Event
	closed  bool
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{log: log.With("component", "hub"), clients: make(map[*client]struct{})}
}

func (h *Hub) Publish(_ context.Context, _ string, ev Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = &ev
	for c := range h.clients {
		select {
		case c.out <- ev:
		default:
			h.log.Debug("subscriber too slow, dropping event")
		}
	}
	return nil
}

// Last returns the most recently published event.
func (h *Hub) Last() (Event, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.last == nil {
		return Event{}, false
	}
	return *h.last, true
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every subscriber and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		_ = c.conn.Close()
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	cl := &client{conn: conn, out: make(chan Event, clientBuffer), done: make(chan struct{})}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.clients[cl] = struct{}{}
	if h.last != nil {
		cl.out <- *h.last
	}
	h.mu.Unlock()
	h.log.Debug("subscriber connected", "remote", r.RemoteAddr)

	go h.writeLoop(cl)

	// reader: only pongs and close frames are expected
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	close(cl.done)
	h.mu.Lock()
	delete(h.clients, cl)
	h.mu.Unlock()
	h.log.Debug("subscriber disconnected", "remote", r.RemoteAddr)
}

func (h *Hub) writeLoop(cl *client) {
	ping := time.NewTicker(pingEvery)
	defer ping.Stop()
	for {
		select {
		case ev := <-cl.out:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := cl.conn.WriteJSON(ev); err != nil {
				_ = cl.conn.Close()
				return
			}
		case <-ping.C:
			_ = cl.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
		case <-cl.done:
			return
		}
	}
}

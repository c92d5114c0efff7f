// Package stream serves the merged output stream to WebSocket clients
// so a UI can watch a run live. Publishing never blocks the
// supervisor: a client that cannot keep up is dropped.
package stream

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// clientBuffer is how many lines a client may lag before it is
// disconnected.
const clientBuffer = 128

// Broadcaster fans merged output lines out to WebSocket clients.
type Broadcaster struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan string
}

// NewBroadcaster returns an empty broadcaster. Mount Handler on an
// HTTP mux or use ListenAndServe to run a standalone listener.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		log:     slog.Default().With("component", "stream"),
		clients: make(map[*client]struct{}),
	}
}

// Handler upgrades requests to WebSocket and subscribes them to the
// merged output stream.
func (b *Broadcaster) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := b.upgrader.Upgrade(w, r, nil)
		if err != nil {
			b.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}

		c := &client{conn: conn, send: make(chan string, clientBuffer)}
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			conn.Close()
			return
		}
		b.clients[c] = struct{}{}
		b.mu.Unlock()
		b.log.Info("stream client connected", "remote", r.RemoteAddr)

		go b.writeLoop(c)
		// Consume (and discard) client frames so close handshakes and
		// pings are processed; any read error unsubscribes.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		b.drop(c)
	})
}

// Publish sends one line to every connected client. It never blocks:
// clients whose buffers are full are disconnected.
func (b *Broadcaster) Publish(line string) {
	b.mu.Lock()
	var stale []*client
	for c := range b.clients {
		select {
		case c.send <- line:
		default:
			stale = append(stale, c)
		}
	}
	b.mu.Unlock()

	for _, c := range stale {
		b.log.Warn("dropping slow stream client")
		b.drop(c)
	}
}

// Close disconnects all clients. Publish after Close is a no-op.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closed = true
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()

	for _, c := range clients {
		b.drop(c)
	}
}

// ListenAndServe mounts the broadcaster at /stream and serves until
// the listener fails.
func (b *Broadcaster) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/stream", b.Handler())
	return http.ListenAndServe(addr, mux)
}

func (b *Broadcaster) writeLoop(c *client) {
	for line := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
			b.drop(c)
			return
		}
	}
}

func (b *Broadcaster) drop(c *client) {
	b.mu.Lock()
	_, ok := b.clients[c]
	if ok {
		delete(b.clients, c)
	}
	b.mu.Unlock()
	if ok {
		close(c.send)
	}
	c.conn.Close()
}

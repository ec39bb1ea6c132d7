package dashboard

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds how long a single frame write may take.
	writeWait = 10 * time.Second

	// pingPeriod is how often the server pings idle clients. Must be
	// shorter than the read deadline set in readPump.
	pingPeriod = 30 * time.Second

	// pongWait is how long to wait for a pong before dropping the client.
	pongWait = 45 * time.Second
)

// wsHub fans broadcast messages out to every connected live-feed client.
//
// A single hub goroutine owns the client set; registration, removal, and
// broadcasting all flow through channels, so the map needs no lock. Each
// client gets a buffered send queue — a client that stops draining its
// queue is dropped rather than allowed to stall the feed.
type wsHub struct {
	clients map[*wsClient]struct{}

	broadcastCh chan []byte
	joinCh      chan *wsClient
	leaveCh     chan *wsClient
}

// wsClient is one live-feed subscriber. writePump is the only goroutine
// that writes to the connection.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// The feed is served on the same host and port as the REST API, so
// cross-origin upgrades are only expected from local dev tooling.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newWSHub() *wsHub {
	return &wsHub{
		clients:     make(map[*wsClient]struct{}),
		broadcastCh: make(chan []byte, 256),
		joinCh:      make(chan *wsClient),
		leaveCh:     make(chan *wsClient),
	}
}

// run is the hub event loop. Started once by New, runs for the process
// lifetime.
func (h *wsHub) run() {
	for {
		select {
		case c := <-h.joinCh:
			h.clients[c] = struct{}{}
			slog.Debug("live feed client joined", "clients", len(h.clients))

		case c := <-h.leaveCh:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				slog.Debug("live feed client left", "clients", len(h.clients))
			}

		case msg := <-h.broadcastCh:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Full queue means the client stopped reading.
					delete(h.clients, c)
					close(c.send)
				}
			}
		}
	}
}

// broadcast queues msg for delivery to every client. Best-effort: when the
// hub is saturated the message is dropped, clients catch up on the next
// periodic refresh.
func (h *wsHub) broadcast(msg []byte) {
	select {
	case h.broadcastCh <- msg:
	default:
	}
}

// handleWebSocket upgrades the request and subscribes the client to the
// live feed.
func (d *Dashboard) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}
	d.wsHub.joinCh <- c

	go c.writePump()
	go c.readPump(d.wsHub)
}

// writePump drains the send queue onto the connection and pings idle
// clients so half-open connections get detected.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				// Hub closed the queue — client was dropped.
				c.conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(writeWait))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames. The feed is one-directional, but the
// read loop is what notices disconnects and keeps the pong deadline fresh.
func (c *wsClient) readPump(hub *wsHub) {
	defer func() {
		hub.leaveCh <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

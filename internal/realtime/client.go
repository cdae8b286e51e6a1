package realtime

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 * 1024
	sendBufferSize = 64
)

// connectionIdentity is the identity resolved once at handshake; it is never
// re-validated for the connection's lifetime.
type connectionIdentity struct {
	UserID string
	Handle string
	Name   string
}

type client struct {
	gateway  *Gateway
	conn     *websocket.Conn
	identity connectionIdentity
	rooms    []string
	send     chan []byte

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

func newClient(g *Gateway, conn *websocket.Conn, identity connectionIdentity, rooms []string) *client {
	return &client{
		gateway:  g,
		conn:     conn,
		identity: identity,
		rooms:    rooms,
		send:     make(chan []byte, sendBufferSize),
	}
}

// deliver enqueues an encoded event without blocking the emitter. Connections
// that cannot keep up are closed; at-most-once delivery, no queueing for the
// disconnected.
func (c *client) deliver(data []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	select {
	case c.send <- data:
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		go c.close()
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		c.gateway.unregister(c)
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()
		_ = c.conn.Close()
	})
}

// readPump drains inbound frames. Clients do not send application messages;
// the loop exists to observe disconnects and answer pings.
func (c *client) readPump() {
	defer c.close()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 32
)

// Origin checks happen at the web proxy in front of this service.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// inboundMessage is what clients send: a subscribe or a heartbeat pong.
type inboundMessage struct {
	Type      string `json:"type"`
	ActorType string `json:"actorType,omitempty"`
	ActorID   string `json:"actorId,omitempty"`
}

// subscribedMessage acknowledges a subscribe.
type subscribedMessage struct {
	Type      string `json:"type"`
	ActorType string `json:"actorType"`
	ActorID   string `json:"actorId"`
}

var pingPayload = []byte(`{"type":"ping"}`)

// Client is one live WebSocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	send chan []byte
	done chan struct{}

	key   string // actor key once subscribed; guarded by hub.mu
	alive atomic.Bool

	closeOnce sync.Once
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	c := &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	c.alive.Store(true)
	return c
}

// HandleWS upgrades GET /ws/orders and starts the connection's pumps.
func (h *Hub) HandleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err, "remote", c.Request.RemoteAddr)
		return
	}
	client := newClient(h, conn)
	h.track(1)
	go client.writePump()
	client.readPump()
}

// enqueue hands a payload to the write pump without blocking; a client whose
// buffer is full misses the event.
func (c *Client) enqueue(payload []byte) {
	select {
	case c.send <- payload:
	case <-c.done:
	default:
		c.hub.logger.Warn("dropping event for slow subscriber", "key", c.key)
	}
}

// readPump consumes inbound messages until the connection dies.
func (c *Client) readPump() {
	defer c.close()
	c.conn.SetReadLimit(maxMessageSize)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "subscribe":
			if (msg.ActorType != "user" && msg.ActorType != "merchant") || msg.ActorID == "" {
				continue
			}
			c.hub.subscribe(c, actorKey(msg.ActorType, msg.ActorID))
			ack, _ := json.Marshal(subscribedMessage{Type: "subscribed", ActorType: msg.ActorType, ActorID: msg.ActorID})
			c.enqueue(ack)
		case "pong":
			c.alive.Store(true)
		}
	}
}

// writePump drains the send buffer and drives the heartbeat. A client that
// does not pong between two pings is terminated.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			if !c.alive.Swap(false) {
				c.hub.logger.Info("terminating unresponsive websocket client", "key", c.key)
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, pingPayload); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// close tears the connection down exactly once.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.hub.unsubscribe(c)
		c.hub.track(-1)
		close(c.done)
		_ = c.conn.Close()
	})
}

package signaling

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/KR7-gen/ai-vent-app/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	// SDP offers with many candidates stay well below this.
	maxMessageSize = 64 * 1024

	sendBufferSize = 256
)

// Client is one participant's websocket connection. The hub owns Send:
// it queues outbound messages there and closes it on disconnect.
type Client struct {
	ID   string
	Send chan *protocol.Message

	hub  *Hub
	conn *websocket.Conn
}

// Attach registers c with the hub and starts its read and write loops on
// conn. It returns false, closing conn, when the hub has already stopped.
func (c *Client) Attach(conn *websocket.Conn) bool {
	c.conn = conn
	select {
	case c.hub.Register <- c:
	case <-c.hub.done:
		conn.Close()
		return false
	}
	go c.writeLoop()
	go c.readLoop()
	return true
}

// readLoop is the connection's only reader. Leaving it unregisters the
// client.
func (c *Client) readLoop() {
	defer func() {
		select {
		case c.hub.Unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("read error", "conn", c.ID, "error", err)
			}
			return
		}

		msg := new(protocol.Message)
		if err := json.Unmarshal(data, msg); err != nil || msg.Type == "" {
			c.hub.logger.Debug("malformed message ignored", "conn", c.ID, "error", err)
			continue
		}

		select {
		case c.hub.Inbound <- &Envelope{Client: c, Message: msg}:
		case <-c.hub.done:
			return
		}
	}
}

// writeLoop is the connection's only writer. Messages already queued are
// written under the same deadline as the one that woke it.
func (c *Client) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.Send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if !c.write(msg) {
				return
			}
			for range len(c.Send) {
				if msg, ok = <-c.Send; !ok || !c.write(msg) {
					return
				}
			}

		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(msg *protocol.Message) bool {
	if err := c.conn.WriteJSON(msg); err != nil {
		c.hub.logger.Warn("write error", "conn", c.ID, "type", msg.Type, "error", err)
		return false
	}
	return true
}

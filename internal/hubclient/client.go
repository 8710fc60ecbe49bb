// Package hubclient is the participant side of the signaling hub connection.
package hubclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/KR7-gen/ai-vent-app/internal/dns"
	"github.com/KR7-gen/ai-vent-app/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	queueSize      = 64
)

// ErrClosed is returned when sending on, or waiting on, a closed connection.
var ErrClosed = errors.New("hub connection closed")

// Client manages the WebSocket connection to the signaling hub.
type Client struct {
	conn     *websocket.Conn
	incoming chan *protocol.Message
	outgoing chan *protocol.Message
	done     chan struct{}
	once     sync.Once
	logger   *slog.Logger
}

// Dial connects to the hub at wsURL. Host names are resolved through the
// dns package so that a broken system resolver does not block the call.
func Dial(ctx context.Context, wsURL string) (*Client, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}

	dialer := websocket.Dialer{
		NetDialContext:   dns.DialContext,
		HandshakeTimeout: 10 * time.Second,
		Proxy:            websocket.DefaultDialer.Proxy,
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	c := &Client{
		conn:     conn,
		incoming: make(chan *protocol.Message, queueSize),
		outgoing: make(chan *protocol.Message, queueSize),
		done:     make(chan struct{}),
		logger:   slog.With("component", "hubclient"),
	}

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.readPump()
	go c.writePump()

	return c, nil
}

// readPump reads messages from the WebSocket connection.
func (c *Client) readPump() {
	defer func() {
		c.shutdown()
		c.conn.Close()
		close(c.incoming)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("hub connection lost", "error", err)
			}
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("malformed message from hub", "error", err)
			continue
		}

		select {
		case c.incoming <- &msg:
		case <-c.done:
			return
		}
	}
}

// writePump writes messages to the WebSocket connection and sends periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.outgoing:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(message); err != nil {
				c.shutdown()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Send queues msg for delivery to the hub.
func (c *Client) Send(msg *protocol.Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.outgoing <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// SendTyped builds and queues a message.
func (c *Client) SendTyped(msgType string, payload any) error {
	msg, err := protocol.New(msgType, payload)
	if err != nil {
		return err
	}
	return c.Send(msg)
}

// Incoming returns the channel for receiving messages. It is closed once
// the connection is gone.
func (c *Client) Incoming() <-chan *protocol.Message {
	return c.incoming
}

// Done is closed when the connection is closed locally or lost.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Await reads messages until one of the given types arrives and returns it.
// Messages of other types are discarded.
func (c *Client) Await(ctx context.Context, types ...string) (*protocol.Message, error) {
	for {
		select {
		case msg, ok := <-c.incoming:
			if !ok {
				return nil, ErrClosed
			}
			if slices.Contains(types, msg.Type) {
				return msg, nil
			}
			c.logger.Debug("message ignored while waiting", "type", msg.Type, "want", types)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close closes the WebSocket connection and cleans up resources.
// It is safe to call more than once.
func (c *Client) Close() error {
	c.shutdown()
	return nil
}

func (c *Client) shutdown() {
	c.once.Do(func() { close(c.done) })
}

package gateway

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait bounds a single socket write.
	writeWait = 10 * time.Second

	// maxMessageSize bounds inbound frames.
	maxMessageSize = 1024
)

// conn is the subset of *websocket.Conn the client uses. Tests substitute an
// in-memory implementation.
type conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// Client is one gateway connection. All socket writes go through writePump;
// the hub communicates with it only via the send and ping channels.
type Client struct {
	ID   string
	hub  *Hub
	conn conn

	send    chan []byte
	pingReq chan struct{}

	// alive is set by pong receipt and cleared by the heartbeat sweep.
	alive atomic.Bool

	sendOnce sync.Once
	connOnce sync.Once

	logger *zap.Logger
}

func newClient(hub *Hub, c conn, logger *zap.Logger) *Client {
	client := &Client{
		ID:      uuid.NewString(),
		hub:     hub,
		conn:    c,
		send:    make(chan []byte, hub.config.SendBufferSize),
		pingReq: make(chan struct{}, 1),
		logger:  logger,
	}
	client.alive.Store(true)
	return client
}

// run registers the client and starts both pumps. It sends the connected
// frame as the first message.
func (c *Client) run() error {
	if err := c.hub.register(c); err != nil {
		return err
	}

	c.sendFrame(connectedFrame{Type: "connected", ClientID: c.ID})

	go c.writePump()
	go c.readPump()
	return nil
}

// readPump processes inbound frames until the connection drops. Teardown
// always goes through the hub's unregister path.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c.ID)
		c.closeConn()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error",
					zap.String("client_id", c.ID), zap.Error(err))
			}
			return
		}
		c.handleFrame(message)
	}
}

// handleFrame dispatches one inbound frame. Malformed frames produce an error
// frame but never close the connection.
func (c *Client) handleFrame(message []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		c.sendError("invalid message format")
		return
	}

	switch frame.Type {
	case frameSubscribe:
		if err := c.hub.subscribe(c.ID, frame.Channel); err != nil {
			c.sendError(err.Error())
			return
		}
		c.sendFrame(ackFrame{Type: "subscribed", Channel: frame.Channel})

	case frameUnsubscribe:
		c.hub.unsubscribe(c.ID, frame.Channel)
		c.sendFrame(ackFrame{Type: "unsubscribed", Channel: frame.Channel})

	case framePing:
		c.sendFrame(pongFrame{Type: "pong"})

	default:
		c.sendError("unknown message type: " + frame.Type)
	}
}

// writePump is the only goroutine writing to the socket. It drains the send
// buffer and serves heartbeat ping requests.
func (c *Client) writePump() {
	defer c.closeConn()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-c.pingReq:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// trySend queues a message without blocking. It reports false when the
// client's buffer is full.
func (c *Client) trySend(message []byte) bool {
	defer func() {
		// Losing the race against closeSend is not an error.
		_ = recover()
	}()

	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

func (c *Client) sendFrame(frame interface{}) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("failed to marshal frame", zap.Error(err))
		return
	}
	if !c.trySend(data) {
		c.logger.Warn("client send buffer full, dropping frame",
			zap.String("client_id", c.ID))
	}
}

func (c *Client) sendError(message string) {
	c.sendFrame(errorFrame{Type: "error", Message: message})
}

// requestPing asks writePump to emit a ping control frame.
func (c *Client) requestPing() {
	select {
	case c.pingReq <- struct{}{}:
	default:
	}
}

func (c *Client) closeSend() {
	c.sendOnce.Do(func() { close(c.send) })
}

func (c *Client) closeConn() {
	c.connOnce.Do(func() { _ = c.conn.Close() })
}

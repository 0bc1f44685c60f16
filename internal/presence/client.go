package presence

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// wsConnection is the subset of *websocket.Conn the client uses. Tests
// substitute an in-memory implementation.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// Frame is the wire format in both directions. Inbound types are join,
// leave, typing, focus and cursor; outbound types are event, unauthorized
// and error.
type Frame struct {
	Type    string          `json:"type"`
	Room    string          `json:"room,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client is one authenticated WebSocket connection. A user may hold several
// clients at once (multiple tabs or devices).
type Client struct {
	SocketID string
	UserID   string

	broker *Broker
	conn   wsConnection
	send   chan []byte

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

func newClient(socketID, userID string, broker *Broker, conn wsConnection) *Client {
	return &Client{
		SocketID: socketID,
		UserID:   userID,
		broker:   broker,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
	}
}

// enqueue hands a serialized frame to the write pump. It reports false when
// the client is closed or its buffer is full; slow consumers lose frames
// rather than blocking the broker. The read lock is held across the send so
// close cannot close the channel between the flag check and the send.
func (c *Client) enqueue(data []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}

	select {
	case c.send <- data:
		return true
	default:
		log.Warn().Str("socketId", c.SocketID).Str("userId", c.UserID).Msg("presence send buffer full, dropping frame")
		return false
	}
}

// sendFrame marshals and enqueues one frame for this client only.
func (c *Client) sendFrame(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	c.enqueue(data)
}

// close marks the client closed and releases the write pump. The channel is
// closed under the write lock so every in-flight enqueue has finished.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()
	})
}

// readPump consumes inbound frames until the connection drops. Malformed
// JSON closes the connection; unknown frame types are ignored.
func (c *Client) readPump() {
	defer func() {
		c.broker.disconnect(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warn().Str("socketId", c.SocketID).Err(err).Msg("malformed presence frame, closing")
			return
		}
		c.broker.route(c, f)
	}
}

// writePump drains the send channel and keeps the connection alive with
// pings. Exits when the channel closes or a write fails.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
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

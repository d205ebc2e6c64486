package relay

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/luminavis/relay/internal/v1/logging"
	"github.com/luminavis/relay/internal/v1/metrics"
)

// earlyFrameLimit bounds the buffer for frames that arrive before join setup
// finishes; excess frames are dropped.
const earlyFrameLimit = 64

// sendBufferSize is the per-client outbound queue. Full queues drop frames
// rather than block the fan-out loop.
const sendBufferSize = 256

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Client represents a single connection bound to a session room. It is the
// only type that touches the transport; the hub sees send/close and nothing
// else.
type Client struct {
	conn wsConnection
	hub  *Hub

	Role      Role
	SessionID string // set once join setup completes
	Kiosk     bool   // only meaningful for displays

	mu        sync.Mutex
	closed    bool
	setupDone bool
	pending   [][]byte // early inbound frames buffered during join setup

	// deliverMu serializes inbound delivery so buffered frames reach the hub
	// before any frame read after setup.
	deliverMu sync.Mutex

	closeCode   int
	closeReason string

	closeOnce sync.Once
	send      chan []byte
}

func newClient(conn wsConnection, hub *Hub, role Role, kiosk bool) *Client {
	return &Client{
		conn:      conn,
		hub:       hub,
		Role:      role,
		Kiosk:     kiosk && role == RoleDisplay,
		closeCode: websocket.CloseNormalClosure,
		send:      make(chan []byte, sendBufferSize),
	}
}

// bindSession records the room this client resolved into. Written exactly
// once during join setup, read by the hub on close and inbound paths.
func (c *Client) bindSession(id string) {
	c.mu.Lock()
	c.SessionID = id
	c.mu.Unlock()
}

// Session returns the bound session ID, or "" before join setup resolves.
func (c *Client) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.SessionID
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SendRaw queues a pre-serialized frame for delivery. Non-blocking: a full or
// closed client drops the frame.
func (c *Client) SendRaw(data []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	// Safety net: send on a closed channel can race a concurrent Disconnect.
	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "Recovered from panic in SendRaw", zap.Any("panic", r))
		}
	}()

	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "Client send channel full, dropping frame",
			zap.String("role", string(c.Role)), zap.String("sessionId", c.Session()))
	}
}

// Disconnect closes the send channel, which lets writePump drain buffers,
// send the close frame, and close the connection.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.closeOnce.Do(func() { close(c.send) })
}

// CloseWithCode queues a final frame-less shutdown with a specific close code.
func (c *Client) CloseWithCode(code int, reason string) {
	c.mu.Lock()
	c.closeCode = code
	c.closeReason = reason
	c.mu.Unlock()
	c.Disconnect()
}

// finishSetup flips the client into live delivery and flushes the early
// buffer in arrival order. Holding deliverMu while flipping guarantees no
// live frame overtakes a buffered one.
func (c *Client) finishSetup(sessionID string) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	c.SessionID = sessionID
	c.setupDone = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, frame := range pending {
		c.hub.HandleInbound(c, frame)
	}
}

// readPump continuously processes incoming WebSocket frames.
func (c *Client) readPump() {
	defer func() {
		c.hub.HandleClose(c)
		_ = c.conn.Close()
		metrics.DecConnection()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		c.mu.Lock()
		if !c.setupDone {
			// Join setup still in flight: buffer, bounded.
			if len(c.pending) < earlyFrameLimit {
				c.pending = append(c.pending, data)
			} else {
				metrics.FramesDropped.WithLabelValues("early_buffer_overflow").Inc()
			}
			c.mu.Unlock()
			continue
		}
		c.mu.Unlock()

		c.deliverMu.Lock()
		c.hub.HandleInbound(c, data)
		c.deliverMu.Unlock()
	}
}

func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()
	writeWait := 10 * time.Second

	for message := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.Error(context.Background(), "error writing message", zap.Error(err))
			return
		}
	}

	c.mu.Lock()
	code, reason := c.closeCode, c.closeReason
	c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}

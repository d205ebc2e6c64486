package relay

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/luminavis/relay/internal/v1/bus"
	"github.com/luminavis/relay/internal/v1/session"
)

// fakeConn implements wsConnection in memory. Preloaded frames are returned in
// order; afterwards ReadMessage blocks until Close.
type fakeConn struct {
	inbound chan []byte

	closed    chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	texts      [][]byte
	closeFrame []byte
}

func newFakeConn(frames ...[]byte) *fakeConn {
	fc := &fakeConn{
		inbound: make(chan []byte, 128),
		closed:  make(chan struct{}),
	}
	for _, f := range frames {
		fc.inbound <- f
	}
	return fc
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	// Drain preloaded frames before honoring close, so tests stay ordered.
	select {
	case data := <-f.inbound:
		return websocket.TextMessage, data, nil
	default:
	}
	select {
	case data := <-f.inbound:
		return websocket.TextMessage, data, nil
	case <-f.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch messageType {
	case websocket.TextMessage:
		f.texts = append(f.texts, data)
	case websocket.CloseMessage:
		f.closeFrame = data
	}
	return nil
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func (f *fakeConn) sentTexts() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.texts))
	copy(out, f.texts)
	return out
}

// closeCode decodes the close frame's status code, or 0 if none was sent.
func (f *fakeConn) closeCode() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.closeFrame) < 2 {
		return 0
	}
	return int(binary.BigEndian.Uint16(f.closeFrame[:2]))
}

// fakeBus implements the hub's Bus interface, recording traffic.
type fakeBus struct {
	mu           sync.Mutex
	published    map[string][][]byte
	handlers     map[string]func(string)
	unsubscribed []string
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		published: make(map[string][][]byte),
		handlers:  make(map[string]func(string)),
	}
}

func (b *fakeBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	b.published[channel] = append(b.published[channel], cp)
	return nil
}

func (b *fakeBus) Subscribe(channel string, handler func(payload string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[channel] = handler
}

func (b *fakeBus) Unsubscribe(channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, channel)
	b.unsubscribed = append(b.unsubscribed, channel)
}

func (b *fakeBus) publishedOn(channel string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.published[channel]))
	copy(out, b.published[channel])
	return out
}

func (b *fakeBus) subscribedTo(channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.handlers[channel]
	return ok
}

func (b *fakeBus) unsubscribedFrom(channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.unsubscribed {
		if ch == channel {
			return true
		}
	}
	return false
}

// newTestHub builds a hub against an in-process store with short timers.
func newTestHub(t *testing.T, requireCode bool) (*Hub, *fakeBus) {
	t.Helper()

	local := bus.NewLocalService()
	t.Cleanup(func() { _ = local.Close() })

	fb := newFakeBus()
	h := NewHub(session.NewStore(local), fb, requireCode, nil)
	h.GraceDelay = 40 * time.Millisecond
	h.ReapDelay = 40 * time.Millisecond
	t.Cleanup(func() { _ = h.Shutdown(context.Background()) })

	return h, fb
}

// joinClient runs the synchronous join path without pumps; outbound frames
// accumulate in the client's send buffer for inspection.
func joinClient(h *Hub, role Role, code string, kiosk bool) *Client {
	c := newClient(newFakeConn(), h, role, kiosk)
	h.JoinSession(c, code)
	return c
}

// drainSend empties the client's send buffer.
func drainSend(c *Client) [][]byte {
	var out [][]byte
	for {
		select {
		case m, ok := <-c.send:
			if !ok {
				return out
			}
			out = append(out, m)
		default:
			return out
		}
	}
}

type frameObj map[string]any

func decodeFrames(t *testing.T, raw [][]byte) []frameObj {
	t.Helper()
	out := make([]frameObj, 0, len(raw))
	for _, r := range raw {
		var obj frameObj
		require.NoError(t, json.Unmarshal(r, &obj))
		out = append(out, obj)
	}
	return out
}

func frameTypes(t *testing.T, raw [][]byte) []string {
	t.Helper()
	types := make([]string, 0, len(raw))
	for _, obj := range decodeFrames(t, raw) {
		typ, _ := obj["type"].(string)
		types = append(types, typ)
	}
	return types
}

// mintedSessionID pulls the session id out of the session frame a freshly
// minting client received.
func mintedSessionID(t *testing.T, c *Client) string {
	t.Helper()
	for _, obj := range decodeFrames(t, drainSend(c)) {
		if obj["type"] == "session" {
			id, _ := obj["sessionId"].(string)
			require.NotEmpty(t, id)
			return id
		}
	}
	t.Fatal("no session frame received")
	return ""
}

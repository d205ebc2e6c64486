package relay

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_EarlyFramesFlushInOrder(t *testing.T) {
	h, _ := newTestHub(t, true)

	display := joinClient(h, RoleDisplay, "", false)
	id := mintedSessionID(t, display)

	early := [][]byte{
		[]byte(`{"type":"command","seq":0}`),
		[]byte(`{"type":"command","seq":1}`),
		[]byte(`{"type":"command","seq":2}`),
	}
	fc := newFakeConn(early...)
	c := newClient(fc, h, RoleController, false)
	go c.readPump()
	defer func() { _ = fc.Close() }()

	// Frames sent before join setup completes are buffered, not lost
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.pending) == len(early)
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, drainSend(display))

	h.JoinSession(c, id)

	cmds := commandFrames(t, drainSend(display))
	require.Len(t, cmds, 3)
	for i, f := range cmds {
		assert.Equal(t, float64(i), f["seq"])
	}
}

// commandFrames filters out join chatter such as remoteStatus.
func commandFrames(t *testing.T, raw [][]byte) []frameObj {
	t.Helper()
	var out []frameObj
	for _, f := range decodeFrames(t, raw) {
		if f["type"] == "command" {
			out = append(out, f)
		}
	}
	return out
}

func TestClient_EarlyBufferIsBounded(t *testing.T) {
	h, _ := newTestHub(t, true)

	display := joinClient(h, RoleDisplay, "", false)
	id := mintedSessionID(t, display)

	overflow := make([][]byte, 0, earlyFrameLimit+8)
	for i := 0; i < earlyFrameLimit+8; i++ {
		overflow = append(overflow, []byte(fmt.Sprintf(`{"type":"command","seq":%d}`, i)))
	}
	fc := newFakeConn(overflow...)
	c := newClient(fc, h, RoleController, false)
	go c.readPump()
	defer func() { _ = fc.Close() }()

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(fc.inbound) == 0 && len(c.pending) == earlyFrameLimit
	}, time.Second, 5*time.Millisecond)
	// Let the reader finish discarding the overflow tail
	time.Sleep(50 * time.Millisecond)

	h.JoinSession(c, id)

	cmds := commandFrames(t, drainSend(display))
	require.Len(t, cmds, earlyFrameLimit)
	assert.Equal(t, float64(0), cmds[0]["seq"])
	assert.Equal(t, float64(earlyFrameLimit-1), cmds[len(cmds)-1]["seq"])
}

func TestClient_SendRawDropsWhenFull(t *testing.T) {
	c := newClient(newFakeConn(), nil, RoleViewer, false)

	for i := 0; i < sendBufferSize+10; i++ {
		c.SendRaw([]byte(`{"type":"ping"}`)) // must never block
	}
	assert.Len(t, c.send, sendBufferSize)
}

func TestClient_SendRawAfterDisconnect(t *testing.T) {
	c := newClient(newFakeConn(), nil, RoleViewer, false)
	c.Disconnect()
	c.Disconnect() // idempotent

	c.SendRaw([]byte(`{"type":"ping"}`)) // must not panic
	assert.True(t, c.isClosed())
}

func TestClient_CloseWithCodeReachesTheWire(t *testing.T) {
	fc := newFakeConn()
	c := newClient(fc, nil, RoleViewer, false)

	done := make(chan struct{})
	go func() {
		c.writePump()
		close(done)
	}()

	c.SendRaw(errorFrame("Invalid session code"))
	c.CloseWithCode(CloseInvalidSession, "Invalid session")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("writePump never exited")
	}

	texts := fc.sentTexts()
	require.Len(t, texts, 1)
	assert.JSONEq(t, `{"type":"error","message":"Invalid session code"}`, string(texts[0]))
	assert.Equal(t, CloseInvalidSession, fc.closeCode())
}

func TestHandleConnection_EndToEnd(t *testing.T) {
	h, _ := newTestHub(t, true)

	fc := newFakeConn()
	c := h.HandleConnection(fc, RoleDisplay, "", false)

	// The minted session frame travels all the way to the transport
	require.Eventually(t, func() bool {
		for _, typ := range frameTypes(t, fc.sentTexts()) {
			if typ == "session" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	id := c.Session()
	require.NotEmpty(t, id)
	assert.Equal(t, 1, h.CountByRole(id, RoleDisplay))

	// Transport drop tears the client down and sends the close frame
	_ = fc.Close()
	require.Eventually(t, func() bool {
		return fc.closeCode() != 0
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return h.CountByRole(id, RoleDisplay) == 0
	}, time.Second, 5*time.Millisecond)
}

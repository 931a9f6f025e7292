package broadcast

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type frame struct {
	kind int
	data []byte
}

// fakeConn records frames written by the registry.
type fakeConn struct {
	mu       sync.Mutex
	frames   []frame
	closed   bool
	failWith error
	block    chan struct{}
	pong     func(string) error
}

func newFakeConn() *fakeConn { return &fakeConn{} }

func (c *fakeConn) WriteMessage(kind int, data []byte) error {
	c.mu.Lock()
	block := c.block
	c.mu.Unlock()
	if block != nil {
		<-block
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return c.failWith
	}
	if c.closed {
		return errors.New("use of closed connection")
	}
	c.frames = append(c.frames, frame{kind: kind, data: append([]byte(nil), data...)})
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }

func (c *fakeConn) SetPongHandler(h func(string) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pong = h
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) setFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failWith = err
}

// textTypes returns the envelope types of every text frame written so far.
func (c *fakeConn) textTypes(t *testing.T) []string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var types []string
	for _, f := range c.frames {
		if f.kind != websocket.TextMessage {
			continue
		}
		var msg map[string]any
		require.NoError(t, json.Unmarshal(f.data, &msg))
		types = append(types, msg["type"].(string))
	}
	return types
}

func (c *fakeConn) countKind(kind int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, f := range c.frames {
		if f.kind == kind {
			n++
		}
	}
	return n
}

// closeCode returns the code of the close frame, or 0 when none was written.
func (c *fakeConn) closeCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.frames {
		if f.kind == websocket.CloseMessage && len(f.data) >= 2 {
			return int(f.data[0])<<8 | int(f.data[1])
		}
	}
	return 0
}

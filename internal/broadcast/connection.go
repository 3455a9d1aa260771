package broadcast

import (
	"sync"
	"sync/atomic"
	"time"
)

// ConnMeta describes who opened a connection.
type ConnMeta struct {
	RemoteAddr string
	UserAgent  string
	// Identity is the rate-limit identity: the client IP or key:{id}.
	Identity string
}

// Connection is one live client. Its subscribed symbols are owned by the
// Registry and only touched under the registry lock.
type Connection struct {
	ID          string
	Meta        ConnMeta
	ConnectedAt time.Time

	lastActivity atomic.Int64
	send         chan []byte
	symbols      map[string]struct{}

	closeOnce sync.Once
	closer    func(reason string)
}

func NewConnection(meta ConnMeta, bufferSize int, now time.Time) *Connection {
	c := &Connection{
		Meta:        meta,
		ConnectedAt: now,
		send:        make(chan []byte, max(bufferSize, 1)),
		symbols:     make(map[string]struct{}),
	}
	c.lastActivity.Store(now.UnixNano())
	return c
}

// Enqueue offers msg to the outbound channel without blocking and reports
// whether it was accepted.
func (c *Connection) Enqueue(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Outbound is drained by the connection's writer.
func (c *Connection) Outbound() <-chan []byte {
	return c.send
}

func (c *Connection) Touch(now time.Time) {
	c.lastActivity.Store(now.UnixNano())
}

func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// OnClose sets the function that tears down the transport. It runs at most
// once, on the first Close.
func (c *Connection) OnClose(fn func(reason string)) {
	c.closer = fn
}

func (c *Connection) Close(reason string) {
	c.closeOnce.Do(func() {
		if c.closer != nil {
			c.closer(reason)
		}
	})
}

package broadcast

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	writeDeadline   = 5 * time.Second
	pingInterval    = 30 * time.Second
	pongDeadline    = 60 * time.Second
	idleTimeout     = 5 * time.Minute
	idleWarningTime = 4 * time.Minute // one minute before disconnect
)

const idleWarning = "Connection idle. Will disconnect if no activity within 1 minute."

// Writer owns every write to one WebSocket. It drains the connection's
// outbound channel, pings the client and closes idle connections.
type Writer struct {
	conn     *Connection
	ws       *websocket.Conn
	clock    clockwork.Clock
	recorder Recorder

	done     chan struct{}
	exited   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu       sync.Mutex
	warnedAt time.Time // LastActivity at the time of the last warning
}

func NewWriter(conn *Connection, ws *websocket.Conn, clock clockwork.Clock, recorder Recorder) *Writer {
	w := &Writer{
		conn:     conn,
		ws:       ws,
		clock:    clock,
		recorder: recorder,
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	w.configurePongHandler()
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *Writer) run() {
	ticker := w.clock.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		close(w.exited)
		w.wg.Done()
	}()

	for {
		select {
		case msg := <-w.conn.Outbound():
			w.updateWriteDeadline()
			if err := w.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				w.recorder.RecordError("websocket_write")
				_ = w.ws.Close()
				return
			}
		case <-ticker.Chan():
			if w.checkIdleTimeout() {
				_ = w.ws.Close()
				return
			}

			w.updateWriteDeadline()
			if err := w.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				w.recorder.RecordError("ping_failed")
				_ = w.ws.Close()
				return
			}
		case <-w.done:
			return
		}
	}
}

// Exited is closed once the write loop has returned.
func (w *Writer) Exited() <-chan struct{} {
	return w.exited
}

func (w *Writer) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.ws.Close()
	})
	w.wg.Wait()
}

// StopGraceful sends a close frame with reason before closing.
func (w *Writer) StopGraceful(reason string) {
	w.stopOnce.Do(func() {
		close(w.done)

		// The write loop must be gone before the close frame is written.
		w.wg.Wait()

		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		w.updateWriteDeadline()
		_ = w.ws.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = w.ws.Close()
	})
	w.wg.Wait()
}

func (w *Writer) configurePongHandler() {
	w.RefreshReadDeadline()
	w.ws.SetPongHandler(func(string) error {
		w.RefreshReadDeadline()
		w.conn.Touch(w.clock.Now())
		return nil
	})
}

func (w *Writer) updateWriteDeadline() {
	_ = w.ws.SetWriteDeadline(w.clock.Now().Add(writeDeadline))
}

// RefreshReadDeadline pushes the read deadline out by the pong window.
func (w *Writer) RefreshReadDeadline() {
	_ = w.ws.SetReadDeadline(w.clock.Now().Add(pongDeadline))
}

// checkIdleTimeout warns once per idle period and reports whether the
// connection has been idle long enough to drop.
func (w *Writer) checkIdleTimeout() bool {
	last := w.conn.LastActivity()
	idle := w.clock.Since(last)

	if idle >= idleTimeout {
		w.recorder.RecordError("idle_timeout")
		return true
	}

	w.mu.Lock()
	warned := w.warnedAt.Equal(last)
	w.mu.Unlock()

	if !warned && idle >= idleWarningTime {
		msg, err := Encode(EventError, ErrorPayload{Message: idleWarning})
		if err != nil {
			return false
		}
		w.updateWriteDeadline()
		if err := w.ws.WriteMessage(websocket.TextMessage, msg); err == nil {
			w.mu.Lock()
			w.warnedAt = last
			w.mu.Unlock()
		}
	}

	return false
}

func (w *Writer) warningSent() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.warnedAt.Equal(w.conn.LastActivity())
}

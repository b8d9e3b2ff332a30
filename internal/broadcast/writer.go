package broadcast

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	writeDeadline     = 5 * time.Second
	pingInterval      = 30 * time.Second
	pongDeadline      = 60 * time.Second
	messageBufferSize = 16

	// The client is warned once idleWarningNum/idleWarningDen of the idle timeout has passed.
	idleWarningNum, idleWarningDen = 4, 5
)

// connWriter owns every write to one connection. Network deadlines use wall time while
// idle accounting uses the injected clock so tests can step it.
type connWriter struct {
	conn        *websocket.Conn
	clock       clockwork.Clock
	idleTimeout time.Duration
	outbox      chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup

	mu          sync.Mutex
	lastInbound time.Time
	warned      bool
}

func newConnWriter(conn *websocket.Conn, clock clockwork.Clock, idleTimeout time.Duration) *connWriter {
	w := &connWriter{
		conn:        conn,
		clock:       clock,
		idleTimeout: idleTimeout,
		outbox:      make(chan []byte, messageBufferSize),
		done:        make(chan struct{}),
		lastInbound: clock.Now(),
	}

	w.extendReadDeadline()
	conn.SetPongHandler(func(string) error {
		w.extendReadDeadline()
		return nil
	})

	w.wg.Add(1)
	go w.loop()
	return w
}

// enqueue never blocks. False means the outbox is full or the writer has stopped.
func (w *connWriter) enqueue(msg []byte) bool {
	select {
	case <-w.done:
		return false
	default:
	}

	select {
	case w.outbox <- msg:
		return true
	default:
		return false
	}
}

func (w *connWriter) loop() {
	defer w.wg.Done()

	ticker := w.clock.NewTicker(w.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return

		case msg := <-w.outbox:
			if w.write(websocket.TextMessage, msg) != nil {
				_ = w.conn.Close()
				return
			}

		case <-ticker.Chan():
			if w.idleExpired() {
				_ = w.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "idle timeout"))
				_ = w.conn.Close()
				return
			}
			if w.write(websocket.PingMessage, nil) != nil {
				_ = w.conn.Close()
				return
			}
		}
	}
}

func (w *connWriter) write(messageType int, data []byte) error {
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return w.conn.WriteMessage(messageType, data)
}

// tickInterval pings every pingInterval, or more often when a short idle timeout would
// otherwise skip the warning window.
func (w *connWriter) tickInterval() time.Duration {
	if fifth := w.idleTimeout / 5; w.idleTimeout > 0 && fifth < pingInterval {
		return fifth
	}
	return pingInterval
}

// stop closes the connection without a close frame.
func (w *connWriter) stop() {
	w.closeOnce.Do(func() {
		close(w.done)
		_ = w.conn.Close()
	})
	w.wg.Wait()
}

// stopGraceful waits for the loop to exit, then sends a close frame carrying code and
// reason before closing.
func (w *connWriter) stopGraceful(code int, reason string) {
	w.closeOnce.Do(func() {
		close(w.done)
		w.wg.Wait()

		_ = w.write(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
		_ = w.conn.Close()
	})
	w.wg.Wait()
}

func (w *connWriter) extendReadDeadline() {
	_ = w.conn.SetReadDeadline(time.Now().Add(pongDeadline))
}

// markInbound records a data frame from the client. Pongs only extend the read deadline.
func (w *connWriter) markInbound() {
	w.mu.Lock()
	w.lastInbound = w.clock.Now()
	w.warned = false
	w.mu.Unlock()

	w.extendReadDeadline()
}

// idleExpired reports whether the connection has been silent for the full idle timeout.
// Crossing the warning threshold sends a single idle-warning frame.
func (w *connWriter) idleExpired() bool {
	if w.idleTimeout <= 0 {
		return false
	}

	w.mu.Lock()
	silent := w.clock.Since(w.lastInbound)
	warned := w.warned
	w.mu.Unlock()

	switch {
	case silent >= w.idleTimeout:
		return true
	case warned || silent < w.idleTimeout*idleWarningNum/idleWarningDen:
		return false
	}

	frame, _ := json.Marshal(outbound{
		Event: EventIdleWarning,
		Data:  map[string]any{"disconnectInSeconds": int((w.idleTimeout - silent).Seconds())},
	})
	if w.write(websocket.TextMessage, frame) == nil {
		w.mu.Lock()
		w.warned = true
		w.mu.Unlock()
	}
	return false
}

package broadcast

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/sectorpulse/internal/domain"
	"github.com/pscheid92/sectorpulse/internal/metrics"
)

const (
	writeDeadline     = 5 * time.Second
	pingInterval      = 30 * time.Second
	pongDeadline      = 60 * time.Second
	idleTimeout       = 5 * time.Minute
	idleWarningTime   = 4 * time.Minute // Warn 1 minute before disconnect
	messageBufferSize = 16
)

// Conn is the subset of *websocket.Conn the registry writes to.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// exitFunc is called when the writer stops on its own (write failure or idle timeout).
type exitFunc func(code int, reason string)

type clientWriter struct {
	connection    Conn
	clock         clockwork.Clock
	sendChannel   chan []byte
	stopChannel   chan struct{}
	doneChannel   chan struct{}
	stopOnce      sync.Once
	onExit        exitFunc
	lastActivity  time.Time
	activityMutex sync.Mutex
	warningSent   bool
	failure       error // set by run before doneChannel closes
}

func newClientWriter(connection Conn, clock clockwork.Clock, onExit exitFunc) *clientWriter {
	cw := &clientWriter{
		connection:   connection,
		clock:        clock,
		sendChannel:  make(chan []byte, messageBufferSize),
		stopChannel:  make(chan struct{}),
		doneChannel:  make(chan struct{}),
		onExit:       onExit,
		lastActivity: clock.Now(),
	}
	cw.configurePongHandler()
	return cw
}

func (cw *clientWriter) start() {
	go cw.run()
}

// enqueue adds a frame without blocking. It returns false when the queue is full
// or the writer already exited.
func (cw *clientWriter) enqueue(data []byte) bool {
	select {
	case <-cw.doneChannel:
		return false
	default:
	}

	select {
	case cw.sendChannel <- data:
		return true
	default:
		return false
	}
}

func (cw *clientWriter) exited() bool {
	select {
	case <-cw.doneChannel:
		return true
	default:
		return false
	}
}

// cause returns the write error that stopped the writer, or nil while it runs
// or when it stopped for another reason.
func (cw *clientWriter) cause() error {
	if !cw.exited() {
		return nil
	}
	return cw.failure
}

func (cw *clientWriter) run() {
	ticker := cw.clock.NewTicker(pingInterval)
	defer ticker.Stop()
	defer close(cw.doneChannel)

	for {
		select {
		case msg := <-cw.sendChannel:
			start := cw.clock.Now()
			cw.updateWriteDeadline()
			if err := cw.connection.WriteMessage(websocket.TextMessage, msg); err != nil {
				cw.failure = fmt.Errorf("%w: %w", domain.ErrDeliveryFailed, err)
				cw.exit(CloseConnectionError, "write failed")
				return
			}
			metrics.WebSocketMessageSendDuration.Observe(cw.clock.Since(start).Seconds())
		case <-ticker.Chan():
			if cw.checkIdleTimeout() {
				cw.exit(CloseNormal, "idle timeout")
				return
			}

			cw.updateWriteDeadline()
			if err := cw.connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				metrics.WebSocketPingFailures.Inc()
				cw.failure = fmt.Errorf("%w: ping: %w", domain.ErrDeliveryFailed, err)
				cw.exit(CloseConnectionError, "ping failed")
				return
			}
		case <-cw.stopChannel:
			return
		}
	}
}

func (cw *clientWriter) exit(code int, reason string) {
	select {
	case <-cw.stopChannel:
		return
	default:
	}
	if cw.onExit != nil {
		go cw.onExit(code, reason)
	}
}

// stop sends a close frame and closes the socket. Pending frames are flushed
// first so an error reply queued just before the close still reaches the client.
func (cw *clientWriter) stop(code int, reason string) {
	cw.stopOnce.Do(func() {
		close(cw.stopChannel)
		<-cw.doneChannel

		cw.flush()

		closeMsg := websocket.FormatCloseMessage(code, reason)
		cw.updateWriteDeadline()
		if err := cw.connection.WriteMessage(websocket.CloseMessage, closeMsg); err != nil {
			slog.Debug("Close frame not delivered", "code", code, "error", err)
		}
		_ = cw.connection.Close()
	})
}

func (cw *clientWriter) flush() {
	for {
		select {
		case msg := <-cw.sendChannel:
			cw.updateWriteDeadline()
			if err := cw.connection.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (cw *clientWriter) configurePongHandler() {
	cw.updateReadDeadline()
	cw.connection.SetPongHandler(func(string) error {
		cw.updateReadDeadline()
		cw.recordActivity()
		return nil
	})
}

func (cw *clientWriter) updateWriteDeadline() {
	_ = cw.connection.SetWriteDeadline(cw.clock.Now().Add(writeDeadline))
}

func (cw *clientWriter) updateReadDeadline() {
	_ = cw.connection.SetReadDeadline(cw.clock.Now().Add(pongDeadline))
}

// recordActivity updates the last activity timestamp.
func (cw *clientWriter) recordActivity() {
	cw.activityMutex.Lock()
	defer cw.activityMutex.Unlock()
	cw.lastActivity = cw.clock.Now()
	cw.warningSent = false
}

// checkIdleTimeout sends a warning when the connection approaches the idle limit.
// Returns true if the connection should be terminated.
func (cw *clientWriter) checkIdleTimeout() bool {
	cw.activityMutex.Lock()
	idleDuration := cw.clock.Since(cw.lastActivity)
	warningSent := cw.warningSent
	cw.activityMutex.Unlock()

	if idleDuration >= idleTimeout {
		metrics.WebSocketIdleDisconnects.Inc()
		return true
	}

	if !warningSent && idleDuration >= idleWarningTime {
		warning := domain.NewEnvelope(domain.TypeSystemMessage, cw.clock.Now(), map[string]any{
			"message": "Connection idle. Will disconnect if no activity within 1 minute.",
		})
		data, err := json.Marshal(warning)
		if err != nil {
			return false
		}
		cw.updateWriteDeadline()
		if err := cw.connection.WriteMessage(websocket.TextMessage, data); err == nil {
			cw.activityMutex.Lock()
			cw.warningSent = true
			cw.activityMutex.Unlock()
		}
	}

	return false
}

// touch records inbound client activity.
func (cw *clientWriter) touch() {
	cw.updateReadDeadline()
	cw.recordActivity()
}

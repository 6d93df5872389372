package deribit

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"deribit-gateway/internal/metrics"
)

const (
	dialTimeout   = 10 * time.Second
	reconnectWait = 60 * time.Second
	writeTimeout  = 10 * time.Second
)

// transport owns the WebSocket connection and the read loop. It reports
// frames and lifecycle transitions to the client through callbacks and
// handles the fixed-delay reconnect cycle itself.
type transport struct {
	url       string
	reconnect bool

	onOpen    func()
	onClose   func()
	onMessage func([]byte)
	onError   func(error)

	mu      sync.Mutex
	conn    *websocket.Conn
	done    chan struct{}
	stopped bool

	writeMu sync.Mutex
	wg      sync.WaitGroup

	log zerolog.Logger
}

func newTransport(url string, reconnect bool, log zerolog.Logger) *transport {
	return &transport{
		url:       url,
		reconnect: reconnect,
		log:       log,
	}
}

// connect dials the endpoint and starts the read loop.
func (t *transport) connect() error {
	dialer := websocket.Dialer{
		HandshakeTimeout: dialTimeout,
	}

	conn, resp, err := dialer.Dial(t.url, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("websocket dial failed: %w", err)
	}
	if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
		conn.Close()
		return fmt.Errorf("unexpected handshake status: %d", resp.StatusCode)
	}

	t.mu.Lock()
	t.conn = conn
	t.done = make(chan struct{})
	t.mu.Unlock()

	t.log.Info().Str("url", t.url).Msg("WebSocket connected")
	metrics.RecordConnectionStatus(true)

	t.wg.Add(1)
	go t.readLoop(conn)

	if t.onOpen != nil {
		t.onOpen()
	}
	return nil
}

func (t *transport) readLoop(conn *websocket.Conn) {
	defer t.handleDisconnect()
	defer t.wg.Done()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			stopped := t.stopped
			t.mu.Unlock()
			if !stopped {
				t.log.Error().Err(err).Msg("WebSocket read error")
				if t.onError != nil {
					t.onError(fmt.Errorf("websocket read: %w", err))
				}
			}
			return
		}
		if t.onMessage != nil {
			t.onMessage(message)
		}
	}
}

func (t *transport) handleDisconnect() {
	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	if t.done != nil {
		close(t.done)
		t.done = nil
	}
	stopped := t.stopped
	t.mu.Unlock()

	metrics.RecordConnectionStatus(false)

	if t.onClose != nil {
		t.onClose()
	}

	if stopped || !t.reconnect {
		return
	}

	t.log.Warn().Dur("wait", reconnectWait).Msg("WebSocket disconnected, reconnecting")

	for {
		time.Sleep(reconnectWait)

		t.mu.Lock()
		stopped = t.stopped
		reconnect := t.reconnect
		t.mu.Unlock()
		if stopped || !reconnect {
			return
		}

		metrics.RecordReconnect()
		if err := t.connect(); err != nil {
			t.log.Error().Err(err).Msg("Reconnect failed")
			continue
		}
		return
	}
}

// send marshals and writes one frame. Writes are serialized.
func (t *transport) send(msg rpcRequest) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// disableReconnect stops future reconnect cycles without closing the
// current connection. Used on fatal session errors.
func (t *transport) disableReconnect() {
	t.mu.Lock()
	t.reconnect = false
	t.mu.Unlock()
}

// close shuts the connection down for good.
func (t *transport) close() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	conn := t.conn
	t.mu.Unlock()

	if conn != nil {
		t.writeMu.Lock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.writeMu.Unlock()
		conn.Close()
	}

	t.wg.Wait()
	return nil
}

// connDone returns the channel closed when the current connection drops.
// Timer goroutines select on it so they never outlive their connection.
func (t *transport) connDone() chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/swissknife-mcp/internal/domain"
	"github.com/swissknife-mcp/internal/mcp/protocol"
)

// WebSocketOptions configures a WebSocketTransport
type WebSocketOptions struct {
	Headers          map[string]string `mapstructure:"headers"`
	HandshakeTimeout time.Duration     `mapstructure:"handshake_timeout"`
	WriteTimeout     time.Duration     `mapstructure:"write_timeout"`
	PingInterval     time.Duration     `mapstructure:"ping_interval"`
	MaxMessageSize   int64             `mapstructure:"max_message_size"`
}

func (o WebSocketOptions) withDefaults() WebSocketOptions {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	return o
}

// WebSocketTransport carries one frame per text message over a WebSocket
type WebSocketTransport struct {
	base
	opts     WebSocketOptions
	accepted bool

	connMu sync.Mutex
	conn   *websocket.Conn
	stop   chan struct{}

	// gorilla connections support one concurrent writer
	writeMu sync.Mutex
}

// NewWebSocketTransport creates a transport dialing endpoint on Connect
func NewWebSocketTransport(endpoint string, opts WebSocketOptions, logger *logrus.Logger) *WebSocketTransport {
	t := &WebSocketTransport{opts: opts.withDefaults()}
	t.init(TransportWebSocket, endpoint, logger, nil)
	return t
}

// AcceptWebSocket wraps the server side of an upgraded connection. The
// returned transport is already connected.
func AcceptWebSocket(conn *websocket.Conn, opts WebSocketOptions, logger *logrus.Logger) *WebSocketTransport {
	t := &WebSocketTransport{opts: opts.withDefaults(), accepted: true}
	t.init(TransportWebSocket, conn.RemoteAddr().String(), logger, nil)

	gen, _, _ := t.beginConnect()
	t.attach(gen, conn)
	return t
}

// Connect performs the WebSocket handshake against the endpoint
func (t *WebSocketTransport) Connect(ctx context.Context) error {
	gen, proceed, err := t.beginConnect()
	if !proceed {
		return err
	}
	if t.accepted {
		return t.connectFailed(gen, errors.New("accepted connection cannot be redialed"))
	}

	header := http.Header{}
	for k, v := range t.opts.Headers {
		header.Set(k, v)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: t.opts.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, t.endpoint, header)
	if err != nil {
		if resp != nil {
			t.logger.WithFields(t.fields()).WithField("status", resp.StatusCode).Debug("WebSocket handshake rejected")
		}
		return t.connectFailed(gen, err)
	}

	if !t.attach(gen, conn) {
		return t.connErr(errConnectAborted)
	}
	return nil
}

// attach installs conn as the session of generation gen and starts its
// reader and keepalive goroutines
func (t *WebSocketTransport) attach(gen uint64, conn *websocket.Conn) bool {
	if t.opts.MaxMessageSize > 0 {
		conn.SetReadLimit(t.opts.MaxMessageSize)
	}
	if t.opts.PingInterval > 0 {
		pongWait := 2 * t.opts.PingInterval
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	stop := make(chan struct{})
	t.connMu.Lock()
	t.conn = conn
	t.stop = stop
	t.connMu.Unlock()

	if !t.markConnected(gen) {
		t.detach(conn)
		_ = conn.Close()
		return false
	}

	go t.readLoop(gen, conn)
	if t.opts.PingInterval > 0 {
		go t.pingLoop(gen, conn, stop)
	}
	return true
}

// detach clears the current session. When only is non-nil the session is
// cleared only if it still uses that connection.
func (t *WebSocketTransport) detach(only *websocket.Conn) *websocket.Conn {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	conn := t.conn
	if only != nil && conn != only {
		return nil
	}
	if t.stop != nil {
		close(t.stop)
		t.stop = nil
	}
	t.conn = nil
	return conn
}

func (t *WebSocketTransport) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if t.fail(gen, err) {
				t.detach(conn)
				_ = conn.Close()
			}
			return
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			t.logger.WithFields(t.fields()).WithError(err).Warn("Dropping malformed frame")
			continue
		}
		t.deliver(gen, frame)
	}
}

func (t *WebSocketTransport) pingLoop(gen uint64, conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(t.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.opts.WriteTimeout))
			t.writeMu.Unlock()
			if err != nil {
				if t.fail(gen, err) {
					t.detach(conn)
					_ = conn.Close()
				}
				return
			}
		}
	}
}

// Disconnect sends a close frame and closes the socket
func (t *WebSocketTransport) Disconnect() error {
	conn := t.detach(nil)
	t.markDisconnected()
	if conn == nil {
		return nil
	}

	t.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.writeMu.Unlock()
	return conn.Close()
}

// Send writes frame as a single text message
func (t *WebSocketTransport) Send(ctx context.Context, frame *protocol.Frame) error {
	gen, connected := t.session()
	if !connected {
		return domain.ErrNotConnected
	}

	data, err := protocol.Encode(frame)
	if err != nil {
		return err
	}

	t.connMu.Lock()
	conn := t.conn
	t.connMu.Unlock()
	if conn == nil {
		return domain.ErrNotConnected
	}

	deadline := time.Now().Add(t.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	t.writeMu.Lock()
	_ = conn.SetWriteDeadline(deadline)
	err = conn.WriteMessage(websocket.TextMessage, data)
	t.writeMu.Unlock()

	if err != nil {
		if t.fail(gen, err) {
			t.detach(conn)
			_ = conn.Close()
		}
		return t.connErr(err)
	}

	t.logger.WithFields(t.fields()).WithFields(logrus.Fields{
		"frame_id":       frame.ID,
		"message_length": len(data),
	}).Debug("WebSocket frame sent")
	return nil
}

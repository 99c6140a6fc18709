package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rayrabbit/rayrabbit/errors"
)

// WebSocketTransport speaks JSON-RPC over one WebSocket connection, one
// message per text frame.
type WebSocketTransport struct {
	*pipe
	conn   *websocket.Conn
	config WebSocketConfig

	runMu   sync.Mutex
	running bool
	once    sync.Once
}

var _ Transport = (*WebSocketTransport)(nil)

// WebSocketConfig holds WebSocket transport configuration.
type WebSocketConfig struct {
	Config

	// WriteTimeout for write operations.
	WriteTimeout time.Duration

	// MaxMessageSize limits incoming message size.
	MaxMessageSize int64

	// PingInterval for keepalive pings (0 = disabled).
	PingInterval time.Duration
}

// DefaultWebSocketConfig returns configuration with sensible defaults.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		Config:         DefaultConfig(),
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 1024 * 1024,
		PingInterval:   30 * time.Second,
	}
}

// NewWebSocketTransport wraps an established connection.
func NewWebSocketTransport(conn *websocket.Conn, cfg WebSocketConfig) *WebSocketTransport {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultWebSocketConfig().MaxMessageSize
	}
	conn.SetReadLimit(cfg.MaxMessageSize)

	return &WebSocketTransport{
		pipe:   newPipe(cfg.Config),
		conn:   conn,
		config: cfg,
	}
}

// NewWebSocketUpgrader returns an upgrader for accepting connections.
// Origins are not checked; put the endpoint behind something that does
// if it faces browsers.
func NewWebSocketUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
}

// Upgrade accepts a WebSocket connection on w/r.
func Upgrade(w http.ResponseWriter, r *http.Request, cfg WebSocketConfig) (*WebSocketTransport, error) {
	conn, err := NewWebSocketUpgrader().Upgrade(w, r, nil)
	if err != nil {
		return nil, errors.Wrap(err, "websocket upgrade", errors.WithCategory(errors.CategoryPermanent))
	}
	return NewWebSocketTransport(conn, cfg), nil
}

// DialWebSocket connects to a JSON-RPC WebSocket endpoint.
func DialWebSocket(ctx context.Context, url string, cfg WebSocketConfig) (*WebSocketTransport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.ConnectionError("websocket", err, errors.WithMetadata("url", url))
	}
	return NewWebSocketTransport(conn, cfg), nil
}

// Run pumps messages until ctx is done, Close is called or the peer
// disconnects. The connection is closed when it returns.
func (t *WebSocketTransport) Run(ctx context.Context) error {
	t.runMu.Lock()
	if t.isClosed() {
		t.runMu.Unlock()
		return ErrClosed
	}
	t.running = true
	t.runMu.Unlock()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		t.readLoop(ctx)
	}()

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		var tick <-chan time.Time
		if t.config.PingInterval > 0 {
			ticker := time.NewTicker(t.config.PingInterval)
			defer ticker.Stop()
			tick = ticker.C
		}
		t.pump(ctx, t.writeMessage, tick, t.writePing)
	}()

	select {
	case <-ctx.Done():
	case <-t.done:
	case <-readDone:
	}
	t.shut()
	<-writeDone
	t.closeConn()
	<-readDone
	return ctx.Err()
}

// Close initiates graceful shutdown: queued sends are flushed by Run
// before the connection closes.
func (t *WebSocketTransport) Close() error {
	t.runMu.Lock()
	running := t.running
	t.runMu.Unlock()

	t.shut()
	if !running {
		t.closeConn()
	}
	return nil
}

func (t *WebSocketTransport) closeConn() {
	t.once.Do(func() {
		t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		t.conn.Close()
	})
}

func (t *WebSocketTransport) readLoop(ctx context.Context) {
	defer close(t.recv)

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			// Normal closure, peer gone or our own closeConn.
			return
		}

		msg, parseErr := ParseInbound(data)
		if parseErr != nil {
			t.Send(parseFailure(data, parseErr))
			continue
		}
		if !t.deliver(ctx, msg) {
			return
		}
	}
}

func (t *WebSocketTransport) writePing() {
	t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
}

func (t *WebSocketTransport) writeMessage(msg *OutboundMessage) {
	data, err := MarshalOutbound(msg)
	if err != nil {
		return
	}
	if t.config.WriteTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
	}
	t.conn.WriteMessage(websocket.TextMessage, data)
}

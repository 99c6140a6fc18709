package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// SSETransport serves JSON-RPC to web clients: requests arrive as HTTP
// POSTs and every response or notification is streamed to all connected
// Server-Sent Events clients.
type SSETransport struct {
	*pipe
	config SSEConfig

	clientsMu sync.RWMutex
	clients   map[chan []byte]struct{}
}

var _ Transport = (*SSETransport)(nil)

// SSEConfig holds SSE transport configuration.
type SSEConfig struct {
	Config

	// HeartbeatInterval sends SSE comments as keepalive (0 = disabled).
	HeartbeatInterval time.Duration

	// ClientBuffer is how many events a slow client may lag before
	// events are dropped for it.
	ClientBuffer int

	// MaxBodySize limits POST bodies.
	MaxBodySize int64
}

// DefaultSSEConfig returns configuration with sensible defaults.
func DefaultSSEConfig() SSEConfig {
	return SSEConfig{
		Config:            DefaultConfig(),
		HeartbeatInterval: 30 * time.Second,
		ClientBuffer:      100,
		MaxBodySize:       1024 * 1024,
	}
}

// NewSSETransport creates a new SSE transport.
func NewSSETransport(cfg SSEConfig) *SSETransport {
	def := DefaultSSEConfig()
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = def.ClientBuffer
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = def.MaxBodySize
	}
	return &SSETransport{
		pipe:    newPipe(cfg.Config),
		config:  cfg,
		clients: make(map[chan []byte]struct{}),
	}
}

// Mount registers the event stream at prefix+"/events" and the request
// endpoint at prefix+"/rpc".
func (t *SSETransport) Mount(mux *http.ServeMux, prefix string) {
	mux.HandleFunc(prefix+"/events", t.HandleSSE)
	mux.HandleFunc(prefix+"/rpc", t.HandlePost)
}

// Run streams outbound messages until ctx is done or Close is called.
func (t *SSETransport) Run(ctx context.Context) error {
	t.pump(ctx, t.broadcast, nil, nil)
	// Ends every HandleSSE loop.
	t.shut()
	return ctx.Err()
}

// Close initiates graceful shutdown.
func (t *SSETransport) Close() error {
	t.shut()
	return nil
}

// Clients returns the number of connected event streams.
func (t *SSETransport) Clients() int {
	t.clientsMu.RLock()
	defer t.clientsMu.RUnlock()
	return len(t.clients)
}

// HandleSSE streams events to one client until it disconnects or the
// transport stops.
func (t *SSETransport) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}
	if t.isClosed() {
		http.Error(w, "Transport closed", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	ch := make(chan []byte, t.config.ClientBuffer)
	t.clientsMu.Lock()
	t.clients[ch] = struct{}{}
	t.clientsMu.Unlock()
	defer func() {
		t.clientsMu.Lock()
		delete(t.clients, ch)
		t.clientsMu.Unlock()
	}()

	var heartbeat <-chan time.Time
	if t.config.HeartbeatInterval > 0 {
		ticker := time.NewTicker(t.config.HeartbeatInterval)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-t.done:
			return
		case <-heartbeat:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case data := <-ch:
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// HandlePost accepts one JSON-RPC message. The reply, if any, arrives on
// the event stream.
func (t *SSETransport) HandlePost(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, t.config.MaxBodySize))
	if err != nil {
		http.Error(w, "Read error", http.StatusBadRequest)
		return
	}

	msg, parseErr := ParseInbound(body)
	if parseErr != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(parseFailure(body, parseErr).Response)
		return
	}

	if !t.deliver(r.Context(), msg) {
		http.Error(w, "Transport closed", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	w.Write([]byte(`{"status":"accepted"}`))
}

// broadcast fans msg out to every client, skipping clients whose buffer
// is full.
func (t *SSETransport) broadcast(msg *OutboundMessage) {
	data, err := MarshalOutbound(msg)
	if err != nil {
		return
	}

	t.clientsMu.RLock()
	defer t.clientsMu.RUnlock()
	for ch := range t.clients {
		select {
		case ch <- data:
		default:
		}
	}
}

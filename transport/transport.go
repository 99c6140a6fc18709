package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rayrabbit/rayrabbit/errors"
)

// ErrClosed is returned by Send once the transport has shut down.
var ErrClosed = errors.New(errors.ErrCodeShuttingDown, "transport closed", errors.WithOperation("send"))

// Transport carries JSON-RPC messages between a remote peer and a Router.
type Transport interface {
	// Recv returns the channel of incoming messages. It is closed when
	// the peer goes away or the transport shuts down.
	Recv() <-chan *InboundMessage

	// Send queues a message for the peer. Returns ErrClosed after Close.
	Send(msg *OutboundMessage) error

	// Run pumps messages until ctx is done, Close is called or the peer
	// disconnects.
	Run(ctx context.Context) error

	// Close stops the transport after flushing queued sends.
	Close() error
}

// InboundMessage is a request or notification from the peer.
type InboundMessage struct {
	Request      *Request
	Notification *Notification

	// Raw is the message as received.
	Raw json.RawMessage
}

// OutboundMessage is a response or notification for the peer.
type OutboundMessage struct {
	Response     *Response
	Notification *Notification
}

// ParseInbound decodes one JSON-RPC message. A message with a non-null
// id is a request, anything else a notification.
func ParseInbound(data []byte) (*InboundMessage, error) {
	var head struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, &Error{Code: ParseError, Message: "Parse error", Data: err.Error()}
	}
	if head.JSONRPC != Version {
		return nil, &Error{Code: InvalidRequest, Message: "Invalid Request", Data: "jsonrpc must be 2.0"}
	}

	msg := &InboundMessage{Raw: data}
	if len(head.ID) > 0 && string(head.ID) != "null" {
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, &Error{Code: ParseError, Message: "Parse error", Data: err.Error()}
		}
		msg.Request = &req
		return msg, nil
	}
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, &Error{Code: ParseError, Message: "Parse error", Data: err.Error()}
	}
	msg.Notification = &n
	return msg, nil
}

// MarshalOutbound encodes msg.
func MarshalOutbound(msg *OutboundMessage) ([]byte, error) {
	switch {
	case msg == nil:
	case msg.Response != nil:
		return json.Marshal(msg.Response)
	case msg.Notification != nil:
		return json.Marshal(msg.Notification)
	}
	return nil, errors.InvalidInput("empty outbound message")
}

// Config holds common transport configuration.
type Config struct {
	// RecvBufferSize is the size of the receive channel buffer.
	// Default: 100
	RecvBufferSize int

	// SendBufferSize is the size of the internal send buffer.
	// Default: 100
	SendBufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RecvBufferSize: 100,
		SendBufferSize: 100,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.RecvBufferSize <= 0 {
		c.RecvBufferSize = def.RecvBufferSize
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = def.SendBufferSize
	}
	return c
}

// pipe is the queueing shared by every transport: a receive channel
// filled by the transport's reader and a send queue drained by its
// writer.
type pipe struct {
	recv chan *InboundMessage
	send chan *OutboundMessage
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

func newPipe(cfg Config) *pipe {
	cfg = cfg.withDefaults()
	return &pipe{
		recv: make(chan *InboundMessage, cfg.RecvBufferSize),
		send: make(chan *OutboundMessage, cfg.SendBufferSize),
		done: make(chan struct{}),
	}
}

// Recv returns the channel for incoming messages.
func (p *pipe) Recv() <-chan *InboundMessage {
	return p.recv
}

// Send queues a message for delivery.
func (p *pipe) Send(msg *OutboundMessage) error {
	if p.isClosed() {
		return ErrClosed
	}
	select {
	case p.send <- msg:
		return nil
	case <-p.done:
		return ErrClosed
	}
}

func (p *pipe) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// shut marks the pipe closed. It reports whether this call did it.
func (p *pipe) shut() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.closed = true
	close(p.done)
	return true
}

// deliver hands msg to Recv. It returns false once the transport stops.
func (p *pipe) deliver(ctx context.Context, msg *InboundMessage) bool {
	if p.isClosed() {
		return false
	}
	select {
	case p.recv <- msg:
		return true
	case <-ctx.Done():
		return false
	case <-p.done:
		return false
	}
}

// pump writes queued messages until ctx is done or the pipe is shut,
// then flushes whatever is still queued. tick, if non-nil, drives
// keepalives.
func (p *pipe) pump(ctx context.Context, write func(*OutboundMessage), tick <-chan time.Time, keepalive func()) {
	for {
		select {
		case <-ctx.Done():
			p.flush(write)
			return
		case <-p.done:
			p.flush(write)
			return
		case <-tick:
			keepalive()
		case msg := <-p.send:
			write(msg)
		}
	}
}

func (p *pipe) flush(write func(*OutboundMessage)) {
	for {
		select {
		case msg := <-p.send:
			write(msg)
		default:
			return
		}
	}
}

// parseFailure builds the error reply for a message ParseInbound
// rejected, echoing its id when one can be recovered.
func parseFailure(raw []byte, err error) *OutboundMessage {
	var partial struct {
		ID interface{} `json:"id"`
	}
	json.Unmarshal(raw, &partial)

	rpcErr, ok := err.(*Error)
	if !ok {
		rpcErr = &Error{Code: ParseError, Message: "Parse error", Data: err.Error()}
	}
	return &OutboundMessage{Response: &Response{JSONRPC: Version, ID: partial.ID, Error: rpcErr}}
}

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rayrabbit/rayrabbit/errors"
	"github.com/rayrabbit/rayrabbit/logging"
)

// Version is the only JSON-RPC version spoken.
const Version = "2.0"

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id,omitempty"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc %d: %s", e.Code, e.Message)
}

// Standard error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Server error codes for bus failures.
const (
	AgentNotFound    = -32001
	RequestTimeout   = -32002
	ShuttingDown     = -32003
	InvalidState     = -32004
	DuplicateAgent   = -32005
	ConnectionFailed = -32006
)

// Notification represents a JSON-RPC 2.0 notification (no ID).
type Notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Handler handles JSON-RPC requests.
type Handler interface {
	Handle(ctx context.Context, method string, params json.RawMessage) (interface{}, error)
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc func(ctx context.Context, method string, params json.RawMessage) (interface{}, error)

func (f HandlerFunc) Handle(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	return f(ctx, method, params)
}

// MethodFunc serves one method.
type MethodFunc func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Router dispatches requests by method name.
type Router struct {
	mu      sync.RWMutex
	methods map[string]MethodFunc
}

var _ Handler = (*Router)(nil)

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{methods: make(map[string]MethodFunc)}
}

// Register installs fn for method, replacing any previous handler.
func (r *Router) Register(method string, fn MethodFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[method] = fn
}

// Methods returns the registered method names, sorted.
func (r *Router) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.methods))
	for m := range r.methods {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Handle implements Handler.
func (r *Router) Handle(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	r.mu.RLock()
	fn, ok := r.methods[method]
	r.mu.RUnlock()
	if !ok {
		return nil, &Error{Code: MethodNotFound, Message: "Method not found", Data: method}
	}
	return fn(ctx, params)
}

// DecodeParams unmarshals params into v. Empty params leave v untouched.
func DecodeParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return &Error{Code: InvalidParams, Message: "Invalid params", Data: err.Error()}
	}
	return nil
}

// ToError converts a handler error into a JSON-RPC error. Structured bus
// errors keep their code and retryability in Data.
func ToError(err error) *Error {
	if err == nil {
		return nil
	}
	if rpcErr, ok := err.(*Error); ok {
		return rpcErr
	}
	e := errors.As(err)
	if e == nil {
		return &Error{Code: InternalError, Message: err.Error()}
	}

	code := InternalError
	switch e.Code() {
	case errors.ErrCodeInvalidInput, errors.ErrCodeUnknownCommand:
		code = InvalidParams
	case errors.ErrCodeNotFound:
		code = AgentNotFound
	case errors.ErrCodeTimeout:
		code = RequestTimeout
	case errors.ErrCodeShuttingDown:
		code = ShuttingDown
	case errors.ErrCodeInvalidState:
		code = InvalidState
	case errors.ErrCodeDuplicateAgent:
		code = DuplicateAgent
	case errors.ErrCodeConnectionError:
		code = ConnectionFailed
	}
	return &Error{
		Code:    code,
		Message: e.Error(),
		Data: map[string]interface{}{
			"code":      string(e.Code()),
			"retryable": e.Retryable(),
		},
	}
}

// Serve runs t and answers its requests with h until the peer goes
// away, t is closed or ctx is done. Requests are handled concurrently; notifications
// are passed to h and never answered.
func Serve(ctx context.Context, t Transport, h Handler, log logging.FieldLogger) error {
	if log == nil {
		log = logging.Nop()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- t.Run(ctx) }()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			<-runErr
			return ctx.Err()
		case err := <-runErr:
			return err
		case msg, ok := <-t.Recv():
			if !ok {
				// Peer is done sending; answer what was read, then stop.
				wg.Wait()
				t.Close()
				<-runErr
				return nil
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				serveOne(ctx, t, h, msg, log)
			}()
		}
	}
}

func serveOne(ctx context.Context, t Transport, h Handler, msg *InboundMessage, log logging.FieldLogger) {
	if msg.Notification != nil {
		if _, err := h.Handle(ctx, msg.Notification.Method, notificationParams(msg)); err != nil {
			log.Debug("notification_failed", map[string]interface{}{
				"method": msg.Notification.Method,
				"error":  err.Error(),
			})
		}
		return
	}
	if msg.Request == nil {
		return
	}

	req := msg.Request
	resp := &Response{JSONRPC: Version, ID: req.ID}
	result, err := h.Handle(ctx, req.Method, req.Params)
	if err != nil {
		resp.Error = ToError(err)
		log.Debug("rpc_failed", map[string]interface{}{
			"method": req.Method,
			"error":  err.Error(),
		})
	} else {
		resp.Result = result
	}
	if err := t.Send(&OutboundMessage{Response: resp}); err != nil {
		log.Debug("rpc_reply_dropped", map[string]interface{}{"method": req.Method})
	}
}

func notificationParams(msg *InboundMessage) json.RawMessage {
	var raw struct {
		Params json.RawMessage `json:"params"`
	}
	json.Unmarshal(msg.Raw, &raw)
	return raw.Params
}

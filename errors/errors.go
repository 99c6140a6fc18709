package errors

import (
	"encoding/json"
	"fmt"
	"time"
)

// Metadata keys attached by the constructors below.
const (
	MetaOperation = "operation"
	MetaState     = "state"
	MetaReason    = "reason"
	MetaCommand   = "command"
	MetaBridge    = "bridge"
	MetaTimeout   = "timeout"
)

// Error is a structured bus error. It carries the failure code, the
// offending agent or message id, and the operation that raised it.
type Error struct {
	code      ErrorCode
	category  ErrorCategory
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool // nil means use the category default
	timestamp time.Time
	agentID   string
	messageID string
}

var (
	_ json.Marshaler   = (*Error)(nil)
	_ json.Unmarshaler = (*Error)(nil)
)

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *Error) Code() ErrorCode         { return e.code }
func (e *Error) Category() ErrorCategory { return e.category }
func (e *Error) Unwrap() error           { return e.cause }
func (e *Error) Timestamp() time.Time    { return e.timestamp }

// AgentID returns the agent the error concerns, if any.
func (e *Error) AgentID() string { return e.agentID }

// MessageID returns the message the error concerns, if any.
func (e *Error) MessageID() string { return e.messageID }

// Message returns the error text without the cause.
func (e *Error) Message() string { return e.message }

// Retryable reports whether the operation may succeed on retry.
func (e *Error) Retryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	return e.category.IsRetryable()
}

// Metadata returns a copy of the error metadata.
func (e *Error) Metadata() map[string]string {
	result := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		result[k] = v
	}
	return result
}

// Operation returns the bus operation that raised the error.
func (e *Error) Operation() string {
	return e.metadata[MetaOperation]
}

type errorJSON struct {
	Code      ErrorCode         `json:"code"`
	Category  ErrorCategory     `json:"category"`
	Message   string            `json:"message"`
	Cause     string            `json:"cause,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Retryable bool              `json:"retryable"`
	Timestamp string            `json:"timestamp,omitempty"`
	AgentID   string            `json:"agent_id,omitempty"`
	MessageID string            `json:"message_id,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *Error) MarshalJSON() ([]byte, error) {
	j := errorJSON{
		Code:      e.code,
		Category:  e.category,
		Message:   e.message,
		Metadata:  e.metadata,
		Retryable: e.Retryable(),
		AgentID:   e.agentID,
		MessageID: e.messageID,
	}
	if e.cause != nil {
		j.Cause = e.cause.Error()
	}
	if !e.timestamp.IsZero() {
		j.Timestamp = e.timestamp.Format(time.RFC3339Nano)
	}
	return json.Marshal(j)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Error) UnmarshalJSON(data []byte) error {
	var j errorJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	e.code = j.Code
	e.category = j.Category
	e.message = j.Message
	e.metadata = j.Metadata
	e.agentID = j.AgentID
	e.messageID = j.MessageID
	r := j.Retryable
	e.retryable = &r
	if j.Cause != "" {
		e.cause = fmt.Errorf("%s", j.Cause)
	}
	if j.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, j.Timestamp); err == nil {
			e.timestamp = t
		}
	}
	return nil
}

// Option configures an Error.
type Option func(*Error)

// WithCategory overrides the default category.
func WithCategory(cat ErrorCategory) Option {
	return func(e *Error) { e.category = cat }
}

// WithRetryable explicitly sets whether the error is retryable.
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.retryable = &retryable }
}

// WithMetadata adds a metadata key-value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithOperation records the bus operation that failed.
func WithOperation(op string) Option {
	return WithMetadata(MetaOperation, op)
}

// WithAgentID sets the agent the error concerns.
func WithAgentID(id string) Option {
	return func(e *Error) { e.agentID = id }
}

// WithMessageID sets the message the error concerns.
func WithMessageID(id string) Option {
	return func(e *Error) { e.messageID = id }
}

// WithCause sets the underlying cause.
func WithCause(cause error) Option {
	return func(e *Error) { e.cause = cause }
}

// New creates an Error with the given code and message.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{
		code:      code,
		category:  code.DefaultCategory(),
		message:   message,
		timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Newf creates an Error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// FromCode creates an error with the default description for the code.
func FromCode(code ErrorCode, opts ...Option) *Error {
	return New(code, code.Description(), opts...)
}

// DuplicateAgent reports a registration for an id that is already taken.
func DuplicateAgent(id string, opts ...Option) *Error {
	opts = append([]Option{WithAgentID(id), WithOperation("register")}, opts...)
	return New(ErrCodeDuplicateAgent, fmt.Sprintf("agent %q already registered", id), opts...)
}

// NotFound reports that op referenced an agent id that is not registered.
func NotFound(op, id string, opts ...Option) *Error {
	opts = append([]Option{WithAgentID(id), WithOperation(op)}, opts...)
	return New(ErrCodeNotFound, fmt.Sprintf("%s: agent %q not found", op, id), opts...)
}

// InvalidState reports that op is not allowed while in state.
func InvalidState(op, state string, opts ...Option) *Error {
	opts = append([]Option{WithOperation(op), WithMetadata(MetaState, state)}, opts...)
	return New(ErrCodeInvalidState, fmt.Sprintf("%s: not allowed in state %s", op, state), opts...)
}

// Timeout reports that id did not answer op within d.
func Timeout(op, id string, d time.Duration, opts ...Option) *Error {
	opts = append([]Option{
		WithAgentID(id),
		WithOperation(op),
		WithMetadata(MetaTimeout, d.String()),
	}, opts...)
	return New(ErrCodeTimeout, fmt.Sprintf("%s: agent %q did not respond within %s", op, id, d), opts...)
}

// ShuttingDown reports that op was rejected or cancelled by a stopping bus.
func ShuttingDown(op string, opts ...Option) *Error {
	opts = append([]Option{WithOperation(op)}, opts...)
	return New(ErrCodeShuttingDown, fmt.Sprintf("%s: bus is shutting down", op), opts...)
}

// UnknownCommand reports a command verb the agent does not understand.
func UnknownCommand(cmd string, opts ...Option) *Error {
	opts = append([]Option{WithMetadata(MetaCommand, cmd)}, opts...)
	return New(ErrCodeUnknownCommand, fmt.Sprintf("unknown command %q", cmd), opts...)
}

// ConnectionError reports that a bridge could not reach its framework.
func ConnectionError(bridge string, cause error, opts ...Option) *Error {
	opts = append([]Option{WithMetadata(MetaBridge, bridge), WithCause(cause)}, opts...)
	return New(ErrCodeConnectionError, fmt.Sprintf("bridge %s: connection failed", bridge), opts...)
}

// HandlerFault reports that an agent handler returned an error.
func HandlerFault(agentID string, cause error, opts ...Option) *Error {
	opts = append([]Option{WithAgentID(agentID), WithOperation("handle"), WithCause(cause)}, opts...)
	return New(ErrCodeHandlerFault, fmt.Sprintf("agent %q handler failed", agentID), opts...)
}

// InvalidInput reports a malformed argument or message.
func InvalidInput(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidInput, message, opts...)
}

// Internal creates an internal error.
func Internal(message string, opts ...Option) *Error {
	return New(ErrCodeInternal, message, opts...)
}

package errors

// ErrorCategory classifies errors by their retry semantics.
type ErrorCategory string

const (
	// CategoryTransient marks failures that may clear up on their own:
	// a slow handler, a bus that is draining, a bridge that is offline.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent marks caller mistakes that will fail the same
	// way every time: duplicate ids, unknown recipients, bad input.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryInternal marks faults inside agent code or the bus itself.
	CategoryInternal ErrorCategory = "internal"
)

func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable reports whether errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	return c == CategoryTransient
}

// ErrorCode identifies a failure kind.
type ErrorCode string

const (
	ErrCodeDuplicateAgent  ErrorCode = "DUPLICATE_AGENT"  // id already registered
	ErrCodeNotFound        ErrorCode = "NOT_FOUND"        // id not registered
	ErrCodeInvalidState    ErrorCode = "INVALID_STATE"    // operation not allowed in current lifecycle state
	ErrCodeTimeout         ErrorCode = "TIMEOUT"          // no response within the deadline
	ErrCodeShuttingDown    ErrorCode = "SHUTTING_DOWN"    // bus is stopping or stopped
	ErrCodeUnknownCommand  ErrorCode = "UNKNOWN_COMMAND"  // command verb not understood
	ErrCodeConnectionError ErrorCode = "CONNECTION_ERROR" // bridge could not reach its framework
	ErrCodeInvalidInput    ErrorCode = "INVALID_INPUT"    // malformed message or argument
	ErrCodeHandlerFault    ErrorCode = "HANDLER_FAULT"    // agent handler returned an error
	ErrCodePanic           ErrorCode = "PANIC"            // agent handler panicked
	ErrCodeCanceled        ErrorCode = "CANCELED"         // caller gave up
	ErrCodeInternal        ErrorCode = "INTERNAL"
)

func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the category an error with this code gets
// unless overridden with WithCategory.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeShuttingDown, ErrCodeConnectionError:
		return CategoryTransient
	case ErrCodeDuplicateAgent, ErrCodeNotFound, ErrCodeInvalidState,
		ErrCodeUnknownCommand, ErrCodeInvalidInput, ErrCodeCanceled:
		return CategoryPermanent
	default:
		return CategoryInternal
	}
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeDuplicateAgent:  "agent already registered",
	ErrCodeNotFound:        "agent not found",
	ErrCodeInvalidState:    "invalid state for operation",
	ErrCodeTimeout:         "operation timed out",
	ErrCodeShuttingDown:    "bus is shutting down",
	ErrCodeUnknownCommand:  "unknown command",
	ErrCodeConnectionError: "bridge connection failed",
	ErrCodeInvalidInput:    "invalid input provided",
	ErrCodeHandlerFault:    "agent handler failed",
	ErrCodePanic:           "recovered from panic",
	ErrCodeCanceled:        "operation canceled",
	ErrCodeInternal:        "internal error",
}

// Description returns a human-readable description for the code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}

// Package errors is the error taxonomy of the message bus.
//
// Every fault the bus surfaces is an *Error with a code from a small,
// closed set:
//
//   - DUPLICATE_AGENT: register called with an id that is already taken
//   - NOT_FOUND: a send or unregister named an unknown agent id
//   - INVALID_STATE: a lifecycle operation in the wrong state
//   - TIMEOUT: the recipient did not answer in time
//   - SHUTTING_DOWN: the bus is stopping; the operation was rejected or cancelled
//   - UNKNOWN_COMMAND: an agent did not understand a command verb
//   - CONNECTION_ERROR: a bridge could not reach its framework
//
// Codes map to a category (transient, permanent, internal) that decides
// retryability. Errors carry the agent id, message id and operation in
// structured fields and marshal to JSON so they can travel inside ERROR
// messages.
//
//	if errors.Is(err, errors.ErrCodeTimeout) {
//	    // the recipient is slow, try later
//	}
package errors

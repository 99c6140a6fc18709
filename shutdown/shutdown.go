package shutdown

import (
	"context"
	"time"

	"github.com/rayrabbit/rayrabbit/errors"
	"github.com/rayrabbit/rayrabbit/logging"
)

var (
	// ErrHandlerFailed is wrapped by the error Shutdown returns when any
	// handler failed. The individual failures are joined behind it.
	ErrHandlerFailed = errors.New(errors.ErrCodeInternal, "one or more shutdown handlers failed",
		errors.WithOperation("shutdown"))

	// ErrTimeout is joined into the result when the deadline passed
	// before every phase finished.
	ErrTimeout = errors.New(errors.ErrCodeTimeout, "shutdown deadline exceeded",
		errors.WithOperation("shutdown"))
)

// Phases used by rayrabbit components. Lower phases stop first.
const (
	// PhaseListeners stops accepting outside requests (HTTP, stdio).
	PhaseListeners = 10

	// PhaseCoordinators stops the protocol coordinators.
	PhaseCoordinators = 20

	// PhaseBus drains and stops the message bus.
	PhaseBus = 30

	// PhaseBridges disconnects framework and LLM bridges.
	PhaseBridges = 40

	// PhaseExporters flushes telemetry and closes the NATS mirror.
	PhaseExporters = 50
)

// Handler is implemented by components that take part in shutdown.
type Handler interface {
	// OnShutdown releases the component. ctx carries the overall
	// deadline; a handler called after it passed should still release
	// what it can without waiting.
	OnShutdown(ctx context.Context) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context) error

// OnShutdown implements Handler.
func (f HandlerFunc) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// HandlerResult is the outcome of one handler.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result is the outcome of a whole shutdown.
type Result struct {
	TotalDuration time.Duration

	// Results holds one entry per handler, ordered by phase.
	Results []HandlerResult

	// Err is nil when every handler succeeded within the deadline.
	Err error
}

// Failed reports whether any handler failed or the deadline passed.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of handlers that failed.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures the coordinator.
type Config struct {
	// Timeout bounds shutdowns started by a signal or ShutdownWithTimeout(0).
	// Default: 30s
	Timeout time.Duration

	// DefaultPhase is assigned by Register.
	// Default: 100
	DefaultPhase int

	// Logger receives one line per handler. Default: discard.
	Logger logging.FieldLogger

	// OnProgress, if set, is called as each handler completes.
	OnProgress func(HandlerResult)
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:      30 * time.Second,
		DefaultPhase: 100,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Timeout < 0 {
		return errors.InvalidInput("shutdown timeout must not be negative")
	}
	return nil
}

type registration struct {
	name    string
	handler Handler
	phase   int
}

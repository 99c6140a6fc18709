package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/rayrabbit/rayrabbit/errors"
	"github.com/rayrabbit/rayrabbit/logging"
)

// Coordinator runs registered handlers phase by phase.
type Coordinator struct {
	config Config
	log    logging.FieldLogger

	mu       sync.Mutex
	handlers []registration
	once     sync.Once
	done     chan struct{}
	result   *Result
}

// NewCoordinator creates a coordinator.
func NewCoordinator(config Config) *Coordinator {
	def := DefaultConfig()
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.DefaultPhase == 0 {
		config.DefaultPhase = def.DefaultPhase
	}
	log := config.Logger
	if log == nil {
		log = logging.Nop()
	}
	return &Coordinator{
		config: config,
		log:    logging.Component(log, "shutdown"),
		done:   make(chan struct{}),
	}
}

// Register adds a handler in the default phase.
func (c *Coordinator) Register(name string, h Handler) {
	c.RegisterWithPhase(name, h, c.config.DefaultPhase)
}

// RegisterWithPhase adds a handler in phase. Handlers registered once
// shutdown has started are not run.
func (c *Coordinator) RegisterWithPhase(name string, h Handler, phase int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, registration{name: name, handler: h, phase: phase})
}

// RegisterFunc registers fn in the default phase.
func (c *Coordinator) RegisterFunc(name string, fn func(ctx context.Context) error) {
	c.Register(name, HandlerFunc(fn))
}

// RegisterFuncWithPhase registers fn in phase.
func (c *Coordinator) RegisterFuncWithPhase(name string, fn func(ctx context.Context) error, phase int) {
	c.RegisterWithPhase(name, HandlerFunc(fn), phase)
}

// Shutdown runs every handler, lowest phase first. All handlers run
// even if some fail or ctx expires; their errors are joined behind
// ErrHandlerFailed. Later calls wait for the first and return its result.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		c.result = c.run(ctx)
		close(c.done)
	})
	<-c.done
	return c.result.Err
}

// ShutdownWithTimeout calls Shutdown with a deadline. Zero uses the
// configured timeout.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.config.Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// HandleSignals shuts down on SIGINT or SIGTERM. The returned function
// stops listening.
func (c *Coordinator) HandleSignals() (stop func()) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	quit := make(chan struct{})
	var once sync.Once

	go c.awaitSignal(sigs, quit)

	return func() {
		once.Do(func() {
			signal.Stop(sigs)
			close(quit)
		})
	}
}

func (c *Coordinator) awaitSignal(sigs <-chan os.Signal, quit <-chan struct{}) {
	select {
	case sig := <-sigs:
		c.log.Info("signal_received", map[string]interface{}{"signal": sig.String()})
		c.ShutdownWithTimeout(0)
	case <-quit:
	case <-c.done:
	}
}

// Done is closed when shutdown has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err returns the shutdown error, or nil while shutdown has not finished.
func (c *Coordinator) Err() error {
	select {
	case <-c.done:
		return c.result.Err
	default:
		return nil
	}
}

// Result returns the detailed outcome, or nil before Done is closed.
func (c *Coordinator) Result() *Result {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context) *Result {
	start := time.Now()

	c.mu.Lock()
	handlers := append([]registration(nil), c.handlers...)
	c.mu.Unlock()
	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].phase < handlers[j].phase
	})

	result := &Result{Results: make([]HandlerResult, 0, len(handlers))}
	var errs []error
	for _, group := range groupByPhase(handlers) {
		for _, hr := range c.runPhase(ctx, group) {
			result.Results = append(result.Results, hr)
			if hr.Err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", hr.Name, hr.Err))
			}
		}
	}
	if ctx.Err() != nil {
		errs = append(errs, ErrTimeout)
	}

	result.TotalDuration = time.Since(start)
	if len(errs) > 0 {
		result.Err = fmt.Errorf("%w: %w", ErrHandlerFailed, errors.Join(errs...))
	}
	c.log.Info("shutdown_complete", map[string]interface{}{
		"handlers":    len(result.Results),
		"failed":      len(result.FailedHandlers()),
		"duration_ms": result.TotalDuration.Milliseconds(),
	})
	return result
}

// runPhase runs one phase's handlers concurrently and waits for all.
func (c *Coordinator) runPhase(ctx context.Context, handlers []registration) []HandlerResult {
	results := make([]HandlerResult, len(handlers))
	var wg sync.WaitGroup
	for i, r := range handlers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.runHandler(ctx, r)
		}()
	}
	wg.Wait()
	return results
}

func (c *Coordinator) runHandler(ctx context.Context, r registration) (hr HandlerResult) {
	start := time.Now()
	hr = HandlerResult{Name: r.name, Phase: r.phase}
	defer func() {
		if p := recover(); p != nil {
			hr.Err = errors.RecoverPanic(p, errors.WithOperation("shutdown"))
		}
		hr.Duration = time.Since(start)

		fields := map[string]interface{}{
			"handler":     r.name,
			"phase":       r.phase,
			"duration_ms": hr.Duration.Milliseconds(),
		}
		if hr.Err != nil {
			fields["error"] = hr.Err.Error()
			c.log.Warn("handler_failed", fields)
		} else {
			c.log.Debug("handler_done", fields)
		}
		if c.config.OnProgress != nil {
			c.config.OnProgress(hr)
		}
	}()
	hr.Err = r.handler.OnShutdown(ctx)
	return hr
}

// groupByPhase splits handlers, already sorted by phase, into one slice
// per phase.
func groupByPhase(handlers []registration) [][]registration {
	var groups [][]registration
	for i, h := range handlers {
		if i == 0 || h.phase != handlers[i-1].phase {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], h)
	}
	return groups
}

// Package bus implements the in-process MessageBus that routes messages
// between registered agents.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/rayrabbit/rayrabbit/agent"
	"github.com/rayrabbit/rayrabbit/errors"
	"github.com/rayrabbit/rayrabbit/logging"
	"github.com/rayrabbit/rayrabbit/message"
	"github.com/rayrabbit/rayrabbit/registry"
	"github.com/rayrabbit/rayrabbit/telemetry"
)

// Status is the lifecycle state of the bus.
type Status string

const (
	StatusNew      Status = "NEW"
	StatusRunning  Status = "RUNNING"
	StatusStopping Status = "STOPPING"
	StatusStopped  Status = "STOPPED"
)

// Config holds bus configuration.
type Config struct {
	// Name identifies the bus in logs, spans and stats.
	Name string

	// RequestTimeout bounds how long SendDirect waits for a reply.
	// Default: 30s
	RequestTimeout time.Duration

	// ShutdownGrace is how long Stop lets in-flight handlers finish
	// before abandoning them.
	// Default: 5s
	ShutdownGrace time.Duration
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Name:           "main_bus",
		RequestTimeout: 30 * time.Second,
		ShutdownGrace:  5 * time.Second,
	}
}

// Metrics receives routing measurements. *metrics.Collector implements it.
type Metrics interface {
	MessageRouted(t message.Type, outcome string)
	HandleObserved(agentID string, d time.Duration, fault bool)
	AgentsRegistered(n int)
	ResponseDropped()
	BroadcastDelivered(n int)
}

// EventSink mirrors broadcast EVENT messages outside the process.
type EventSink interface {
	Publish(ctx context.Context, msg *message.Message) error
}

// Option configures a MessageBus.
type Option func(*MessageBus)

// WithLogger sets the logger. Default: discard.
func WithLogger(l logging.FieldLogger) Option {
	return func(b *MessageBus) { b.log = logging.Component(l, "bus") }
}

// WithTracer sets the span tracer. Default: no-op.
func WithTracer(t *telemetry.Tracer) Option {
	return func(b *MessageBus) {
		if t != nil {
			b.tracer = t
		}
	}
}

// WithMetrics sets the metrics hook.
func WithMetrics(m Metrics) Option {
	return func(b *MessageBus) { b.metrics = m }
}

// WithEventSink mirrors broadcast events to s.
func WithEventSink(s EventSink) Option {
	return func(b *MessageBus) { b.sink = s }
}

// MessageBus routes messages between registered agents. It owns the
// registry, one mailbox per agent and the pending-correlation table.
type MessageBus struct {
	cfg     Config
	log     logging.FieldLogger
	tracer  *telemetry.Tracer
	metrics Metrics
	sink    EventSink

	mu        sync.RWMutex
	status    Status
	registry  *registry.MemoryRegistry
	mailboxes map[string]*mailbox

	pending *pendingTable
	workers sync.WaitGroup

	// handlerCtx is the parent of every handler invocation; it is
	// cancelled when in-flight handlers are abandoned at stop.
	handlerCtx    context.Context
	cancelHandler context.CancelFunc

	stopped chan struct{}
}

// New creates a bus in the NEW state. Zero config fields take defaults.
func New(cfg Config, opts ...Option) *MessageBus {
	def := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = def.ShutdownGrace
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &MessageBus{
		cfg:           cfg,
		log:           logging.Nop(),
		tracer:        telemetry.Noop(),
		status:        StatusNew,
		registry:      registry.NewMemoryRegistry(registry.MemoryConfig{}),
		mailboxes:     make(map[string]*mailbox),
		pending:       newPendingTable(),
		handlerCtx:    ctx,
		cancelHandler: cancel,
		stopped:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the bus name.
func (b *MessageBus) Name() string { return b.cfg.Name }

// Config returns the effective configuration.
func (b *MessageBus) Config() Config { return b.cfg }

// Status returns the current lifecycle state.
func (b *MessageBus) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

// Start moves NEW to RUNNING. Starting a running bus is a no-op; a bus
// that has begun stopping cannot be restarted.
func (b *MessageBus) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.status {
	case StatusNew:
		b.status = StatusRunning
		b.log.Info("bus_started", map[string]interface{}{"bus": b.cfg.Name})
		return nil
	case StatusRunning:
		return nil
	default:
		return errors.InvalidState("start", string(b.status))
	}
}

// Stop shuts the bus down: new sends are rejected, queued sends fail
// with SHUTTING_DOWN, in-flight handlers get ShutdownGrace (or until ctx
// is done) to finish, and every registered agent ends STOPPED.
//
// Stop is idempotent. It returns an error only when in-flight handlers
// had to be abandoned.
func (b *MessageBus) Stop(ctx context.Context) error {
	b.mu.Lock()
	switch b.status {
	case StatusStopped:
		b.mu.Unlock()
		return nil
	case StatusStopping:
		b.mu.Unlock()
		select {
		case <-b.stopped:
		case <-ctx.Done():
		}
		return nil
	case StatusNew:
		b.status = StatusStopped
		b.mu.Unlock()
		b.finishStop()
		return nil
	}
	b.status = StatusStopping
	boxes := make([]*mailbox, 0, len(b.mailboxes))
	for _, mb := range b.mailboxes {
		boxes = append(boxes, mb)
	}
	b.mu.Unlock()

	b.log.Info("bus_stopping", map[string]interface{}{
		"bus":     b.cfg.Name,
		"agents":  len(boxes),
		"pending": b.pending.len(),
	})

	for _, mb := range boxes {
		b.closeMailbox(mb, shutdownReason, true)
	}

	drained := make(chan struct{})
	go func() {
		b.workers.Wait()
		close(drained)
	}()

	grace := time.NewTimer(b.cfg.ShutdownGrace)
	defer grace.Stop()

	var result error
	select {
	case <-drained:
	case <-grace.C:
		result = b.abandon("grace period expired")
	case <-ctx.Done():
		result = b.abandon(ctx.Err().Error())
	}

	b.mu.Lock()
	b.status = StatusStopped
	b.mu.Unlock()
	for _, mb := range boxes {
		mb.agent.SetStatus(agent.StatusStopped)
	}

	b.finishStop()
	b.log.Info("bus_stopped", map[string]interface{}{"bus": b.cfg.Name})
	return result
}

// abandon fails every waiter still pending and cancels handler contexts.
func (b *MessageBus) abandon(reason string) error {
	b.cancelHandler()
	n := b.pending.failAll(func(id string) error {
		return errors.ShuttingDown("send_direct",
			errors.WithMessageID(id),
			errors.WithMetadata(errors.MetaReason, "abandoned: "+reason))
	})
	b.log.Warn("handlers_abandoned", map[string]interface{}{
		"bus":     b.cfg.Name,
		"waiters": n,
		"reason":  reason,
	})
	return errors.New(errors.ErrCodeTimeout, "stop: in-flight handlers abandoned: "+reason,
		errors.WithOperation("stop"),
		errors.WithMetadata(errors.MetaReason, reason))
}

func (b *MessageBus) finishStop() {
	b.cancelHandler()
	b.registry.Close()
	close(b.stopped)
}

func shutdownReason(msg *message.Message) error {
	return errors.ShuttingDown("send_direct", errors.WithMessageID(msg.ID),
		errors.WithMetadata(errors.MetaReason, "cancelled before dispatch"))
}

// Register registers a using its own id and declared capabilities.
func (b *MessageBus) Register(a agent.Agent) error {
	if a == nil {
		return errors.InvalidInput("nil agent", errors.WithOperation("register"))
	}
	return b.RegisterAgent(a.ID(), a, a.Capabilities())
}

// RegisterAgent adds a under id with the given capability tags. The bus
// must be RUNNING and id must be free. On success the agent is READY
// and visible under each of its tags.
func (b *MessageBus) RegisterAgent(id string, a agent.Agent, capabilities []string) error {
	if a == nil {
		return errors.InvalidInput("nil agent", errors.WithOperation("register"), errors.WithAgentID(id))
	}

	b.mu.Lock()
	if b.status != StatusRunning {
		status := b.status
		b.mu.Unlock()
		return errors.InvalidState("register", string(status), errors.WithAgentID(id))
	}
	if _, exists := b.mailboxes[id]; exists {
		b.mu.Unlock()
		return errors.DuplicateAgent(id)
	}
	err := b.registry.Register(registry.Entry{
		ID:           id,
		Name:         a.Name(),
		Description:  a.Description(),
		Capabilities: capabilities,
	})
	if err != nil {
		b.mu.Unlock()
		return err
	}
	mb := newMailbox(id, a)
	b.mailboxes[id] = mb
	b.workers.Add(1)
	go b.run(mb)
	count := len(b.mailboxes)
	b.mu.Unlock()

	a.SetStatus(agent.StatusReady)
	logging.AgentRegistered(b.log, id, capabilities)
	if b.metrics != nil {
		b.metrics.AgentsRegistered(count)
	}
	return nil
}

// UnregisterAgent removes id from the registry and capability index.
// Sends still queued for it fail with NOT_FOUND; a handler already
// running completes normally.
func (b *MessageBus) UnregisterAgent(id string) error {
	b.mu.Lock()
	mb, ok := b.mailboxes[id]
	if !ok {
		b.mu.Unlock()
		return errors.NotFound("unregister", id)
	}
	delete(b.mailboxes, id)
	b.registry.Deregister(id)
	count := len(b.mailboxes)
	b.mu.Unlock()

	b.closeMailbox(mb, func(msg *message.Message) error {
		return errors.NotFound("send_direct", id, errors.WithMessageID(msg.ID),
			errors.WithMetadata(errors.MetaReason, "unregistered before dispatch"))
	}, false)

	logging.AgentUnregistered(b.log, id)
	if b.metrics != nil {
		b.metrics.AgentsRegistered(count)
	}
	return nil
}

// Agent returns the registered agent with id.
func (b *MessageBus) Agent(id string) (agent.Agent, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	mb, ok := b.mailboxes[id]
	if !ok {
		return nil, false
	}
	return mb.agent, true
}

// Entry returns the registration record for id.
func (b *MessageBus) Entry(id string) (registry.Entry, error) {
	return b.registry.Get(id)
}

// Agents lists registrations in registration order.
func (b *MessageBus) Agents() []registry.Entry {
	return b.registry.List(registry.Filter{})
}

// FindByCapability returns the ids declaring tag, in registration order.
// An unknown tag yields an empty slice.
func (b *MessageBus) FindByCapability(tag string) []string {
	return b.registry.FindByCapability(tag)
}

// Capabilities returns a snapshot of the capability index.
func (b *MessageBus) Capabilities() map[string][]string {
	return b.registry.Capabilities()
}

// Watch follows registration changes. The channel closes when the bus stops.
func (b *MessageBus) Watch() (<-chan registry.Event, error) {
	return b.registry.Watch()
}

// Stats is a point-in-time summary of the bus.
type Stats struct {
	Name         string `json:"name"`
	Status       Status `json:"status"`
	Agents       int    `json:"agents"`
	Capabilities int    `json:"capabilities"`
	Pending      int    `json:"pending"`
}

// Stats returns a summary of the bus.
func (b *MessageBus) Stats() Stats {
	return Stats{
		Name:         b.cfg.Name,
		Status:       b.Status(),
		Agents:       b.registry.Len(),
		Capabilities: len(b.registry.Capabilities()),
		Pending:      b.pending.len(),
	}
}

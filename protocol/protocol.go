// Package protocol holds what the interoperability coordinators share:
// the discovery card and the Coordinator base, an agent that publishes
// itself on the bus between Start and Stop.
//
// Coordinators keep no registry of their own. Every discovery answer is
// computed from the bus registry at the time of the query.
package protocol

import (
	"context"
	"fmt"
	"sync"

	"github.com/rayrabbit/rayrabbit/agent"
	"github.com/rayrabbit/rayrabbit/bus"
	"github.com/rayrabbit/rayrabbit/errors"
	"github.com/rayrabbit/rayrabbit/logging"
	"github.com/rayrabbit/rayrabbit/message"
	"github.com/rayrabbit/rayrabbit/registry"
)

// Card is the discovery-facing view of an agent. It is derived data;
// the bus registry stays authoritative.
type Card struct {
	AgentID      string   `json:"agent_id"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities"`
	Endpoint     string   `json:"endpoint"`
}

// BuildCard projects a's public fields into a Card.
func BuildCard(a agent.Agent, endpoint string) Card {
	caps := a.Capabilities()
	if caps == nil {
		caps = []string{}
	}
	return Card{
		AgentID:      a.ID(),
		Name:         a.Name(),
		Description:  a.Description(),
		Capabilities: caps,
		Endpoint:     endpoint,
	}
}

// CardFromEntry projects a registry entry into a Card.
func CardFromEntry(e registry.Entry, endpoint string) Card {
	caps := make([]string, len(e.Capabilities))
	copy(caps, e.Capabilities)
	return Card{
		AgentID:      e.ID,
		Name:         e.Name,
		Description:  e.Description,
		Capabilities: caps,
		Endpoint:     endpoint,
	}
}

// State is the coordinator lifecycle.
type State string

const (
	StateInitializing State = "INITIALIZING"
	StateRunning      State = "RUNNING"
	StateStopped      State = "STOPPED"
)

// Hook runs during Start or Stop.
type Hook func(ctx context.Context) error

// Coordinator is an agent that exposes discovery over the bus it is
// registered on. Variants add command verbs and lifecycle hooks; the
// handling contract is the same as any other agent's.
type Coordinator struct {
	agent.Base

	bus      *bus.MessageBus
	commands *agent.Commands
	log      logging.FieldLogger

	mu      sync.Mutex
	state   State
	onStart []Hook
	onStop  []Hook
}

var _ agent.Agent = (*Coordinator)(nil)

// NewCoordinator creates a coordinator in the INITIALIZING state.
func NewCoordinator(b *bus.MessageBus, id, name, description string, capabilities []string, log logging.FieldLogger) *Coordinator {
	c := &Coordinator{
		Base:  agent.NewBase(id, name, description, capabilities...),
		bus:   b,
		log:   logging.Component(log, id),
		state: StateInitializing,
	}
	c.commands = agent.NewCommands(c, nil)
	return c
}

// Bus returns the bus the coordinator publishes on.
func (c *Coordinator) Bus() *bus.MessageBus { return c.bus }

// Commands exposes the verb table so variants can extend it.
func (c *Coordinator) Commands() *agent.Commands { return c.commands }

// Logger returns the coordinator's component logger.
func (c *Coordinator) Logger() logging.FieldLogger { return c.log }

// State returns the lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStart adds a hook run after the coordinator registers. A failing
// hook unregisters it again and fails Start.
func (c *Coordinator) OnStart(h Hook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStart = append(c.onStart, h)
}

// OnStop adds a hook run after the coordinator unregisters.
func (c *Coordinator) OnStop(h Hook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStop = append(c.onStop, h)
}

// Start registers the coordinator on the bus. Starting a running
// coordinator is a no-op; a stopped one cannot be restarted.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateRunning:
		return nil
	case StateStopped:
		return errors.InvalidState("start", string(c.state), errors.WithAgentID(c.ID()))
	}

	if err := c.bus.Register(c); err != nil {
		return err
	}
	for _, h := range c.onStart {
		if err := h(ctx); err != nil {
			err = errors.Wrap(err, "coordinator start", errors.WithAgentID(c.ID()))
			if uerr := c.bus.UnregisterAgent(c.ID()); uerr != nil {
				err = errors.Join(err, errors.Wrap(uerr, "coordinator start rollback", errors.WithAgentID(c.ID())))
			}
			c.SetStatus(agent.StatusInitializing)
			return err
		}
	}
	c.state = StateRunning
	c.log.Info("coordinator_started", map[string]interface{}{"agent": c.ID()})
	return nil
}

// Stop unregisters the coordinator. Stopping twice is a no-op. Hook
// failures are joined into the result; the coordinator is STOPPED
// regardless.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateStopped:
		return nil
	case StateInitializing:
		c.state = StateStopped
		c.SetStatus(agent.StatusStopped)
		return nil
	}

	var errs []error
	// The bus may already be gone; then there is nothing to leave.
	if err := c.bus.UnregisterAgent(c.ID()); err != nil && !errors.Is(err, errors.ErrCodeNotFound) {
		errs = append(errs, err)
	}
	for _, h := range c.onStop {
		if err := h(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.state = StateStopped
	c.SetStatus(agent.StatusStopped)
	c.log.Info("coordinator_stopped", map[string]interface{}{"agent": c.ID()})
	return errors.Join(errs...)
}

// Running reports an INVALID_STATE error unless the coordinator is RUNNING.
func (c *Coordinator) Running(op string) error {
	if s := c.State(); s != StateRunning {
		return errors.InvalidState(op, string(s), errors.WithAgentID(c.ID()))
	}
	return nil
}

// Handle implements agent.Agent. Commands go through the verb table;
// a request gets a short self-description.
func (c *Coordinator) Handle(ctx context.Context, msg *message.Message) (*message.Message, error) {
	switch msg.Type {
	case message.TypeCommand:
		return c.commands.Dispatch(ctx, msg)
	case message.TypeRequest:
		return message.Reply(msg, map[string]interface{}{
			message.KeyText: fmt.Sprintf("%s: %s", c.Name(), c.Description()),
			"commands":      c.commands.Verbs(),
		}), nil
	default:
		return nil, nil
	}
}

// SendParams asks a coordinator to deliver a message on the caller's
// behalf and return the reply.
type SendParams struct {
	SenderID    string                 `json:"sender_id"`
	RecipientID string                 `json:"recipient_id"`
	Type        message.Type           `json:"message_type,omitempty"`
	Text        string                 `json:"text,omitempty"`
	Command     string                 `json:"command,omitempty"`
	Content     map[string]interface{} `json:"content,omitempty"`
}

// Message builds the bus message for p. Without an explicit type a
// command verb makes it a COMMAND, anything else a REQUEST.
func (p SendParams) Message(defaultSender string) (*message.Message, error) {
	if p.RecipientID == "" {
		return nil, errors.InvalidInput("recipient_id is required")
	}
	t := p.Type
	if t == "" {
		t = message.TypeRequest
		if p.Command != "" {
			t = message.TypeCommand
		}
	}
	if !t.Valid() || t.IsReply() {
		return nil, errors.InvalidInput("message_type must be REQUEST, COMMAND or EVENT")
	}

	content := make(map[string]interface{}, len(p.Content)+2)
	for k, v := range p.Content {
		content[k] = v
	}
	if p.Text != "" {
		content[message.KeyText] = p.Text
	}
	if p.Command != "" {
		content[message.KeyCommand] = p.Command
	}

	sender := p.SenderID
	if sender == "" {
		sender = defaultSender
	}
	return message.New(sender, p.RecipientID, t, content), nil
}

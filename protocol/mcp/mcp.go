// Package mcp is the Model Context Protocol coordinator: a bus agent
// that answers capability queries and speaks JSON-RPC to MCP clients
// over any transport.
package mcp

import (
	"context"
	"encoding/json"

	"github.com/rayrabbit/rayrabbit/agent"
	"github.com/rayrabbit/rayrabbit/bus"
	"github.com/rayrabbit/rayrabbit/errors"
	"github.com/rayrabbit/rayrabbit/logging"
	"github.com/rayrabbit/rayrabbit/message"
	"github.com/rayrabbit/rayrabbit/protocol"
	"github.com/rayrabbit/rayrabbit/transport"
)

// ProtocolVersion is the MCP revision announced by initialize.
const ProtocolVersion = "2024-11-05"

// ServerVersion is reported in serverInfo.
const ServerVersion = "0.1.0"

// Command verbs answered in addition to info and help.
const (
	CommandCapabilities = "capabilities"
	CommandQuery        = "query"
)

// Config identifies the coordinator.
type Config struct {
	ID           string
	Name         string
	Description  string
	Capabilities []string
}

// DefaultConfig returns the stock MCP identity.
func DefaultConfig() Config {
	return Config{
		ID:           "mcp_coordinator",
		Name:         "MCP Coordinator",
		Description:  "Answers capability queries for model context clients",
		Capabilities: []string{"capability_query", "context_sharing", "tool_discovery"},
	}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l logging.FieldLogger) Option {
	return func(c *Coordinator) { c.log = l }
}

// Coordinator is the MCP protocol coordinator.
type Coordinator struct {
	*protocol.Coordinator

	router *transport.Router
	log    logging.FieldLogger
}

// New creates an MCP coordinator for b. It is not on the bus until Start.
func New(b *bus.MessageBus, cfg Config, opts ...Option) *Coordinator {
	def := DefaultConfig()
	if cfg.ID == "" {
		cfg.ID = def.ID
	}
	if cfg.Name == "" {
		cfg.Name = def.Name
	}

	c := &Coordinator{log: logging.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	c.Coordinator = protocol.NewCoordinator(b, cfg.ID, cfg.Name, cfg.Description, cfg.Capabilities, c.log)

	cmds := c.Commands()
	cmds.Add(CommandCapabilities, c.cmdCapabilities)
	cmds.Add(CommandQuery, c.cmdQuery)

	c.router = c.newRouter()
	return c
}

// QueryCapability returns the ids of agents declaring tag, in
// registration order.
func (c *Coordinator) QueryCapability(tag string) []string {
	return c.Bus().FindByCapability(tag)
}

// CapabilityIndex returns a snapshot of the whole capability index.
func (c *Coordinator) CapabilityIndex() map[string][]string {
	return c.Bus().Capabilities()
}

// AgentEndpoint is the locator published in MCP cards.
func (c *Coordinator) AgentEndpoint(id string) string {
	return "mcp://" + c.ID() + "/agents/" + id
}

// BuildAgentCard projects a into a card.
func (c *Coordinator) BuildAgentCard(a agent.Agent) protocol.Card {
	return protocol.BuildCard(a, c.AgentEndpoint(a.ID()))
}

// Router returns the JSON-RPC method table Serve answers with.
func (c *Coordinator) Router() *transport.Router { return c.router }

// Serve answers MCP requests arriving on t until the peer leaves or ctx
// is done. The coordinator must be RUNNING.
func (c *Coordinator) Serve(ctx context.Context, t transport.Transport) error {
	if err := c.Running("serve"); err != nil {
		return err
	}
	return transport.Serve(ctx, t, c.router, c.log)
}

func (c *Coordinator) cmdCapabilities(_ context.Context, msg *message.Message) (*message.Message, error) {
	index := c.CapabilityIndex()
	return message.Reply(msg, map[string]interface{}{
		"capabilities": index,
		"count":        len(index),
	}), nil
}

func (c *Coordinator) cmdQuery(_ context.Context, msg *message.Message) (*message.Message, error) {
	tag, _ := msg.Content["capability"].(string)
	if tag == "" {
		return message.Fail(msg, errors.InvalidInput("query: capability is required",
			errors.WithMetadata(errors.MetaCommand, CommandQuery))), nil
	}
	ids := c.QueryCapability(tag)
	return message.Reply(msg, map[string]interface{}{
		"capability": tag,
		"agents":     ids,
		"count":      len(ids),
	}), nil
}

// --- JSON-RPC ---

type queryParams struct {
	Capability string `json:"capability"`
}

func (c *Coordinator) cards() []protocol.Card {
	entries := c.Bus().Agents()
	cards := make([]protocol.Card, 0, len(entries))
	for _, e := range entries {
		cards = append(cards, protocol.CardFromEntry(e, c.AgentEndpoint(e.ID)))
	}
	return cards
}

func (c *Coordinator) newRouter() *transport.Router {
	r := transport.NewRouter()

	r.Register("initialize", func(_ context.Context, _ json.RawMessage) (interface{}, error) {
		return map[string]interface{}{
			"protocolVersion": ProtocolVersion,
			"serverInfo": map[string]interface{}{
				"name":    c.Name(),
				"version": ServerVersion,
			},
			"capabilities": map[string]interface{}{
				"agents":       map[string]interface{}{},
				"capabilities": map[string]interface{}{},
			},
		}, nil
	})

	// Clients send this after initialize; there is nothing to do.
	r.Register("notifications/initialized", func(context.Context, json.RawMessage) (interface{}, error) {
		return nil, nil
	})

	r.Register("capabilities/list", func(_ context.Context, _ json.RawMessage) (interface{}, error) {
		return map[string]interface{}{"capabilities": c.CapabilityIndex()}, nil
	})

	r.Register("capabilities/query", func(_ context.Context, params json.RawMessage) (interface{}, error) {
		var p queryParams
		if err := transport.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		if p.Capability == "" {
			return nil, errors.InvalidInput("capability is required")
		}
		return map[string]interface{}{
			"capability": p.Capability,
			"agents":     c.QueryCapability(p.Capability),
		}, nil
	})

	r.Register("agents/list", func(_ context.Context, _ json.RawMessage) (interface{}, error) {
		return map[string]interface{}{"agents": c.cards()}, nil
	})

	r.Register("messages/send", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p protocol.SendParams
		if err := transport.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		msg, err := p.Message(c.ID())
		if err != nil {
			return nil, err
		}
		return c.Bus().SendDirect(ctx, msg)
	})

	return r
}

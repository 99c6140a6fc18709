// Package a2a is the agent-to-agent coordinator: it publishes a card for
// every registered agent, answers capability and full-text discovery,
// and serves both over HTTP and a WebSocket JSON-RPC endpoint.
package a2a

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"github.com/rayrabbit/rayrabbit/agent"
	"github.com/rayrabbit/rayrabbit/bus"
	"github.com/rayrabbit/rayrabbit/discovery"
	"github.com/rayrabbit/rayrabbit/errors"
	"github.com/rayrabbit/rayrabbit/logging"
	"github.com/rayrabbit/rayrabbit/message"
	"github.com/rayrabbit/rayrabbit/protocol"
	"github.com/rayrabbit/rayrabbit/transport"
)

// Command verbs answered in addition to info and help.
const (
	CommandCard     = "card"
	CommandCards    = "cards"
	CommandDiscover = "discover"
	CommandSearch   = "search"
)

// Config identifies the coordinator.
type Config struct {
	ID           string
	Name         string
	Description  string
	Capabilities []string

	// Endpoint is the base URL peers reach this coordinator at.
	Endpoint string
}

// DefaultConfig returns the stock A2A identity.
func DefaultConfig() Config {
	return Config{
		ID:           "a2a_coordinator",
		Name:         "A2A Coordinator",
		Description:  "Publishes agent cards and routes agent-to-agent messages",
		Capabilities: []string{"agent_discovery", "agent_cards", "message_routing"},
		Endpoint:     "http://localhost:8080",
	}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l logging.FieldLogger) Option {
	return func(c *Coordinator) { c.log = l }
}

// Coordinator is the A2A protocol coordinator.
type Coordinator struct {
	*protocol.Coordinator

	endpoint string
	index    *discovery.Index
	router   *transport.Router
	log      logging.FieldLogger

	// searchMu keeps index reconciliation and the query that follows it
	// from interleaving with another search.
	searchMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	runCtx context.Context
}

// New creates an A2A coordinator for b. It is not on the bus until Start.
func New(b *bus.MessageBus, cfg Config, opts ...Option) (*Coordinator, error) {
	def := DefaultConfig()
	if cfg.ID == "" {
		cfg.ID = def.ID
	}
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = def.Endpoint
	}

	c := &Coordinator{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		log:      logging.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Coordinator = protocol.NewCoordinator(b, cfg.ID, cfg.Name, cfg.Description, cfg.Capabilities, c.log)

	index, err := discovery.New(c.log)
	if err != nil {
		return nil, err
	}
	c.index = index

	cmds := c.Commands()
	cmds.Add(CommandCard, c.cmdCard)
	cmds.Add(CommandCards, c.cmdCards)
	cmds.Add(CommandDiscover, c.cmdDiscover)
	cmds.Add(CommandSearch, c.cmdSearch)

	c.router = c.newRouter()

	c.OnStart(c.startServing)
	c.OnStop(c.stopServing)
	return c, nil
}

// Endpoint returns the coordinator's base URL.
func (c *Coordinator) Endpoint() string { return c.endpoint }

// AgentEndpoint returns the locator published for agent id.
func (c *Coordinator) AgentEndpoint(id string) string {
	return c.endpoint + "/agents/" + url.PathEscape(id)
}

// BuildAgentCard projects a into a card pointing at its A2A locator.
func (c *Coordinator) BuildAgentCard(a agent.Agent) protocol.Card {
	return protocol.BuildCard(a, c.AgentEndpoint(a.ID()))
}

// Card returns the coordinator's own card, located at the endpoint root.
func (c *Coordinator) Card() protocol.Card {
	return protocol.BuildCard(c, c.endpoint)
}

// CardFor returns the card of registered agent id.
func (c *Coordinator) CardFor(id string) (protocol.Card, error) {
	e, err := c.Bus().Entry(id)
	if err != nil {
		return protocol.Card{}, err
	}
	return protocol.CardFromEntry(e, c.AgentEndpoint(id)), nil
}

// Cards returns a card for every registered agent in registration order.
func (c *Coordinator) Cards() []protocol.Card {
	entries := c.Bus().Agents()
	cards := make([]protocol.Card, 0, len(entries))
	for _, e := range entries {
		cards = append(cards, protocol.CardFromEntry(e, c.AgentEndpoint(e.ID)))
	}
	return cards
}

// Discover returns the cards of agents declaring tag.
func (c *Coordinator) Discover(tag string) []protocol.Card {
	ids := c.Bus().FindByCapability(tag)
	cards := make([]protocol.Card, 0, len(ids))
	for _, id := range ids {
		card, err := c.CardFor(id)
		if err != nil {
			// Unregistered between the two lookups.
			continue
		}
		cards = append(cards, card)
	}
	return cards
}

// SearchResult is a card with its relevance score.
type SearchResult struct {
	Card  protocol.Card `json:"card"`
	Score float64       `json:"score"`
}

// Search ranks registered agents against free text. The index is first
// brought in line with the bus registry, so every agent registered
// before the call is searchable. It needs the coordinator RUNNING.
func (c *Coordinator) Search(query string, opts discovery.SearchOptions) ([]SearchResult, error) {
	if err := c.Running("search"); err != nil {
		return nil, err
	}

	c.searchMu.Lock()
	if err := c.index.Sync(c.Bus().Agents()); err != nil {
		c.searchMu.Unlock()
		return nil, err
	}
	hits, err := c.index.Search(query, opts)
	c.searchMu.Unlock()
	if err != nil {
		return nil, err
	}
	results := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		card, err := c.CardFor(h.ID)
		if err != nil {
			continue
		}
		results = append(results, SearchResult{Card: card, Score: h.Score})
	}
	return results, nil
}

func (c *Coordinator) startServing(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.runCtx, c.cancel = runCtx, cancel
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) stopServing(ctx context.Context) error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	c.searchMu.Lock()
	defer c.searchMu.Unlock()
	return c.index.Close()
}

// serving returns a context cancelled when the coordinator stops.
func (c *Coordinator) serving() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runCtx == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return c.runCtx
}

// --- commands ---

func cardContent(card protocol.Card) map[string]interface{} {
	return map[string]interface{}{
		"card": card,
	}
}

func cardsContent(cards []protocol.Card) map[string]interface{} {
	return map[string]interface{}{
		"cards": cards,
		"count": len(cards),
	}
}

// cmdCard answers with the card of content.agent_id, or the
// coordinator's own card when none is given.
func (c *Coordinator) cmdCard(_ context.Context, msg *message.Message) (*message.Message, error) {
	id, _ := msg.Content[message.KeyAgentID].(string)
	if id == "" {
		return message.Reply(msg, cardContent(c.Card())), nil
	}
	card, err := c.CardFor(id)
	if err != nil {
		return message.Fail(msg, err), nil
	}
	return message.Reply(msg, cardContent(card)), nil
}

func (c *Coordinator) cmdCards(_ context.Context, msg *message.Message) (*message.Message, error) {
	return message.Reply(msg, cardsContent(c.Cards())), nil
}

func (c *Coordinator) cmdDiscover(_ context.Context, msg *message.Message) (*message.Message, error) {
	tag, _ := msg.Content["capability"].(string)
	if tag == "" {
		return message.Fail(msg, errors.InvalidInput("discover: capability is required",
			errors.WithMetadata(errors.MetaCommand, CommandDiscover))), nil
	}
	content := cardsContent(c.Discover(tag))
	content["capability"] = tag
	return message.Reply(msg, content), nil
}

func (c *Coordinator) cmdSearch(_ context.Context, msg *message.Message) (*message.Message, error) {
	query, _ := msg.Content["query"].(string)
	opts := discovery.SearchOptions{}
	opts.Capability, _ = msg.Content["capability"].(string)
	switch n := msg.Content["limit"].(type) {
	case int:
		opts.Limit = n
	case float64:
		opts.Limit = int(n)
	}

	results, err := c.Search(query, opts)
	if err != nil {
		return message.Fail(msg, err), nil
	}
	return message.Reply(msg, map[string]interface{}{
		"query":   query,
		"results": results,
		"count":   len(results),
	}), nil
}

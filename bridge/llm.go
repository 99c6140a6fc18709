package bridge

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rayrabbit/rayrabbit/agent"
	"github.com/rayrabbit/rayrabbit/credentials"
	"github.com/rayrabbit/rayrabbit/errors"
	"github.com/rayrabbit/rayrabbit/logging"
	"github.com/rayrabbit/rayrabbit/message"
	"github.com/rayrabbit/rayrabbit/telemetry"
)

// ProviderFactory builds the provider when the bridge connects.
type ProviderFactory func(ctx context.Context) (Provider, error)

// ProviderBridge exposes one LLM provider on the bus: every agent
// mounted on it answers requests by asking the provider.
type ProviderBridge struct {
	name    string
	cfg     ProviderConfig
	factory ProviderFactory
	tracer  *telemetry.Tracer
	log     logging.FieldLogger

	mu       sync.RWMutex
	provider Provider
	agents   []*LLMAgent

	requests  atomic.Int64
	failures  atomic.Int64
	tokensIn  atomic.Int64
	tokensOut atomic.Int64
}

var _ Bridge = (*ProviderBridge)(nil)

// ProviderOption configures a ProviderBridge.
type ProviderOption func(*ProviderBridge)

// WithFactory replaces the SDK-backed provider, e.g. in tests.
func WithFactory(f ProviderFactory) ProviderOption {
	return func(b *ProviderBridge) { b.factory = f }
}

// WithTracer traces provider calls.
func WithTracer(t *telemetry.Tracer) ProviderOption {
	return func(b *ProviderBridge) { b.tracer = t }
}

// WithBridgeLogger sets the logger.
func WithBridgeLogger(l logging.FieldLogger) ProviderOption {
	return func(b *ProviderBridge) { b.log = l }
}

// NewProviderBridge creates a bridge named name for cfg. Keys are
// resolved from creds when it connects.
func NewProviderBridge(name string, cfg ProviderConfig, creds *credentials.Credentials, opts ...ProviderOption) *ProviderBridge {
	if name == "" {
		name = cfg.Provider
	}
	b := &ProviderBridge{
		name:   name,
		cfg:    cfg.withDefaults(),
		tracer: telemetry.Noop(),
		log:    logging.Nop(),
	}
	b.factory = func(ctx context.Context) (Provider, error) {
		return NewProvider(ctx, cfg, creds)
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = logging.Component(b.log, "bridge."+name)
	return b
}

// Name implements Bridge.
func (b *ProviderBridge) Name() string { return b.name }

// Config returns the effective provider configuration.
func (b *ProviderBridge) Config() ProviderConfig { return b.cfg }

// Connected reports whether a provider is available.
func (b *ProviderBridge) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.provider != nil
}

// Connect builds the provider client. Connecting twice is a no-op.
func (b *ProviderBridge) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.provider != nil {
		return nil
	}
	p, err := b.factory(ctx)
	if err != nil {
		if errors.Is(err, errors.ErrCodeConnectionError) {
			return err
		}
		return errors.ConnectionError(b.name, err)
	}
	b.provider = p
	return nil
}

// Disconnect releases the provider. Mounted agents stay registered but
// fail requests until the bridge connects again.
func (b *ProviderBridge) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	p := b.provider
	b.provider = nil
	b.mu.Unlock()

	if c, ok := p.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Metrics implements Bridge. Each mounted agent is a registered component.
func (b *ProviderBridge) Metrics() Metrics {
	b.mu.RLock()
	mounted := len(b.agents)
	connected := b.provider != nil
	b.mu.RUnlock()

	return Metrics{
		ComponentsRegistered: mounted,
		Extra: map[string]interface{}{
			"provider":      b.cfg.Provider,
			"model":         b.cfg.Model,
			"connected":     connected,
			"requests":      b.requests.Load(),
			"failures":      b.failures.Load(),
			"tokens_input":  b.tokensIn.Load(),
			"tokens_output": b.tokensOut.Load(),
		},
	}
}

// AgentSpec describes an agent to mount on a bridge.
type AgentSpec struct {
	ID           string
	Name         string
	Description  string
	Capabilities []string

	// SystemPrompt is sent with every request.
	SystemPrompt string

	// MaxTokens overrides the bridge default.
	MaxTokens int
}

// Mount creates an agent backed by the bridge's provider. The bridge
// must be connected; register the agent on the bus to use it.
func (b *ProviderBridge) Mount(spec AgentSpec) (*LLMAgent, error) {
	if spec.ID == "" {
		return nil, errors.InvalidInput("mount: agent id is required",
			errors.WithMetadata(errors.MetaBridge, b.name))
	}
	if !b.Connected() {
		return nil, errors.ConnectionError(b.name, fmt.Errorf("not connected"),
			errors.WithAgentID(spec.ID), errors.WithOperation("mount"))
	}
	if spec.Name == "" {
		spec.Name = spec.ID
	}
	caps := spec.Capabilities
	if len(caps) == 0 {
		caps = []string{"llm", "conversation", b.cfg.Provider}
	}

	a := &LLMAgent{
		Base:   agent.NewBase(spec.ID, spec.Name, spec.Description, caps...),
		bridge: b,
		spec:   spec,
	}
	a.commands = agent.NewCommands(a, func() map[string]interface{} {
		return map[string]interface{}{
			"bridge": b.name,
			"model":  b.cfg.Model,
		}
	})

	b.mu.Lock()
	b.agents = append(b.agents, a)
	b.mu.Unlock()
	return a, nil
}

// Agents returns the mounted agents.
func (b *ProviderBridge) Agents() []*LLMAgent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]*LLMAgent(nil), b.agents...)
}

func (b *ProviderBridge) chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	b.mu.RLock()
	p := b.provider
	b.mu.RUnlock()
	if p == nil {
		return nil, errors.ConnectionError(b.name, fmt.Errorf("not connected"), errors.WithOperation("chat"))
	}

	ctx, span := b.tracer.StartBridgeSpan(ctx, "bridge.chat")
	b.requests.Add(1)
	resp, err := p.Chat(ctx, req)

	opts := telemetry.BridgeSpanOptions{Bridge: b.name, Model: b.cfg.Model}
	if resp != nil {
		opts.Model = resp.Model
		opts.TokensIn = resp.InputTokens
		opts.TokensOut = resp.OutputTokens
		opts.Response = resp.Content
		b.tokensIn.Add(int64(resp.InputTokens))
		b.tokensOut.Add(int64(resp.OutputTokens))
	}
	if b.tracer.Debug() {
		var parts []string
		for _, m := range req.Messages {
			parts = append(parts, fmt.Sprintf("[%s] %s", m.Role, m.Content))
		}
		opts.Prompt = strings.Join(parts, "\n")
	}
	b.tracer.EndBridgeSpan(span, opts, err)

	if err != nil {
		b.failures.Add(1)
		b.log.Warn("chat_failed", map[string]interface{}{"error": err.Error()})
		return nil, err
	}
	return resp, nil
}

// LLMAgent answers REQUEST messages with its bridge's provider.
type LLMAgent struct {
	agent.Base
	bridge   *ProviderBridge
	spec     AgentSpec
	commands *agent.Commands
}

var _ agent.Agent = (*LLMAgent)(nil)

// Commands exposes the verb table.
func (a *LLMAgent) Commands() *agent.Commands { return a.commands }

// Handle implements agent.Agent. Provider failures are handler faults.
func (a *LLMAgent) Handle(ctx context.Context, msg *message.Message) (*message.Message, error) {
	switch msg.Type {
	case message.TypeCommand:
		return a.commands.Dispatch(ctx, msg)
	case message.TypeRequest:
	default:
		return nil, nil
	}

	text := msg.Text()
	if strings.TrimSpace(text) == "" {
		return nil, errors.InvalidInput("request has no text", errors.WithMessageID(msg.ID))
	}

	req := ChatRequest{MaxTokens: a.spec.MaxTokens}
	if a.spec.SystemPrompt != "" {
		req.Messages = append(req.Messages, Message{Role: "system", Content: a.spec.SystemPrompt})
	}
	req.Messages = append(req.Messages, Message{Role: "user", Content: text})

	resp, err := a.bridge.chat(ctx, req)
	if err != nil {
		return nil, err
	}
	return message.Reply(msg, map[string]interface{}{
		message.KeyText: resp.Content,
		"model":         resp.Model,
		"stop_reason":   resp.StopReason,
	}), nil
}

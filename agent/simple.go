package agent

import (
	"context"
	"strings"
	"sync"

	"github.com/rayrabbit/rayrabbit/message"
)

// DefaultCapabilities are declared by a SimpleAgent created without any.
var DefaultCapabilities = []string{"conversation", "auto_response", "commands"}

// DefaultNoMatchResponse is used when no trigger matches a request.
const DefaultNoMatchResponse = "{name} has no answer for that."

type autoResponse struct {
	trigger  string // lowercased
	template string
}

// SimpleAgent answers requests from a trigger table and understands
// the info and help commands.
//
// Matching is case-insensitive: an exact match of the request text wins,
// otherwise the first trigger (in insertion order) contained in the text.
// Templates may reference {name} and {id}.
type SimpleAgent struct {
	Base

	mu        sync.RWMutex
	responses []autoResponse
	noMatch   string
	commands  *Commands
}

var _ Agent = (*SimpleAgent)(nil)

// NewSimpleAgent creates a SimpleAgent. With no capabilities given it
// declares DefaultCapabilities.
func NewSimpleAgent(id, name, description string, capabilities ...string) *SimpleAgent {
	if len(capabilities) == 0 {
		capabilities = DefaultCapabilities
	}
	a := &SimpleAgent{
		Base:    NewBase(id, name, description, capabilities...),
		noMatch: DefaultNoMatchResponse,
	}
	a.commands = NewCommands(a, func() map[string]interface{} {
		return map[string]interface{}{"triggers": toInterfaces(a.Triggers())}
	})
	return a
}

// AddAutoResponse maps trigger to a reply template. Adding an existing
// trigger replaces its template but keeps its position.
func (a *SimpleAgent) AddAutoResponse(trigger, template string) {
	key := strings.ToLower(strings.TrimSpace(trigger))
	if key == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.responses {
		if a.responses[i].trigger == key {
			a.responses[i].template = template
			return
		}
	}
	a.responses = append(a.responses, autoResponse{trigger: key, template: template})
}

// SetNoMatchResponse replaces the template used when nothing matches.
func (a *SimpleAgent) SetNoMatchResponse(template string) {
	a.mu.Lock()
	a.noMatch = template
	a.mu.Unlock()
}

// Triggers returns the configured triggers in insertion order.
func (a *SimpleAgent) Triggers() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, len(a.responses))
	for i, r := range a.responses {
		out[i] = r.trigger
	}
	return out
}

// Commands exposes the command table so callers can add verbs.
func (a *SimpleAgent) Commands() *Commands {
	return a.commands
}

// Handle implements Agent.
func (a *SimpleAgent) Handle(ctx context.Context, msg *message.Message) (*message.Message, error) {
	switch msg.Type {
	case message.TypeRequest:
		return message.ReplyText(msg, a.Respond(msg.Text())), nil
	case message.TypeCommand:
		return a.commands.Dispatch(ctx, msg)
	default:
		// Events and stray replies are consumed silently.
		return nil, nil
	}
}

// Respond returns the reply text for input.
func (a *SimpleAgent) Respond(input string) string {
	text := strings.ToLower(strings.TrimSpace(input))

	a.mu.RLock()
	defer a.mu.RUnlock()

	for _, r := range a.responses {
		if r.trigger == text {
			return a.render(r.template)
		}
	}
	for _, r := range a.responses {
		if strings.Contains(text, r.trigger) {
			return a.render(r.template)
		}
	}
	return a.render(a.noMatch)
}

func (a *SimpleAgent) render(template string) string {
	return strings.NewReplacer("{name}", a.Name(), "{id}", a.ID()).Replace(template)
}

package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rayrabbit/rayrabbit/errors"
	"github.com/rayrabbit/rayrabbit/message"
)

// Built-in command verbs every agent answers.
const (
	CommandInfo = "info"
	CommandHelp = "help"
)

// CommandFunc answers one command verb.
type CommandFunc func(ctx context.Context, msg *message.Message) (*message.Message, error)

// Commands is an ordered table of command verbs.
type Commands struct {
	mu    sync.RWMutex
	order []string
	funcs map[string]CommandFunc
}

// NewCommands returns a table with info and help installed for a.
// extraHelp, if non-nil, contributes additional fields to the help reply.
func NewCommands(a Agent, extraHelp func() map[string]interface{}) *Commands {
	c := &Commands{funcs: make(map[string]CommandFunc)}
	c.Add(CommandInfo, func(_ context.Context, msg *message.Message) (*message.Message, error) {
		return message.Reply(msg, Info(a)), nil
	})
	c.Add(CommandHelp, func(_ context.Context, msg *message.Message) (*message.Message, error) {
		content := map[string]interface{}{
			message.KeyText: fmt.Sprintf("%s: %s", a.Name(), a.Description()),
			"commands":      toInterfaces(c.Verbs()),
		}
		if extraHelp != nil {
			for k, v := range extraHelp() {
				content[k] = v
			}
		}
		return message.Reply(msg, content), nil
	})
	return c
}

// Add installs or replaces the handler for verb.
func (c *Commands) Add(verb string, fn CommandFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.funcs[verb]; !ok {
		c.order = append(c.order, verb)
	}
	c.funcs[verb] = fn
}

// Verbs returns the supported verbs in installation order.
func (c *Commands) Verbs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Dispatch runs the handler for msg's command verb. Unknown verbs get
// an UnknownCommand response rather than an error.
func (c *Commands) Dispatch(ctx context.Context, msg *message.Message) (*message.Message, error) {
	verb := strings.ToLower(strings.TrimSpace(msg.Command()))
	c.mu.RLock()
	fn, ok := c.funcs[verb]
	c.mu.RUnlock()
	if !ok {
		return UnknownCommandReply(msg), nil
	}
	return fn(ctx, msg)
}

// UnknownCommandReply answers a command nobody understood. It is a
// RESPONSE, not an ERROR: the agent stays healthy.
func UnknownCommandReply(msg *message.Message) *message.Message {
	err := errors.UnknownCommand(msg.Command())
	return message.Reply(msg, map[string]interface{}{
		message.KeyError:   string(errors.ErrCodeUnknownCommand),
		message.KeyCommand: msg.Command(),
		message.KeyText:    err.Error(),
	})
}

func toInterfaces(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// Package agent defines the contract every bus participant implements
// and the SimpleAgent rule-based responder.
package agent

import (
	"context"
	"sync/atomic"

	"github.com/rayrabbit/rayrabbit/message"
)

// Status is the lifecycle state of an agent.
type Status string

const (
	StatusInitializing Status = "INITIALIZING"
	StatusReady        Status = "READY"
	StatusBusy         Status = "BUSY"
	StatusStopped      Status = "STOPPED"
	StatusError        Status = "ERROR"
)

// Agent is a named participant that handles messages routed to it.
//
// Handle is never called concurrently for the same agent by the bus.
// A nil reply with a nil error means the message was consumed without
// an answer. A non-nil error is a handler fault; the bus converts it
// into an ERROR message for the caller.
type Agent interface {
	ID() string
	Name() string
	Description() string
	Capabilities() []string
	Status() Status
	SetStatus(Status)
	Handle(ctx context.Context, msg *message.Message) (*message.Message, error)
}

// Base carries the identity and status shared by all agent variants.
// Embed it and implement Handle.
type Base struct {
	id           string
	name         string
	description  string
	capabilities []string
	status       atomic.Value // Status
}

// NewBase returns a Base in the INITIALIZING state.
func NewBase(id, name, description string, capabilities ...string) Base {
	caps := make([]string, len(capabilities))
	copy(caps, capabilities)
	b := Base{
		id:           id,
		name:         name,
		description:  description,
		capabilities: caps,
	}
	b.status.Store(StatusInitializing)
	return b
}

func (b *Base) ID() string          { return b.id }
func (b *Base) Name() string        { return b.name }
func (b *Base) Description() string { return b.description }

// Capabilities returns a copy of the declared capability tags.
func (b *Base) Capabilities() []string {
	caps := make([]string, len(b.capabilities))
	copy(caps, b.capabilities)
	return caps
}

// HasCapability reports whether tag is among the declared capabilities.
func (b *Base) HasCapability(tag string) bool {
	for _, c := range b.capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

func (b *Base) Status() Status {
	s, _ := b.status.Load().(Status)
	return s
}

func (b *Base) SetStatus(s Status) {
	b.status.Store(s)
}

// Info returns the content of an info command reply for a.
func Info(a Agent) map[string]interface{} {
	caps := a.Capabilities()
	list := make([]interface{}, len(caps))
	for i, c := range caps {
		list[i] = c
	}
	return map[string]interface{}{
		"id":               a.ID(),
		"name":             a.Name(),
		"description":      a.Description(),
		"capabilities":     list,
		"capability_count": len(caps),
		"status":           string(a.Status()),
	}
}

// Package registry holds the authoritative set of registered agents and
// the capability index derived from it.
//
// The bus owns a single Registry. Protocol coordinators, the discovery
// index and metrics are read-only views that query it or follow its
// Watch events.
package registry

import (
	"time"

	"github.com/rayrabbit/rayrabbit/errors"
)

// Entry is the registration record of one agent. Capabilities are a
// snapshot taken at registration time.
type Entry struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Capabilities []string  `json:"capabilities"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Filter selects entries. The zero value matches everything.
type Filter struct {
	// Capability keeps entries declaring this tag.
	Capability string

	// Exclude drops the entry with this id.
	Exclude string
}

// EventType is the kind of a registry change.
type EventType string

const (
	EventAdded   EventType = "added"
	EventRemoved EventType = "removed"
)

// Event reports a registry change. For removals Entry is the last
// known registration.
type Event struct {
	Type  EventType
	Entry Entry
}

// Registry stores agent registrations and answers capability queries.
type Registry interface {
	// Register adds an entry. Fails with DUPLICATE_AGENT if the id exists;
	// the existing entry is left untouched.
	Register(e Entry) error

	// Deregister removes an entry. Fails with NOT_FOUND if absent.
	Deregister(id string) error

	// Get returns the entry for id or NOT_FOUND.
	Get(id string) (Entry, error)

	// List returns matching entries in registration order.
	List(filter Filter) []Entry

	// FindByCapability returns ids declaring tag in registration order.
	FindByCapability(tag string) []string

	// Capabilities returns a snapshot of the whole index.
	Capabilities() map[string][]string

	// Len returns the number of registered entries.
	Len() int

	// Watch returns a channel of subsequent changes, closed on Close.
	Watch() (<-chan Event, error)

	Close() error
}

// Validate checks an entry before insertion.
func Validate(e Entry) error {
	if e.ID == "" {
		return errors.InvalidInput("agent id is empty", errors.WithOperation("register"))
	}
	for _, c := range e.Capabilities {
		if c == "" {
			return errors.InvalidInput("empty capability tag",
				errors.WithOperation("register"), errors.WithAgentID(e.ID))
		}
	}
	return nil
}

// HasCapability reports whether e declares tag.
func HasCapability(e Entry, tag string) bool {
	for _, c := range e.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// Matches reports whether e passes f.
func (f Filter) Matches(e Entry) bool {
	if f.Exclude != "" && e.ID == f.Exclude {
		return false
	}
	if f.Capability != "" && !HasCapability(e, f.Capability) {
		return false
	}
	return true
}

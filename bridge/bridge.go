// Package bridge connects external agent frameworks to the bus.
//
// The core only depends on the Bridge contract. A bridge that cannot
// reach its framework is reported unavailable once, at startup, and the
// bus keeps running without it.
package bridge

import (
	"context"
	"encoding/json"

	"github.com/rayrabbit/rayrabbit/errors"
)

// Bridge adapts one external framework.
type Bridge interface {
	// Name identifies the bridge in logs and metrics.
	Name() string

	// Connect reaches the framework. It is idempotent and fails with
	// CONNECTION_ERROR when the framework is unavailable.
	Connect(ctx context.Context) error

	// Disconnect releases the framework. It is idempotent and best effort.
	Disconnect(ctx context.Context) error

	// Metrics reports usage without side effects.
	Metrics() Metrics
}

// Metrics is what a bridge reports about itself. Extra fields are
// flattened next to components_registered when encoded.
type Metrics struct {
	ComponentsRegistered int
	Extra                map[string]interface{}
}

// MarshalJSON implements json.Marshaler.
func (m Metrics) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(m.Extra)+1)
	for k, v := range m.Extra {
		out[k] = v
	}
	out["components_registered"] = m.ComponentsRegistered
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Metrics) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.ComponentsRegistered = 0
	if n, ok := raw["components_registered"].(float64); ok {
		m.ComponentsRegistered = int(n)
	}
	delete(raw, "components_registered")
	m.Extra = nil
	if len(raw) > 0 {
		m.Extra = raw
	}
	return nil
}

// State is the availability of a bridge, decided once when it is opened.
type State string

const (
	StateAvailable   State = "available"
	StateUnavailable State = "unavailable"
)

// Result is the outcome of opening a bridge.
type Result struct {
	Bridge Bridge
	State  State
	Err    error
}

// Available reports whether the bridge connected.
func (r Result) Available() bool { return r.State == StateAvailable }

// Open connects b and reports the outcome instead of failing. Errors
// that are not already structured become CONNECTION_ERROR.
func Open(ctx context.Context, b Bridge) Result {
	err := b.Connect(ctx)
	if err == nil {
		return Result{Bridge: b, State: StateAvailable}
	}
	if errors.As(err) == nil {
		err = errors.ConnectionError(b.Name(), err)
	}
	return Result{Bridge: b, State: StateUnavailable, Err: err}
}

package bridge

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/rayrabbit/rayrabbit/errors"
	"github.com/rayrabbit/rayrabbit/logging"
)

// AvailabilityRecorder receives the outcome of every ConnectAll.
type AvailabilityRecorder interface {
	BridgeAvailability(name string, available bool)
}

// Manager owns a set of bridges and their availability.
type Manager struct {
	log      logging.FieldLogger
	recorder AvailabilityRecorder

	mu      sync.RWMutex
	order   []string
	bridges map[string]Bridge
	results map[string]Result
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger.
func WithLogger(l logging.FieldLogger) ManagerOption {
	return func(m *Manager) { m.log = l }
}

// WithRecorder reports availability, e.g. to the metrics collector.
func WithRecorder(r AvailabilityRecorder) ManagerOption {
	return func(m *Manager) { m.recorder = r }
}

// NewManager creates an empty manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		log:     logging.Nop(),
		bridges: make(map[string]Bridge),
		results: make(map[string]Result),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = logging.Component(m.log, "bridges")
	return m
}

// Add registers b. Names must be unique.
func (m *Manager) Add(b Bridge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := b.Name()
	if _, exists := m.bridges[name]; exists {
		return errors.New(errors.ErrCodeDuplicateAgent, "bridge already added",
			errors.WithMetadata(errors.MetaBridge, name))
	}
	m.bridges[name] = b
	m.order = append(m.order, name)
	return nil
}

// Get returns the bridge named name.
func (m *Manager) Get(name string) (Bridge, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bridges[name]
	return b, ok
}

// ConnectAll opens every bridge concurrently. A bridge that fails is
// logged and marked unavailable; ConnectAll itself never fails.
func (m *Manager) ConnectAll(ctx context.Context) []Result {
	m.mu.RLock()
	names := append([]string(nil), m.order...)
	bridges := make([]Bridge, len(names))
	for i, n := range names {
		bridges[i] = m.bridges[n]
	}
	m.mu.RUnlock()

	results := make([]Result, len(bridges))
	g, gctx := errgroup.WithContext(ctx)
	for i, b := range bridges {
		g.Go(func() error {
			results[i] = Open(gctx, b)
			return nil
		})
	}
	g.Wait()

	m.mu.Lock()
	for _, r := range results {
		m.results[r.Bridge.Name()] = r
	}
	m.mu.Unlock()

	for _, r := range results {
		name := r.Bridge.Name()
		if r.Available() {
			m.log.Info("bridge_connected", map[string]interface{}{"bridge": name})
		} else {
			logging.BridgeUnavailable(m.log, name, r.Err)
		}
		if m.recorder != nil {
			m.recorder.BridgeAvailability(name, r.Available())
		}
	}
	return results
}

// Result returns the last connect outcome for name.
func (m *Manager) Result(name string) (Result, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[name]
	return r, ok
}

// Available returns the bridges that connected, in insertion order.
func (m *Manager) Available() []Bridge {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Bridge
	for _, n := range m.order {
		if r, ok := m.results[n]; ok && r.Available() {
			out = append(out, r.Bridge)
		}
	}
	return out
}

// Unavailable returns the failed connect results, in insertion order.
func (m *Manager) Unavailable() []Result {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Result
	for _, n := range m.order {
		if r, ok := m.results[n]; ok && !r.Available() {
			out = append(out, r)
		}
	}
	return out
}

// Metrics returns every bridge's metrics keyed by name.
func (m *Manager) Metrics() map[string]Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Metrics, len(m.bridges))
	for n, b := range m.bridges {
		out[n] = b.Metrics()
	}
	return out
}

// Names returns the bridge names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]string(nil), m.order...)
	sort.Strings(out)
	return out
}

// DisconnectAll disconnects every available bridge, attempting all of
// them, and joins their failures.
func (m *Manager) DisconnectAll(ctx context.Context) error {
	var errs []error
	for _, b := range m.Available() {
		if err := b.Disconnect(ctx); err != nil {
			errs = append(errs, errors.Wrap(err, "disconnect bridge",
				errors.WithMetadata(errors.MetaBridge, b.Name())))
		}
	}
	return errors.Join(errs...)
}

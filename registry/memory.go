package registry

import (
	"sync"
	"time"

	"github.com/rayrabbit/rayrabbit/errors"
)

// ErrClosed is returned by Watch after Close.
var ErrClosed = errors.New(errors.ErrCodeShuttingDown, "registry closed")

// MemoryRegistry is the in-process Registry. All mutation happens under
// one write lock so the entry table and the capability index never
// disagree.
type MemoryRegistry struct {
	mu       sync.RWMutex
	entries  map[string]Entry
	order    []string            // registration order
	index    map[string][]string // capability -> ids, registration order
	watchers []chan Event
	closed   bool

	watchBuffer int
}

// MemoryConfig configures the in-memory registry.
type MemoryConfig struct {
	// WatchBuffer is the channel size handed out by Watch.
	// Default: 256. A watcher that falls this far behind misses events.
	WatchBuffer int
}

var _ Registry = (*MemoryRegistry)(nil)

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry(cfg MemoryConfig) *MemoryRegistry {
	if cfg.WatchBuffer <= 0 {
		cfg.WatchBuffer = 256
	}
	return &MemoryRegistry{
		entries:     make(map[string]Entry),
		index:       make(map[string][]string),
		watchBuffer: cfg.WatchBuffer,
	}
}

// Register adds e. RegisteredAt is stamped if zero.
func (r *MemoryRegistry) Register(e Entry) error {
	if err := Validate(e); err != nil {
		return err
	}
	e.Capabilities = dedupe(e.Capabilities)
	if e.RegisteredAt.IsZero() {
		e.RegisteredAt = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[e.ID]; exists {
		return errors.DuplicateAgent(e.ID)
	}

	r.entries[e.ID] = e
	r.order = append(r.order, e.ID)
	for _, c := range e.Capabilities {
		r.index[c] = append(r.index[c], e.ID)
	}
	r.notifyWatchers(Event{Type: EventAdded, Entry: copyEntry(e)})
	return nil
}

// Deregister removes id and drops it from every capability list.
func (r *MemoryRegistry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.entries[id]
	if !exists {
		return errors.NotFound("unregister", id)
	}

	delete(r.entries, id)
	r.order = remove(r.order, id)
	for _, c := range e.Capabilities {
		ids := remove(r.index[c], id)
		if len(ids) == 0 {
			delete(r.index, c)
		} else {
			r.index[c] = ids
		}
	}
	r.notifyWatchers(Event{Type: EventRemoved, Entry: copyEntry(e)})
	return nil
}

func (r *MemoryRegistry) Get(id string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return Entry{}, errors.NotFound("get", id)
	}
	return copyEntry(e), nil
}

func (r *MemoryRegistry) List(filter Filter) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Entry, 0, len(r.order))
	for _, id := range r.order {
		e := r.entries[id]
		if filter.Matches(e) {
			result = append(result, copyEntry(e))
		}
	}
	return result
}

func (r *MemoryRegistry) FindByCapability(tag string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.index[tag]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

func (r *MemoryRegistry) Capabilities() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]string, len(r.index))
	for c, ids := range r.index {
		cp := make([]string, len(ids))
		copy(cp, ids)
		out[c] = cp
	}
	return out
}

func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *MemoryRegistry) Watch() (<-chan Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	ch := make(chan Event, r.watchBuffer)
	r.watchers = append(r.watchers, ch)
	return ch, nil
}

// Close closes every watch channel. Entries stay readable.
func (r *MemoryRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	for _, ch := range r.watchers {
		close(ch)
	}
	r.watchers = nil
	return nil
}

// notifyWatchers must be called with the write lock held.
func (r *MemoryRegistry) notifyWatchers(event Event) {
	for _, ch := range r.watchers {
		select {
		case ch <- event:
		default:
		}
	}
}

func copyEntry(e Entry) Entry {
	caps := make([]string, len(e.Capabilities))
	copy(caps, e.Capabilities)
	e.Capabilities = caps
	return e
}

func dedupe(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

func remove(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			out := make([]string, 0, len(ids)-1)
			out = append(out, ids[:i]...)
			return append(out, ids[i+1:]...)
		}
	}
	return ids
}

package bus

import (
	"sync"

	"github.com/rayrabbit/rayrabbit/message"
)

// result is what a waiting sender receives.
type result struct {
	reply *message.Message
	err   error
}

// call is a single-resolution completion handle for one SendDirect.
type call struct {
	done chan result // buffered, written at most once
}

// pendingTable maps request ids to their waiting callers. An entry is
// removed by whoever resolves it, so each call completes exactly once.
type pendingTable struct {
	mu    sync.Mutex
	calls map[string]*call
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[string]*call)}
}

// add registers a waiter for id. It returns false if id is already
// awaiting a reply.
func (p *pendingTable) add(id string) (*call, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.calls[id]; exists {
		return nil, false
	}
	c := &call{done: make(chan result, 1)}
	p.calls[id] = c
	return c, true
}

// resolve completes the waiter for id. It returns false if nobody is
// waiting, e.g. because the caller already timed out.
func (p *pendingTable) resolve(id string, r result) bool {
	p.mu.Lock()
	c, ok := p.calls[id]
	if ok {
		delete(p.calls, id)
	}
	p.mu.Unlock()

	if ok {
		c.done <- r
	}
	return ok
}

// remove drops the waiter for id without completing it. It returns
// false if the entry was already resolved.
func (p *pendingTable) remove(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.calls[id]; !ok {
		return false
	}
	delete(p.calls, id)
	return true
}

// failAll completes every waiter with the error built by errFor.
func (p *pendingTable) failAll(errFor func(id string) error) int {
	p.mu.Lock()
	calls := p.calls
	p.calls = make(map[string]*call)
	p.mu.Unlock()

	for id, c := range calls {
		c.done <- result{err: errFor(id)}
	}
	return len(calls)
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

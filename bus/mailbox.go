package bus

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/rayrabbit/rayrabbit/agent"
	"github.com/rayrabbit/rayrabbit/errors"
	"github.com/rayrabbit/rayrabbit/logging"
	"github.com/rayrabbit/rayrabbit/message"
)

// envelope is one queued delivery. call is nil for broadcasts.
type envelope struct {
	ctx  context.Context
	msg  *message.Message
	call *call
}

// mailbox is the FIFO in front of one agent. A single worker goroutine
// drains it, so an agent never handles two messages at once and
// messages from one sender are handled in send order.
type mailbox struct {
	id    string
	agent agent.Agent

	mu     sync.Mutex
	queue  []*envelope
	closed bool
	byStop bool
	wake   chan struct{} // capacity 1
	quit   chan struct{}
}

func newMailbox(id string, a agent.Agent) *mailbox {
	return &mailbox{
		id:    id,
		agent: a,
		wake:  make(chan struct{}, 1),
		quit:  make(chan struct{}),
	}
}

// push enqueues env. It returns false once the mailbox is closed.
func (m *mailbox) push(env *envelope) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	m.queue = append(m.queue, env)
	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

// next pops the head of the queue. ok is false once closed.
func (m *mailbox) next() (env *envelope, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, false
	}
	if len(m.queue) == 0 {
		return nil, true
	}
	env = m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]
	return env, true
}

// close rejects further pushes and returns the envelopes that were never
// dispatched so the caller can fail them. byStop marks a bus shutdown,
// after which the agent ends STOPPED rather than READY.
func (m *mailbox) close(byStop bool) []*envelope {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.byStop = byStop
	queued := m.queue
	m.queue = nil
	m.mu.Unlock()

	close(m.quit)
	return queued
}

func (m *mailbox) stoppedByBus() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byStop
}

// run is the mailbox worker.
func (b *MessageBus) run(mb *mailbox) {
	defer b.workers.Done()

	for {
		env, ok := mb.next()
		if !ok {
			return
		}
		if env == nil {
			select {
			case <-mb.wake:
			case <-mb.quit:
			}
			continue
		}
		b.dispatch(mb, env)
	}
}

// closeMailbox closes mb and fails everything still queued in it.
func (b *MessageBus) closeMailbox(mb *mailbox, failWith func(*message.Message) error, byStop bool) {
	for _, env := range mb.close(byStop) {
		if env.call != nil {
			b.pending.resolve(env.msg.ID, result{err: failWith(env.msg)})
		}
	}
}

// dispatch runs one handler invocation and routes its outcome.
func (b *MessageBus) dispatch(mb *mailbox, env *envelope) {
	msg := env.msg
	a := mb.agent

	// Handlers run under the bus context so abandonment at stop reaches
	// them, while staying in the sender's trace.
	ctx := trace.ContextWithSpan(b.handlerCtx, trace.SpanFromContext(env.ctx))
	ctx, span := b.tracer.StartHandleSpan(ctx, mb.id, msg)

	a.SetStatus(agent.StatusBusy)
	start := time.Now()
	reply, err := invoke(ctx, a, msg)
	elapsed := time.Since(start)
	b.tracer.EndHandleSpan(span, err)

	switch {
	case mb.stoppedByBus():
		a.SetStatus(agent.StatusStopped)
	case err != nil:
		a.SetStatus(agent.StatusError)
	default:
		a.SetStatus(agent.StatusReady)
	}
	if b.metrics != nil {
		b.metrics.HandleObserved(mb.id, elapsed, err != nil)
	}

	if err != nil {
		logging.HandlerFault(b.log, mb.id, msg.ID, err)
		reply = message.Fail(msg, err)
	}
	logging.MessageRouted(b.log, string(msg.Type), msg.SenderID, mb.id, elapsed)

	if env.call == nil {
		return
	}
	if reply == nil {
		reply = message.Reply(msg, nil)
	}
	// The reply may have been built for another exchange, e.g. forwarded
	// from a nested SendDirect. It always answers this request.
	if reply.CorrelationID != msg.ID {
		reply = reply.Clone()
		reply.CorrelationID = msg.ID
	}
	if !b.pending.resolve(msg.ID, result{reply: reply}) {
		b.dropResponse(reply)
	}
}

// invoke calls the handler, turning errors and panics into HANDLER_FAULT
// and PANIC errors that name the agent.
func invoke(ctx context.Context, a agent.Agent, msg *message.Message) (reply *message.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			reply = nil
			err = errors.RecoverPanic(r, errors.WithAgentID(a.ID()), errors.WithMessageID(msg.ID),
				errors.WithOperation("handle"))
		}
	}()

	reply, err = a.Handle(ctx, msg)
	if err != nil {
		return nil, errors.HandlerFault(a.ID(), err, errors.WithMessageID(msg.ID))
	}
	return reply, nil
}

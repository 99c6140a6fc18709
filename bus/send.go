package bus

import (
	"context"
	"time"

	"github.com/rayrabbit/rayrabbit/errors"
	"github.com/rayrabbit/rayrabbit/logging"
	"github.com/rayrabbit/rayrabbit/message"
	"github.com/rayrabbit/rayrabbit/metrics"
	"github.com/rayrabbit/rayrabbit/registry"
)

// SendDirect delivers msg to msg.RecipientID and waits for the reply.
//
// The recipient handles messages one at a time in arrival order. If its
// handler fails or panics, the returned message is an ERROR reply and
// err is nil. err is non-nil only for routing failures: NOT_FOUND,
// SHUTTING_DOWN, INVALID_STATE, TIMEOUT (the reply, if it ever comes,
// is dropped), or ctx cancellation.
func (b *MessageBus) SendDirect(ctx context.Context, msg *message.Message) (*message.Message, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	if msg.RecipientID == "" {
		return nil, errors.InvalidInput("send_direct: recipient is empty", errors.WithMessageID(msg.ID))
	}

	ctx, span := b.tracer.StartSendSpan(ctx, b.cfg.Name, msg)
	reply, err := b.sendDirect(ctx, msg)
	b.tracer.EndSendSpan(span, reply, err)

	if b.metrics != nil {
		b.metrics.MessageRouted(msg.Type, outcome(reply, err))
	}
	return reply, err
}

func (b *MessageBus) sendDirect(ctx context.Context, msg *message.Message) (*message.Message, error) {
	b.mu.RLock()
	if b.status != StatusRunning {
		status := b.status
		b.mu.RUnlock()
		if status == StatusNew {
			return nil, errors.InvalidState("send_direct", string(status), errors.WithMessageID(msg.ID))
		}
		return nil, errors.ShuttingDown("send_direct", errors.WithMessageID(msg.ID))
	}
	mb, ok := b.mailboxes[msg.RecipientID]
	if !ok {
		b.mu.RUnlock()
		return nil, errors.NotFound("send_direct", msg.RecipientID, errors.WithMessageID(msg.ID))
	}
	c, ok := b.pending.add(msg.ID)
	if !ok {
		b.mu.RUnlock()
		return nil, errors.InvalidInput("send_direct: message already awaiting a reply",
			errors.WithMessageID(msg.ID))
	}
	// Mailboxes are only closed under the write lock, so this push
	// cannot race with shutdown.
	mb.push(&envelope{ctx: ctx, msg: msg, call: c})
	b.mu.RUnlock()

	timer := time.NewTimer(b.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case r := <-c.done:
		return r.reply, r.err
	case <-timer.C:
		if b.pending.remove(msg.ID) {
			return nil, errors.Timeout("send_direct", msg.RecipientID, b.cfg.RequestTimeout,
				errors.WithMessageID(msg.ID))
		}
	case <-ctx.Done():
		if b.pending.remove(msg.ID) {
			return nil, errors.Wrap(ctx.Err(), "send_direct: caller gave up",
				errors.WithAgentID(msg.RecipientID), errors.WithMessageID(msg.ID))
		}
	}
	// Resolved concurrently with the timeout; the result is already buffered.
	r := <-c.done
	return r.reply, r.err
}

// Respond hands a reply to the sender waiting on reply.CorrelationID.
// It returns false, and drops the reply, when nobody is waiting: the
// sender timed out, gave up, or the correlation id is unknown.
func (b *MessageBus) Respond(reply *message.Message) bool {
	if reply == nil || reply.CorrelationID == "" {
		return false
	}
	if b.pending.resolve(reply.CorrelationID, result{reply: reply}) {
		return true
	}
	b.dropResponse(reply)
	return false
}

func (b *MessageBus) dropResponse(reply *message.Message) {
	logging.ResponseDropped(b.log, reply.CorrelationID, reply.SenderID)
	if b.metrics != nil {
		b.metrics.ResponseDropped()
	}
}

// Broadcast enqueues msg for every registered agent matching filter,
// except the sender, and returns how many accepted it. It does not wait
// for handlers; their replies and faults are logged, never returned.
// EVENT messages are also mirrored to the configured EventSink.
func (b *MessageBus) Broadcast(ctx context.Context, msg *message.Message, filter registry.Filter) (int, error) {
	if err := msg.Validate(); err != nil {
		return 0, err
	}

	ctx, span := b.tracer.StartBroadcastSpan(ctx, b.cfg.Name, msg, filter.Capability)

	b.mu.RLock()
	if b.status != StatusRunning {
		status := b.status
		b.mu.RUnlock()
		var err error
		if status == StatusNew {
			err = errors.InvalidState("broadcast", string(status), errors.WithMessageID(msg.ID))
		} else {
			err = errors.ShuttingDown("broadcast", errors.WithMessageID(msg.ID))
		}
		b.tracer.EndBroadcastSpan(span, 0, 0, err)
		return 0, err
	}
	if filter.Exclude == "" {
		filter.Exclude = msg.SenderID
	}
	delivered, failed := 0, 0
	for _, e := range b.registry.List(filter) {
		mb, ok := b.mailboxes[e.ID]
		if ok && mb.push(&envelope{ctx: ctx, msg: msg.Clone()}) {
			delivered++
			continue
		}
		failed++
		b.log.Warn("broadcast_skipped", map[string]interface{}{
			"agent":   e.ID,
			"message": msg.ID,
		})
	}
	b.mu.RUnlock()

	if msg.Type == message.TypeEvent && b.sink != nil {
		if err := b.sink.Publish(ctx, msg); err != nil {
			b.log.Warn("event_mirror_failed", map[string]interface{}{
				"message": msg.ID,
				"error":   err.Error(),
			})
		}
	}

	if b.metrics != nil {
		b.metrics.BroadcastDelivered(delivered)
	}
	b.tracer.EndBroadcastSpan(span, delivered, failed, nil)
	return delivered, nil
}

// outcome maps a send result to its metrics label.
func outcome(reply *message.Message, err error) string {
	switch {
	case err == nil && reply != nil && reply.Type == message.TypeError:
		return metrics.OutcomeError
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, errors.ErrCodeTimeout):
		return metrics.OutcomeTimeout
	case errors.Is(err, errors.ErrCodeNotFound):
		return metrics.OutcomeNotFound
	case errors.Is(err, errors.ErrCodeShuttingDown):
		return metrics.OutcomeShuttingDown
	default:
		return metrics.OutcomeRejected
	}
}

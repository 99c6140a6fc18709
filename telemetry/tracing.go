// OpenTelemetry tracing for message routing.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/rayrabbit/rayrabbit/message"
)

// Tracer wraps an OpenTelemetry tracer with bus-specific span helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // include message content in span attributes
}

// NewTracer returns a tracer from the global provider.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{tracer: otel.Tracer(name), debug: debug}
}

// NewTracerFromProvider returns a tracer from an explicit provider.
func NewTracerFromProvider(tp trace.TracerProvider, name string, debug bool) *Tracer {
	return &Tracer{tracer: tp.Tracer(name), debug: debug}
}

// Noop returns a tracer that records nothing.
func Noop() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
}

// Debug reports whether message content is attached to spans.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

func (t *Tracer) messageAttrs(msg *message.Message) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("message.id", msg.ID),
		attribute.String("message.type", string(msg.Type)),
		attribute.String("message.sender", msg.SenderID),
	}
	if msg.RecipientID != "" {
		attrs = append(attrs, attribute.String("message.recipient", msg.RecipientID))
	}
	if t.debug {
		attrs = append(attrs, attribute.String("message.content", truncate(fmt.Sprint(msg.Content), 4000)))
	}
	return attrs
}

// --- Send spans ---

// StartSendSpan starts a span covering a direct send until its reply.
func (t *Tracer) StartSendSpan(ctx context.Context, bus string, msg *message.Message) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "bus.send", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("bus.name", bus))
	span.SetAttributes(t.messageAttrs(msg)...)
	return ctx, span
}

// EndSendSpan ends a send span. An ERROR reply marks the span failed.
func (t *Tracer) EndSendSpan(span trace.Span, reply *message.Message, err error) {
	if reply != nil {
		span.SetAttributes(attribute.String("reply.type", string(reply.Type)))
		if reply.Type == message.TypeError {
			span.SetAttributes(attribute.String("reply.error", string(reply.ErrorCode())))
		}
	}
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case reply != nil && reply.Type == message.TypeError:
		span.SetStatus(codes.Error, string(reply.ErrorCode()))
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// --- Handle spans ---

// StartHandleSpan starts a span around one agent handler invocation.
func (t *Tracer) StartHandleSpan(ctx context.Context, agentID string, msg *message.Message) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "agent.handle", trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(attribute.String("agent.id", agentID))
	span.SetAttributes(t.messageAttrs(msg)...)
	return ctx, span
}

// EndHandleSpan ends a handle span.
func (t *Tracer) EndHandleSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// --- Broadcast spans ---

// StartBroadcastSpan starts a span for a fan-out.
func (t *Tracer) StartBroadcastSpan(ctx context.Context, bus string, msg *message.Message, capability string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "bus.broadcast", trace.WithSpanKind(trace.SpanKindProducer))
	span.SetAttributes(attribute.String("bus.name", bus))
	if capability != "" {
		span.SetAttributes(attribute.String("broadcast.capability", capability))
	}
	span.SetAttributes(t.messageAttrs(msg)...)
	return ctx, span
}

// EndBroadcastSpan records how many recipients accepted the message.
func (t *Tracer) EndBroadcastSpan(span trace.Span, delivered, failed int, err error) {
	span.SetAttributes(
		attribute.Int("broadcast.delivered", delivered),
		attribute.Int("broadcast.failed", failed),
	)
	t.EndHandleSpan(span, err)
}

// --- Bridge spans ---

// BridgeSpanOptions describes one call into an external framework.
type BridgeSpanOptions struct {
	Bridge    string
	Model     string
	TokensIn  int
	TokensOut int
	Prompt    string // debug only
	Response  string // debug only
}

// StartBridgeSpan starts a span for a bridge call.
func (t *Tracer) StartBridgeSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient))
}

// EndBridgeSpan ends a bridge span with its attributes.
func (t *Tracer) EndBridgeSpan(span trace.Span, opts BridgeSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("bridge.name", opts.Bridge),
		attribute.String("llm.model", opts.Model),
		attribute.Int("llm.tokens.input", opts.TokensIn),
		attribute.Int("llm.tokens.output", opts.TokensOut),
	}
	if t.debug {
		if opts.Prompt != "" {
			attrs = append(attrs, attribute.String("llm.prompt", truncate(opts.Prompt, 4000)))
		}
		if opts.Response != "" {
			attrs = append(attrs, attribute.String("llm.response", truncate(opts.Response, 4000)))
		}
	}
	span.SetAttributes(attrs...)
	t.EndHandleSpan(span, err)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...[truncated]"
}

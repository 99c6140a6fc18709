// Package bus provides the in-process MessageBus that routes messages
// between registered agents.
//
// # Overview
//
// Every registered agent gets a mailbox: an unbounded FIFO drained by a
// single goroutine. An agent therefore never handles two messages at
// once, and messages from one sender reach it in the order they were
// sent. Different agents run independently.
//
// # Patterns
//
// Request/Reply - SendDirect blocks until the recipient's reply, the
// configured RequestTimeout, or ctx cancellation:
//
//	reply, err := b.SendDirect(ctx, message.NewRequest("user", "asistente_001", "hola"))
//
// A handler that fails or panics produces an ERROR reply rather than a
// Go error; err reports routing failures only.
//
// Broadcast - fire and forget to every agent, optionally narrowed to a
// capability:
//
//	n, err := b.Broadcast(ctx, ev, registry.Filter{Capability: "news"})
//
// Discovery:
//
//	ids := b.FindByCapability("conversation")
//
// # Lifecycle
//
// A bus starts NEW, accepts registrations once RUNNING, and refuses new
// work from STOPPING on. Stop fails queued sends with SHUTTING_DOWN and
// gives in-flight handlers Config.ShutdownGrace to finish.
//
// # Event mirroring
//
// EVENT broadcasts can be mirrored outside the process through an
// EventSink. NATSMirror publishes them on NATS:
//
//	mirror, _ := bus.NewNATSMirror(bus.DefaultNATSConfig())
//	b := bus.New(cfg, bus.WithEventSink(mirror))
package bus

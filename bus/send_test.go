package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/rayrabbit/rayrabbit/agent"
	"github.com/rayrabbit/rayrabbit/errors"
	"github.com/rayrabbit/rayrabbit/message"
	"github.com/rayrabbit/rayrabbit/metrics"
	"github.com/rayrabbit/rayrabbit/registry"
	"github.com/rayrabbit/rayrabbit/telemetry"
)

func newAsistente() *agent.SimpleAgent {
	a := agent.NewSimpleAgent("asistente_001", "Asistente", "Asistente virtual")
	a.AddAutoResponse("hola", "¡Hola! Soy {name}, tu asistente virtual.")
	a.AddAutoResponse("ayuda", "Puedo responder preguntas simples.")
	return a
}

func TestSendDirect_AutoResponse(t *testing.T) {
	b := newRunningBus(t, DefaultConfig())
	a := newAsistente()
	if err := b.Register(a); err != nil {
		t.Fatalf("Register: %v", err)
	}

	req := message.NewRequest("user", "asistente_001", "hola")
	reply, err := b.SendDirect(context.Background(), req)
	if err != nil {
		t.Fatalf("SendDirect: %v", err)
	}
	if reply.Type != message.TypeResponse {
		t.Errorf("Type = %q, want response", reply.Type)
	}
	if want := "¡Hola! Soy Asistente, tu asistente virtual."; reply.Text() != want {
		t.Errorf("Text = %q, want %q", reply.Text(), want)
	}
	if reply.CorrelationID != req.ID {
		t.Errorf("CorrelationID = %q, want %q", reply.CorrelationID, req.ID)
	}
	if reply.SenderID != "asistente_001" || reply.RecipientID != "user" {
		t.Errorf("reply routed %s -> %s", reply.SenderID, reply.RecipientID)
	}
	if a.Status() != agent.StatusReady {
		t.Errorf("status = %q, want ready", a.Status())
	}
	if b.Stats().Pending != 0 {
		t.Errorf("pending = %d after reply", b.Stats().Pending)
	}
}

func TestSendDirect_Commands(t *testing.T) {
	b := newRunningBus(t, DefaultConfig())
	a := newAsistente()
	b.Register(a)

	reply, err := b.SendDirect(context.Background(), message.NewCommand("user", "asistente_001", "info"))
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if reply.Content["id"] != "asistente_001" || reply.Content["name"] != "Asistente" {
		t.Errorf("info content = %v", reply.Content)
	}
	if reply.Content["capability_count"] != 3 {
		t.Errorf("capability_count = %v, want 3", reply.Content["capability_count"])
	}

	reply, err = b.SendDirect(context.Background(), message.NewCommand("user", "asistente_001", "dance"))
	if err != nil {
		t.Fatalf("unknown command returned error: %v", err)
	}
	if reply.Type != message.TypeResponse {
		t.Errorf("Type = %q, want response", reply.Type)
	}
	if reply.ErrorCode() != errors.ErrCodeUnknownCommand {
		t.Errorf("error = %q, want UNKNOWN_COMMAND", reply.ErrorCode())
	}
	if a.Status() != agent.StatusReady {
		t.Errorf("status = %q after unknown command", a.Status())
	}
}

func TestSendDirect_RoutingErrors(t *testing.T) {
	b := New(DefaultConfig())

	_, err := b.SendDirect(context.Background(), message.NewRequest("u", "x", "hi"))
	if !errors.Is(err, errors.ErrCodeInvalidState) {
		t.Errorf("before start: got %v, want INVALID_STATE", err)
	}

	b.Start()
	defer b.Stop(context.Background())

	_, err = b.SendDirect(context.Background(), message.NewRequest("u", "ghost", "hi"))
	if !errors.Is(err, errors.ErrCodeNotFound) {
		t.Errorf("unknown recipient: got %v, want NOT_FOUND", err)
	}
	if b.Stats().Agents != 0 || b.Stats().Pending != 0 {
		t.Errorf("failed send left state behind: %+v", b.Stats())
	}

	_, err = b.SendDirect(context.Background(), message.NewEvent("u", nil))
	if !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Errorf("no recipient: got %v, want INVALID_INPUT", err)
	}
	if _, err := b.SendDirect(context.Background(), nil); !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Errorf("nil message: got %v, want INVALID_INPUT", err)
	}
}

func TestSendDirect_HandlerFaults(t *testing.T) {
	tests := []struct {
		name string
		fn   func(context.Context, *message.Message) (*message.Message, error)
		code errors.ErrorCode
	}{
		{
			name: "error",
			fn: func(context.Context, *message.Message) (*message.Message, error) {
				return nil, fmt.Errorf("backend down")
			},
			code: errors.ErrCodeHandlerFault,
		},
		{
			name: "panic",
			fn: func(context.Context, *message.Message) (*message.Message, error) {
				panic("boom")
			},
			code: errors.ErrCodePanic,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newRecordingMetrics()
			b := newRunningBus(t, DefaultConfig(), WithMetrics(m))
			a := newFuncAgent("faulty", tt.fn)
			b.Register(a)

			req := message.NewRequest("u", "faulty", "go")
			reply, err := b.SendDirect(context.Background(), req)
			if err != nil {
				t.Fatalf("handler fault surfaced as error: %v", err)
			}
			if reply.Type != message.TypeError {
				t.Fatalf("Type = %q, want error", reply.Type)
			}
			if reply.ErrorCode() != tt.code {
				t.Errorf("code = %q, want %q", reply.ErrorCode(), tt.code)
			}
			if reply.CorrelationID != req.ID {
				t.Errorf("CorrelationID = %q", reply.CorrelationID)
			}
			if a.Status() != agent.StatusError {
				t.Errorf("status = %q, want error", a.Status())
			}
			if got := m.count("request/" + metrics.OutcomeError); got != 1 {
				t.Errorf("request/error = %d", got)
			}

			// The agent keeps serving after a fault.
			a.fn = echo
			reply, err = b.SendDirect(context.Background(), message.NewRequest("u", "faulty", "again"))
			if err != nil || reply.Text() != "again" {
				t.Errorf("after fault: %v, %v", reply, err)
			}
			if a.Status() != agent.StatusReady {
				t.Errorf("status = %q, want ready", a.Status())
			}
		})
	}
}

func TestSendDirect_NilReplyIsAcknowledged(t *testing.T) {
	b := newRunningBus(t, DefaultConfig())
	b.Register(newFuncAgent("quiet", func(context.Context, *message.Message) (*message.Message, error) {
		return nil, nil
	}))

	req := message.NewRequest("u", "quiet", "ping")
	reply, err := b.SendDirect(context.Background(), req)
	if err != nil {
		t.Fatalf("SendDirect: %v", err)
	}
	if reply.Type != message.TypeResponse || reply.CorrelationID != req.ID {
		t.Errorf("reply = %v", reply)
	}
}

func TestSendDirect_ForwardedReply(t *testing.T) {
	b := newRunningBus(t, Config{RequestTimeout: time.Second})
	if err := b.Register(newAsistente()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	b.Register(newFuncAgent("proxy", func(ctx context.Context, msg *message.Message) (*message.Message, error) {
		return b.SendDirect(ctx, message.NewRequest("proxy", "asistente_001", msg.Text()))
	}))

	req := message.NewRequest("user", "proxy", "hola")
	reply, err := b.SendDirect(context.Background(), req)
	if err != nil {
		t.Fatalf("SendDirect: %v", err)
	}
	if want := "¡Hola! Soy Asistente, tu asistente virtual."; reply.Text() != want {
		t.Errorf("Text = %q, want %q", reply.Text(), want)
	}
	if reply.CorrelationID != req.ID {
		t.Errorf("CorrelationID = %q, want %q", reply.CorrelationID, req.ID)
	}
	if b.Stats().Pending != 0 {
		t.Errorf("pending = %d after reply", b.Stats().Pending)
	}
}

func TestSendDirect_ForeignCorrelationID(t *testing.T) {
	m := newRecordingMetrics()
	b := newRunningBus(t, Config{RequestTimeout: time.Second}, WithMetrics(m))

	var mu sync.Mutex
	var cached *message.Message
	b.Register(newFuncAgent("cache", func(ctx context.Context, msg *message.Message) (*message.Message, error) {
		mu.Lock()
		defer mu.Unlock()
		if cached == nil {
			cached = message.ReplyText(msg, "cached")
		}
		return cached, nil
	}))

	first := message.NewRequest("a", "cache", "one")
	if _, err := b.SendDirect(context.Background(), first); err != nil {
		t.Fatalf("first SendDirect: %v", err)
	}

	second := message.NewRequest("b", "cache", "two")
	reply, err := b.SendDirect(context.Background(), second)
	if err != nil {
		t.Fatalf("second SendDirect: %v", err)
	}
	if reply.Text() != "cached" || reply.CorrelationID != second.ID {
		t.Errorf("reply = %q correlated to %q, want %q", reply.Text(), reply.CorrelationID, second.ID)
	}
	if cached.CorrelationID != first.ID {
		t.Errorf("handler's reply was mutated: CorrelationID = %q", cached.CorrelationID)
	}
	if atomic.LoadInt32(&m.dropped) != 0 {
		t.Errorf("dropped = %d, want 0", m.dropped)
	}
}

func TestSendDirect_Serialized(t *testing.T) {
	b := newRunningBus(t, DefaultConfig())

	var active, peak int32
	b.Register(newFuncAgent("serial", func(ctx context.Context, msg *message.Message) (*message.Message, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return message.ReplyText(msg, msg.Text()), nil
	}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			text := fmt.Sprintf("m%d", i)
			reply, err := b.SendDirect(context.Background(), message.NewRequest(fmt.Sprintf("s%d", i), "serial", text))
			if err != nil {
				t.Errorf("send %d: %v", i, err)
				return
			}
			if reply.Text() != text {
				t.Errorf("send %d got reply %q", i, reply.Text())
			}
		}(i)
	}
	wg.Wait()

	if peak != 1 {
		t.Errorf("peak concurrency = %d, want 1", peak)
	}
}

func TestSendDirect_TimeoutDropsLateReply(t *testing.T) {
	m := newRecordingMetrics()
	b := newRunningBus(t, Config{RequestTimeout: 50 * time.Millisecond}, WithMetrics(m))

	release := make(chan struct{})
	b.Register(newFuncAgent("late", func(ctx context.Context, msg *message.Message) (*message.Message, error) {
		<-release
		return message.ReplyText(msg, "too late"), nil
	}))

	_, err := b.SendDirect(context.Background(), message.NewRequest("u", "late", "hello"))
	if !errors.Is(err, errors.ErrCodeTimeout) {
		t.Fatalf("got %v, want TIMEOUT", err)
	}
	if !errors.IsRetryable(err) {
		t.Error("timeout should be retryable")
	}
	if b.Stats().Pending != 0 {
		t.Errorf("pending = %d after timeout", b.Stats().Pending)
	}

	close(release)
	eventually(t, "late reply dropped", func() bool { return atomic.LoadInt32(&m.dropped) == 1 })
	if got := m.count("request/" + metrics.OutcomeTimeout); got != 1 {
		t.Errorf("request/timeout = %d", got)
	}
}

func TestSendDirect_ContextCancelled(t *testing.T) {
	b := newRunningBus(t, DefaultConfig())

	release := make(chan struct{})
	defer close(release)
	b.Register(newFuncAgent("block", func(ctx context.Context, msg *message.Message) (*message.Message, error) {
		<-release
		return nil, nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.SendDirect(ctx, message.NewRequest("u", "block", "hi"))
	if !errors.Is(err, errors.ErrCodeTimeout) {
		t.Errorf("got %v, want TIMEOUT from deadline", err)
	}
}

func TestRespond_UnknownCorrelation(t *testing.T) {
	m := newRecordingMetrics()
	b := newRunningBus(t, DefaultConfig(), WithMetrics(m))

	stray := message.Reply(message.NewRequest("u", "x", "hi"), nil)
	if b.Respond(stray) {
		t.Error("Respond delivered a reply nobody awaited")
	}
	if b.Respond(nil) {
		t.Error("Respond(nil) = true")
	}
	if atomic.LoadInt32(&m.dropped) != 1 {
		t.Errorf("dropped = %d, want 1", m.dropped)
	}
}

// --- Broadcast ---

type sinkRecorder struct {
	mu   sync.Mutex
	msgs []*message.Message
	err  error
}

func (s *sinkRecorder) Publish(ctx context.Context, msg *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return s.err
}

func collector(id string, got chan<- string, caps ...string) *funcAgent {
	return newFuncAgent(id, func(ctx context.Context, msg *message.Message) (*message.Message, error) {
		got <- id
		return nil, nil
	}, caps...)
}

func TestBroadcast_Filter(t *testing.T) {
	sink := &sinkRecorder{}
	b := newRunningBus(t, DefaultConfig(), WithEventSink(sink))

	got := make(chan string, 10)
	b.Register(collector("news1", got, "news"))
	b.Register(collector("news2", got, "news"))
	b.Register(collector("other", got, "sports"))

	ev := message.NewEvent("news1", map[string]interface{}{"headline": "x"})
	n, err := b.Broadcast(context.Background(), ev, registry.Filter{Capability: "news"})
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if n != 1 {
		t.Fatalf("delivered = %d, want 1 (sender excluded)", n)
	}
	select {
	case id := <-got:
		if id != "news2" {
			t.Errorf("delivered to %q", id)
		}
	case <-time.After(time.Second):
		t.Fatal("broadcast not handled")
	}

	n, err = b.Broadcast(context.Background(), message.NewEvent("system", nil), registry.Filter{})
	if err != nil || n != 3 {
		t.Fatalf("unfiltered broadcast = %d, %v", n, err)
	}

	req := message.New("system", "", message.TypeRequest, map[string]interface{}{message.KeyText: "ping"})
	if _, err := b.Broadcast(context.Background(), req, registry.Filter{}); err != nil {
		t.Fatalf("request broadcast: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.msgs) != 2 {
		t.Errorf("mirrored %d messages, want 2 events", len(sink.msgs))
	}
}

func TestBroadcast_SinkFailureIsIsolated(t *testing.T) {
	sink := &sinkRecorder{err: fmt.Errorf("nats down")}
	b := newRunningBus(t, DefaultConfig(), WithEventSink(sink))
	got := make(chan string, 1)
	b.Register(collector("c", got))

	n, err := b.Broadcast(context.Background(), message.NewEvent("s", nil), registry.Filter{})
	if err != nil || n != 1 {
		t.Fatalf("Broadcast = %d, %v", n, err)
	}
}

func TestBroadcast_PreservesSenderOrder(t *testing.T) {
	b := newRunningBus(t, DefaultConfig())

	var mu sync.Mutex
	var seen []string
	b.Register(newFuncAgent("ordered", func(ctx context.Context, msg *message.Message) (*message.Message, error) {
		mu.Lock()
		seen = append(seen, msg.Text())
		mu.Unlock()
		return nil, nil
	}))

	const total = 50
	for i := 0; i < total; i++ {
		ev := message.New("src", "", message.TypeEvent, map[string]interface{}{message.KeyText: fmt.Sprint(i)})
		if _, err := b.Broadcast(context.Background(), ev, registry.Filter{}); err != nil {
			t.Fatalf("Broadcast %d: %v", i, err)
		}
	}
	eventually(t, "all events handled", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == total
	})

	mu.Lock()
	defer mu.Unlock()
	for i, s := range seen {
		if s != fmt.Sprint(i) {
			t.Fatalf("position %d = %s", i, s)
		}
	}
}

func TestBroadcast_NotRunning(t *testing.T) {
	b := New(DefaultConfig())
	if _, err := b.Broadcast(context.Background(), message.NewEvent("s", nil), registry.Filter{}); !errors.Is(err, errors.ErrCodeInvalidState) {
		t.Errorf("NEW: got %v", err)
	}
	b.Start()
	b.Stop(context.Background())
	if _, err := b.Broadcast(context.Background(), message.NewEvent("s", nil), registry.Filter{}); !errors.Is(err, errors.ErrCodeShuttingDown) {
		t.Errorf("STOPPED: got %v", err)
	}
}

// --- Observability wiring ---

func TestSendDirect_PrometheusCollector(t *testing.T) {
	c := metrics.New()
	b := newRunningBus(t, DefaultConfig(), WithMetrics(c))
	b.Register(newAsistente())

	if _, err := b.SendDirect(context.Background(), message.NewRequest("user", "asistente_001", "hola")); err != nil {
		t.Fatalf("SendDirect: %v", err)
	}

	n, err := testutil.GatherAndCount(c.Registry(), "rayrabbit_messages_total", "rayrabbit_handle_duration_seconds")
	if err != nil {
		t.Fatalf("GatherAndCount: %v", err)
	}
	if n != 2 {
		t.Errorf("series = %d, want 2", n)
	}
}

func TestSendDirect_SpansShareTrace(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer tp.Shutdown(context.Background())

	b := newRunningBus(t, DefaultConfig(), WithTracer(telemetry.NewTracerFromProvider(tp, "bus_test", false)))
	b.Register(newAsistente())

	if _, err := b.SendDirect(context.Background(), message.NewRequest("user", "asistente_001", "hola")); err != nil {
		t.Fatalf("SendDirect: %v", err)
	}

	spans := rec.Ended()
	byName := make(map[string]sdktrace.ReadOnlySpan)
	for _, s := range spans {
		byName[s.Name()] = s
	}
	send, ok := byName["bus.send"]
	if !ok {
		t.Fatalf("no bus.send span in %d spans", len(spans))
	}
	handle, ok := byName["agent.handle"]
	if !ok {
		t.Fatal("no agent.handle span")
	}
	if send.SpanContext().TraceID() != handle.SpanContext().TraceID() {
		t.Error("handle span not in sender's trace")
	}
	if handle.Parent().SpanID() != send.SpanContext().SpanID() {
		t.Error("handle span not a child of send span")
	}
}

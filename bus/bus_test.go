package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rayrabbit/rayrabbit/agent"
	"github.com/rayrabbit/rayrabbit/errors"
	"github.com/rayrabbit/rayrabbit/message"
	"github.com/rayrabbit/rayrabbit/registry"
)

// funcAgent handles messages with fn.
type funcAgent struct {
	agent.Base
	fn func(ctx context.Context, msg *message.Message) (*message.Message, error)
}

func newFuncAgent(id string, fn func(context.Context, *message.Message) (*message.Message, error), caps ...string) *funcAgent {
	return &funcAgent{Base: agent.NewBase(id, id, "test agent", caps...), fn: fn}
}

func (a *funcAgent) Handle(ctx context.Context, msg *message.Message) (*message.Message, error) {
	return a.fn(ctx, msg)
}

// recordingMetrics counts what the bus reports.
type recordingMetrics struct {
	mu        sync.Mutex
	routed    map[string]int
	faults    int
	agents    int
	dropped   int32
	broadcast int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{routed: make(map[string]int)}
}

func (m *recordingMetrics) MessageRouted(t message.Type, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routed[string(t)+"/"+outcome]++
}

func (m *recordingMetrics) HandleObserved(agentID string, d time.Duration, fault bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fault {
		m.faults++
	}
}

func (m *recordingMetrics) AgentsRegistered(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents = n
}

func (m *recordingMetrics) ResponseDropped() { atomic.AddInt32(&m.dropped, 1) }

func (m *recordingMetrics) BroadcastDelivered(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcast += n
}

func (m *recordingMetrics) count(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.routed[key]
}

func newRunningBus(t *testing.T, cfg Config, opts ...Option) *MessageBus {
	t.Helper()
	b := New(cfg, opts...)
	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { b.Stop(context.Background()) })
	return b
}

func echo(ctx context.Context, msg *message.Message) (*message.Message, error) {
	return message.ReplyText(msg, msg.Text()), nil
}

// eventually polls cond until it holds or a second passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// --- Unit Tests ---

func TestNew_Defaults(t *testing.T) {
	b := New(Config{})
	cfg := b.Config()
	if cfg.Name != "main_bus" {
		t.Errorf("Name = %q", cfg.Name)
	}
	if cfg.RequestTimeout != 30*time.Second {
		t.Errorf("RequestTimeout = %v", cfg.RequestTimeout)
	}
	if cfg.ShutdownGrace != 5*time.Second {
		t.Errorf("ShutdownGrace = %v", cfg.ShutdownGrace)
	}
	if b.Status() != StatusNew {
		t.Errorf("Status = %q", b.Status())
	}
}

func TestMessageBus_Lifecycle(t *testing.T) {
	b := New(DefaultConfig())

	err := b.RegisterAgent("a", newFuncAgent("a", echo), nil)
	if !errors.Is(err, errors.ErrCodeInvalidState) {
		t.Fatalf("register before start: got %v, want INVALID_STATE", err)
	}

	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := b.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if b.Status() != StatusRunning {
		t.Fatalf("Status = %q", b.Status())
	}

	a := newFuncAgent("a", echo, "echo")
	if err := b.Register(a); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if a.Status() != agent.StatusReady {
		t.Errorf("agent status = %q, want ready", a.Status())
	}

	if err := b.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := b.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if b.Status() != StatusStopped {
		t.Errorf("Status = %q", b.Status())
	}
	if a.Status() != agent.StatusStopped {
		t.Errorf("agent status = %q, want stopped", a.Status())
	}

	if err := b.Start(); !errors.Is(err, errors.ErrCodeInvalidState) {
		t.Errorf("Start after Stop: got %v, want INVALID_STATE", err)
	}
	if err := b.Register(newFuncAgent("b", echo)); !errors.Is(err, errors.ErrCodeInvalidState) {
		t.Errorf("Register after Stop: got %v, want INVALID_STATE", err)
	}
}

func TestMessageBus_StopNew(t *testing.T) {
	b := New(DefaultConfig())
	if err := b.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if b.Status() != StatusStopped {
		t.Errorf("Status = %q", b.Status())
	}
}

func TestMessageBus_RegisterDuplicate(t *testing.T) {
	b := newRunningBus(t, DefaultConfig())

	first := newFuncAgent("dup", echo, "alpha")
	if err := b.Register(first); err != nil {
		t.Fatalf("Register: %v", err)
	}

	second := newFuncAgent("dup", echo, "beta")
	err := b.Register(second)
	if !errors.Is(err, errors.ErrCodeDuplicateAgent) {
		t.Fatalf("got %v, want DUPLICATE_AGENT", err)
	}

	got, ok := b.Agent("dup")
	if !ok || got != agent.Agent(first) {
		t.Error("existing registration was replaced")
	}
	if ids := b.FindByCapability("beta"); len(ids) != 0 {
		t.Errorf("beta = %v, want none", ids)
	}
	if second.Status() != agent.StatusInitializing {
		t.Errorf("rejected agent status = %q", second.Status())
	}
}

func TestMessageBus_CapabilityIndex(t *testing.T) {
	b := newRunningBus(t, DefaultConfig())

	b.RegisterAgent("a1", newFuncAgent("a1", echo), []string{"conversation", "search"})
	b.RegisterAgent("a2", newFuncAgent("a2", echo), []string{"conversation"})

	ids := b.FindByCapability("conversation")
	if len(ids) != 2 || ids[0] != "a1" || ids[1] != "a2" {
		t.Fatalf("conversation = %v, want [a1 a2]", ids)
	}
	if ids := b.FindByCapability("unknown"); len(ids) != 0 {
		t.Errorf("unknown = %v", ids)
	}

	if err := b.UnregisterAgent("a1"); err != nil {
		t.Fatalf("UnregisterAgent: %v", err)
	}
	if ids := b.FindByCapability("conversation"); len(ids) != 1 || ids[0] != "a2" {
		t.Errorf("conversation after unregister = %v", ids)
	}
	if _, ok := b.Capabilities()["search"]; ok {
		t.Error("empty capability left in index")
	}
	if err := b.UnregisterAgent("a1"); !errors.Is(err, errors.ErrCodeNotFound) {
		t.Errorf("second unregister: got %v, want NOT_FOUND", err)
	}
	if _, err := b.Entry("a1"); !errors.Is(err, errors.ErrCodeNotFound) {
		t.Errorf("Entry: got %v, want NOT_FOUND", err)
	}
}

func TestMessageBus_Watch(t *testing.T) {
	b := New(DefaultConfig())
	b.Start()

	events, err := b.Watch()
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	b.RegisterAgent("w", newFuncAgent("w", echo), []string{"x"})
	b.UnregisterAgent("w")

	want := []registry.EventType{registry.EventAdded, registry.EventRemoved}
	for _, typ := range want {
		select {
		case ev := <-events:
			if ev.Type != typ || ev.Entry.ID != "w" {
				t.Errorf("event = %+v, want %s w", ev, typ)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", typ)
		}
	}

	b.Stop(context.Background())
	select {
	case _, ok := <-events:
		if ok {
			t.Error("expected closed channel after Stop")
		}
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed")
	}
}

func TestMessageBus_Stats(t *testing.T) {
	b := newRunningBus(t, Config{Name: "stats_bus"})
	b.RegisterAgent("s1", newFuncAgent("s1", echo), []string{"a", "b"})
	b.RegisterAgent("s2", newFuncAgent("s2", echo), []string{"b"})

	st := b.Stats()
	if st.Name != "stats_bus" || st.Status != StatusRunning {
		t.Errorf("Stats = %+v", st)
	}
	if st.Agents != 2 || st.Capabilities != 2 || st.Pending != 0 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestMessageBus_MetricsAgentsGauge(t *testing.T) {
	m := newRecordingMetrics()
	b := newRunningBus(t, DefaultConfig(), WithMetrics(m))

	b.RegisterAgent("g1", newFuncAgent("g1", echo), nil)
	b.RegisterAgent("g2", newFuncAgent("g2", echo), nil)
	b.UnregisterAgent("g1")

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.agents != 1 {
		t.Errorf("agents gauge = %d, want 1", m.agents)
	}
}

// --- Shutdown ---

func TestStop_FailsQueuedSends(t *testing.T) {
	b := New(Config{ShutdownGrace: time.Second})
	b.Start()

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	slow := newFuncAgent("slow", func(ctx context.Context, msg *message.Message) (*message.Message, error) {
		started <- struct{}{}
		<-release
		return message.ReplyText(msg, "done"), nil
	})
	b.Register(slow)

	type outcome struct {
		reply *message.Message
		err   error
	}
	first := make(chan outcome, 1)
	go func() {
		r, err := b.SendDirect(context.Background(), message.NewRequest("u", "slow", "one"))
		first <- outcome{r, err}
	}()
	<-started

	second := make(chan outcome, 1)
	go func() {
		r, err := b.SendDirect(context.Background(), message.NewRequest("u", "slow", "two"))
		second <- outcome{r, err}
	}()
	eventually(t, "second send queued", func() bool { return b.Stats().Pending == 2 })

	stopped := make(chan error, 1)
	go func() { stopped <- b.Stop(context.Background()) }()

	select {
	case o := <-second:
		if !errors.Is(o.err, errors.ErrCodeShuttingDown) {
			t.Errorf("queued send: got %v, want SHUTTING_DOWN", o.err)
		}
	case <-time.After(time.Second):
		t.Fatal("queued send not cancelled")
	}

	_, err := b.SendDirect(context.Background(), message.NewRequest("u", "slow", "three"))
	if !errors.Is(err, errors.ErrCodeShuttingDown) {
		t.Errorf("send while stopping: got %v, want SHUTTING_DOWN", err)
	}

	close(release)
	o := <-first
	if o.err != nil || o.reply.Text() != "done" {
		t.Errorf("in-flight send = %v, %v", o.reply, o.err)
	}
	if err := <-stopped; err != nil {
		t.Errorf("Stop: %v", err)
	}
	if slow.Status() != agent.StatusStopped {
		t.Errorf("agent status = %q, want stopped", slow.Status())
	}
}

func TestStop_AbandonsAfterGrace(t *testing.T) {
	b := New(Config{ShutdownGrace: 50 * time.Millisecond})
	b.Start()

	started := make(chan struct{}, 1)
	stuck := newFuncAgent("stuck", func(ctx context.Context, msg *message.Message) (*message.Message, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	b.Register(stuck)

	sent := make(chan error, 1)
	go func() {
		_, err := b.SendDirect(context.Background(), message.NewRequest("u", "stuck", "hang"))
		sent <- err
	}()
	<-started

	err := b.Stop(context.Background())
	if !errors.Is(err, errors.ErrCodeTimeout) {
		t.Fatalf("Stop: got %v, want TIMEOUT", err)
	}
	select {
	case err := <-sent:
		if !errors.Is(err, errors.ErrCodeShuttingDown) {
			t.Errorf("abandoned send: got %v, want SHUTTING_DOWN", err)
		}
	case <-time.After(time.Second):
		t.Fatal("abandoned sender never released")
	}
	if b.Status() != StatusStopped {
		t.Errorf("Status = %q", b.Status())
	}
	if err := b.Stop(context.Background()); err != nil {
		t.Errorf("repeat Stop: %v", err)
	}
}

func TestUnregister_FailsQueuedSends(t *testing.T) {
	b := newRunningBus(t, DefaultConfig())

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	b.Register(newFuncAgent("busy", func(ctx context.Context, msg *message.Message) (*message.Message, error) {
		started <- struct{}{}
		<-release
		return nil, nil
	}))

	go b.SendDirect(context.Background(), message.NewRequest("u", "busy", "one"))
	<-started

	queued := make(chan error, 1)
	go func() {
		_, err := b.SendDirect(context.Background(), message.NewRequest("u", "busy", "two"))
		queued <- err
	}()
	eventually(t, "second send queued", func() bool { return b.Stats().Pending == 2 })

	if err := b.UnregisterAgent("busy"); err != nil {
		t.Fatalf("UnregisterAgent: %v", err)
	}
	if err := <-queued; !errors.Is(err, errors.ErrCodeNotFound) {
		t.Errorf("queued send: got %v, want NOT_FOUND", err)
	}
	close(release)
}

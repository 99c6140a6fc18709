package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/rayrabbit/rayrabbit/agent"
	"github.com/rayrabbit/rayrabbit/bus"
	"github.com/rayrabbit/rayrabbit/errors"
	"github.com/rayrabbit/rayrabbit/logging"
	"github.com/rayrabbit/rayrabbit/message"
	"github.com/rayrabbit/rayrabbit/registry"
)

func newRunningBus(t *testing.T) *bus.MessageBus {
	t.Helper()
	b := bus.New(bus.DefaultConfig(), bus.WithLogger(logging.Nop()))
	if err := b.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { b.Stop(context.Background()) })
	return b
}

func TestBuildCard(t *testing.T) {
	a := agent.NewSimpleAgent("asistente_1", "Asistente", "Asistente virtual", "conversation", "auto_response")
	card := BuildCard(a, "http://localhost:8080/agents/asistente_1")

	want := Card{
		AgentID:      "asistente_1",
		Name:         "Asistente",
		Description:  "Asistente virtual",
		Capabilities: []string{"conversation", "auto_response"},
		Endpoint:     "http://localhost:8080/agents/asistente_1",
	}
	if fmt.Sprint(card) != fmt.Sprint(want) {
		t.Errorf("BuildCard() = %+v, want %+v", card, want)
	}

	data, err := json.Marshal(card)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var fields map[string]interface{}
	json.Unmarshal(data, &fields)
	for _, key := range []string{"agent_id", "name", "description", "capabilities", "endpoint"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("card JSON missing %q: %s", key, data)
		}
	}
}

func TestBuildCard_NoCapabilitiesIsEmptyList(t *testing.T) {
	c := NewCoordinator(nil, "c", "C", "", nil, nil)
	data, _ := json.Marshal(BuildCard(c, ""))
	var fields map[string]interface{}
	json.Unmarshal(data, &fields)
	if _, ok := fields["capabilities"].([]interface{}); !ok {
		t.Errorf("capabilities = %v, want []", fields["capabilities"])
	}
}

func TestCardFromEntry(t *testing.T) {
	e := registry.Entry{ID: "x", Name: "X", Description: "d", Capabilities: []string{"a"}}
	card := CardFromEntry(e, "ep")
	e.Capabilities[0] = "mutated"
	if card.Capabilities[0] != "a" {
		t.Error("card shares the entry's capability slice")
	}
	if card.AgentID != "x" || card.Endpoint != "ep" {
		t.Errorf("CardFromEntry() = %+v", card)
	}
}

func TestCoordinator_Lifecycle(t *testing.T) {
	b := newRunningBus(t)
	c := NewCoordinator(b, "coord", "Coordinator", "test", []string{"discovery"}, logging.Nop())
	ctx := context.Background()

	if c.State() != StateInitializing {
		t.Fatalf("State() = %s, want initializing", c.State())
	}
	if err := c.Running("op"); !errors.Is(err, errors.ErrCodeInvalidState) {
		t.Errorf("Running() before start = %v, want INVALID_STATE", err)
	}

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := c.Start(ctx); err != nil {
		t.Errorf("second Start() error = %v, want no-op", err)
	}
	if c.State() != StateRunning || c.Status() != agent.StatusReady {
		t.Errorf("after Start: state=%s status=%s", c.State(), c.Status())
	}
	if ids := b.FindByCapability("discovery"); len(ids) != 1 || ids[0] != "coord" {
		t.Errorf("FindByCapability(discovery) = %v", ids)
	}

	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := c.Stop(ctx); err != nil {
		t.Errorf("second Stop() error = %v, want no-op", err)
	}
	if c.State() != StateStopped || c.Status() != agent.StatusStopped {
		t.Errorf("after Stop: state=%s status=%s", c.State(), c.Status())
	}
	if _, ok := b.Agent("coord"); ok {
		t.Error("coordinator still registered after Stop")
	}

	if err := c.Start(ctx); !errors.Is(err, errors.ErrCodeInvalidState) {
		t.Errorf("Start() after Stop = %v, want INVALID_STATE", err)
	}
}

func TestCoordinator_StartDuplicate(t *testing.T) {
	b := newRunningBus(t)
	b.Register(agent.NewSimpleAgent("coord", "Squatter", ""))

	c := NewCoordinator(b, "coord", "Coordinator", "", nil, nil)
	if err := c.Start(context.Background()); !errors.Is(err, errors.ErrCodeDuplicateAgent) {
		t.Fatalf("Start() = %v, want DUPLICATE_AGENT", err)
	}
	if c.State() != StateInitializing {
		t.Errorf("State() = %s, want initializing", c.State())
	}
}

func TestCoordinator_StartHookFailureUnregisters(t *testing.T) {
	b := newRunningBus(t)
	c := NewCoordinator(b, "coord", "Coordinator", "", nil, nil)
	c.OnStart(func(context.Context) error { return fmt.Errorf("index unavailable") })

	if err := c.Start(context.Background()); err == nil {
		t.Fatal("Start() succeeded despite failing hook")
	}
	if _, ok := b.Agent("coord"); ok {
		t.Error("coordinator left registered after failed start")
	}
	if c.State() != StateInitializing {
		t.Errorf("State() = %s, want initializing", c.State())
	}
}

func TestCoordinator_StartRollbackFailureIsReported(t *testing.T) {
	b := newRunningBus(t)
	c := NewCoordinator(b, "coord", "Coordinator", "", nil, nil)
	c.OnStart(func(context.Context) error {
		// Leaves nothing for the rollback to unregister.
		b.UnregisterAgent("coord")
		return fmt.Errorf("index unavailable")
	})

	err := c.Start(context.Background())
	if err == nil {
		t.Fatal("Start() succeeded despite failing hook")
	}
	for _, want := range []string{"index unavailable", "coordinator start rollback"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Start() error %q missing %q", err, want)
		}
	}
	if c.State() != StateInitializing {
		t.Errorf("State() = %s, want initializing", c.State())
	}
}

func TestCoordinator_StopJoinsHookErrors(t *testing.T) {
	b := newRunningBus(t)
	c := NewCoordinator(b, "coord", "Coordinator", "", nil, nil)
	c.OnStop(func(context.Context) error { return fmt.Errorf("first") })
	c.OnStop(func(context.Context) error { return fmt.Errorf("second") })
	c.Start(context.Background())

	err := c.Stop(context.Background())
	if err == nil {
		t.Fatal("Stop() error = nil, want joined hook errors")
	}
	for _, want := range []string{"first", "second"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Stop() error %q missing %q", err, want)
		}
	}
	if c.State() != StateStopped {
		t.Errorf("State() = %s, want stopped", c.State())
	}
}

func TestCoordinator_StopAfterBusStop(t *testing.T) {
	b := newRunningBus(t)
	c := NewCoordinator(b, "coord", "Coordinator", "", nil, nil)
	c.Start(context.Background())
	b.Stop(context.Background())

	if err := c.Stop(context.Background()); err != nil {
		t.Errorf("Stop() after bus stop error = %v", err)
	}
}

func TestCoordinator_Handle(t *testing.T) {
	b := newRunningBus(t)
	c := NewCoordinator(b, "coord", "Coordinator", "Finds agents", []string{"discovery"}, nil)
	c.Commands().Add("ping", func(_ context.Context, msg *message.Message) (*message.Message, error) {
		return message.ReplyText(msg, "pong"), nil
	})
	c.Start(context.Background())
	ctx := context.Background()

	reply, err := b.SendDirect(ctx, message.NewCommand("user", "coord", "info"))
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if reply.Content["name"] != "Coordinator" || reply.Content["capability_count"] != 1 {
		t.Errorf("info content = %v", reply.Content)
	}

	reply, _ = b.SendDirect(ctx, message.NewCommand("user", "coord", "ping"))
	if reply.Text() != "pong" {
		t.Errorf("ping reply = %q", reply.Text())
	}

	reply, _ = b.SendDirect(ctx, message.NewCommand("user", "coord", "launch"))
	if reply.Type != message.TypeResponse || reply.Content[message.KeyError] != string(errors.ErrCodeUnknownCommand) {
		t.Errorf("unknown command reply = %v", reply)
	}

	reply, _ = b.SendDirect(ctx, message.NewRequest("user", "coord", "who are you"))
	if reply.Text() != "Coordinator: Finds agents" {
		t.Errorf("request reply = %q", reply.Text())
	}
}

func TestSendParams_Message(t *testing.T) {
	tests := []struct {
		name     string
		params   SendParams
		wantType message.Type
		wantErr  bool
	}{
		{name: "text is a request", params: SendParams{RecipientID: "a", Text: "hola"}, wantType: message.TypeRequest},
		{name: "command verb", params: SendParams{RecipientID: "a", Command: "info"}, wantType: message.TypeCommand},
		{name: "explicit event", params: SendParams{RecipientID: "a", Type: message.TypeEvent}, wantType: message.TypeEvent},
		{name: "no recipient", params: SendParams{Text: "hola"}, wantErr: true},
		{name: "reply type", params: SendParams{RecipientID: "a", Type: message.TypeResponse}, wantErr: true},
		{name: "bogus type", params: SendParams{RecipientID: "a", Type: "gossip"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := tt.params.Message("fallback")
			if (err != nil) != tt.wantErr {
				t.Fatalf("Message() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if msg.Type != tt.wantType {
				t.Errorf("Type = %s, want %s", msg.Type, tt.wantType)
			}
			if msg.SenderID != "fallback" {
				t.Errorf("SenderID = %q, want fallback", msg.SenderID)
			}
		})
	}
}

package main

import (
	"context"

	"github.com/rayrabbit/rayrabbit/bridge"
	"github.com/rayrabbit/rayrabbit/bus"
	"github.com/rayrabbit/rayrabbit/config"
	"github.com/rayrabbit/rayrabbit/credentials"
	"github.com/rayrabbit/rayrabbit/logging"
	"github.com/rayrabbit/rayrabbit/metrics"
	"github.com/rayrabbit/rayrabbit/protocol/a2a"
	"github.com/rayrabbit/rayrabbit/protocol/mcp"
	"github.com/rayrabbit/rayrabbit/shutdown"
	"github.com/rayrabbit/rayrabbit/telemetry"
)

// app is a started bus with its coordinators and bridges. Every part
// it starts is registered with shutdown.
type app struct {
	cfg      *config.Config
	log      logging.FieldLogger
	bus      *bus.MessageBus
	a2a      *a2a.Coordinator
	mcp      *mcp.Coordinator
	bridges  *bridge.Manager
	metrics  *metrics.Collector
	tracer   *telemetry.Tracer
	shutdown *shutdown.Coordinator
}

// startApp builds and starts everything cfg describes. Optional parts
// (telemetry, NATS, bridges) that fail are logged and skipped; the bus
// and coordinators must start.
func startApp(ctx context.Context, cfg *config.Config, log logging.FieldLogger) (*app, error) {
	a := &app{
		cfg:     cfg,
		log:     log,
		metrics: metrics.New(),
		tracer:  telemetry.Noop(),
		shutdown: shutdown.NewCoordinator(shutdown.Config{
			Timeout: cfg.Bus.ShutdownGrace.Duration * 2,
			Logger:  log,
		}),
	}

	opts := []bus.Option{bus.WithLogger(log), bus.WithMetrics(a.metrics)}

	if cfg.Telemetry.Enabled {
		tp, err := telemetry.NewProvider(ctx, cfg.Telemetry.Provider(cfg.Bus.Name, Version))
		if err != nil {
			log.Warn("telemetry_disabled", map[string]interface{}{"error": err.Error()})
		} else {
			a.tracer = tp.Tracer()
			opts = append(opts, bus.WithTracer(a.tracer))
			a.shutdown.RegisterFuncWithPhase("telemetry", tp.Shutdown, shutdown.PhaseExporters)
		}
	}

	if cfg.NATS.Enabled() {
		mirror, err := bus.NewNATSMirror(cfg.NATS.Mirror(cfg.Bus.Name))
		if err != nil {
			log.Warn("nats_mirror_disabled", map[string]interface{}{"error": err.Error()})
		} else {
			opts = append(opts, bus.WithEventSink(mirror))
			a.shutdown.RegisterFuncWithPhase("nats", func(context.Context) error {
				return mirror.Close()
			}, shutdown.PhaseExporters)
		}
	}

	a.bus = bus.New(cfg.Bus.Bus(), opts...)
	if err := a.bus.Start(); err != nil {
		return nil, err
	}
	a.shutdown.RegisterFuncWithPhase("bus", a.bus.Stop, shutdown.PhaseBus)

	var err error
	a.a2a, err = a2a.New(a.bus, cfg.A2A.Coordinator(), a2a.WithLogger(log))
	if err != nil {
		a.shutdown.Shutdown(ctx)
		return nil, err
	}
	a.mcp = mcp.New(a.bus, cfg.MCP.Coordinator(), mcp.WithLogger(log))
	for _, c := range []struct {
		name  string
		start func(context.Context) error
		stop  func(context.Context) error
	}{
		{"a2a", a.a2a.Start, a.a2a.Stop},
		{"mcp", a.mcp.Start, a.mcp.Stop},
	} {
		if err := c.start(ctx); err != nil {
			a.shutdown.Shutdown(ctx)
			return nil, err
		}
		a.shutdown.RegisterFuncWithPhase(c.name, c.stop, shutdown.PhaseCoordinators)
	}

	a.bridges = bridge.NewManager(bridge.WithLogger(log), bridge.WithRecorder(a.metrics))
	a.shutdown.RegisterFuncWithPhase("bridges", a.bridges.DisconnectAll, shutdown.PhaseBridges)
	return a, nil
}

// connectBridges adds a provider bridge per config entry, connects them
// all and mounts an agent on each one that came up. Unavailable bridges
// are reported, never fatal.
func (a *app) connectBridges(ctx context.Context, specs []config.BridgeConfig) []bridge.Result {
	creds, path, err := credentials.Load()
	if err != nil {
		a.log.Warn("credentials_unreadable", map[string]interface{}{"path": path, "error": err.Error()})
	}

	mounts := make(map[string]bridge.AgentSpec, len(specs))
	for _, spec := range specs {
		b := bridge.NewProviderBridge(spec.Name, spec.ProviderConfig(), creds,
			bridge.WithTracer(a.tracer), bridge.WithBridgeLogger(a.log))
		if err := a.bridges.Add(b); err != nil {
			a.log.Warn("bridge_skipped", map[string]interface{}{"bridge": spec.Name, "error": err.Error()})
			continue
		}
		mounts[spec.Name] = spec.AgentSpec()
	}

	results := a.bridges.ConnectAll(ctx)
	for _, r := range results {
		pb, ok := r.Bridge.(*bridge.ProviderBridge)
		if !ok || !r.Available() {
			continue
		}
		agent, err := pb.Mount(mounts[pb.Name()])
		if err == nil {
			err = a.bus.Register(agent)
		}
		if err != nil {
			a.log.Warn("bridge_agent_not_mounted", map[string]interface{}{"bridge": pb.Name(), "error": err.Error()})
		}
	}
	return results
}

package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rayrabbit/rayrabbit/config"
	"github.com/rayrabbit/rayrabbit/errors"
	"github.com/rayrabbit/rayrabbit/logging"
	"github.com/rayrabbit/rayrabbit/shutdown"
	"github.com/rayrabbit/rayrabbit/transport"
)

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bus with its A2A and MCP endpoints",
	Long: `Run a long-lived bus. The A2A coordinator is served over HTTP
(/.well-known/agent.json, /agents, /rpc), MCP over SSE (/mcp/events,
/mcp/rpc) or stdio, and Prometheus metrics at /metrics. SIGINT or
SIGTERM stops everything in order.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a .toml or .yaml config file")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	// stdout belongs to the MCP peer when serving over stdio.
	logOut := cmd.OutOrStdout()
	if cfg.MCP.Stdio {
		logOut = cmd.ErrOrStderr()
	}
	log, err := newLogger(logOut, cfg.LogLevel())
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := startApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	rt.connectBridges(ctx, cfg.Bridges)

	if err := rt.serve(ctx); err != nil {
		rt.shutdown.Shutdown(ctx)
		return err
	}

	stop := rt.shutdown.HandleSignals()
	defer stop()
	log.Info("serving", map[string]interface{}{
		"bus":    cfg.Bus.Name,
		"listen": cfg.A2A.Listen,
		"agents": rt.bus.Stats().Agents,
	})

	<-rt.shutdown.Done()
	return rt.shutdown.Err()
}

// serve starts the HTTP listeners and the MCP transports and registers
// them for shutdown.
func (a *app) serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/", a.a2a.Handler())

	// Transports stop with this context, before the coordinators.
	serveCtx, cancel := context.WithCancel(context.Background())
	a.shutdown.RegisterFuncWithPhase("mcp_transports", func(context.Context) error {
		cancel()
		return nil
	}, shutdown.PhaseListeners)

	if a.cfg.MCP.SSE {
		sse := transport.NewSSETransport(transport.DefaultSSEConfig())
		sse.Mount(mux, "/mcp")
		go a.serveMCP(serveCtx, "sse", sse)
	}
	if a.cfg.MCP.Stdio {
		stdio := transport.NewStdioTransport(os.Stdin, os.Stdout, transport.DefaultConfig())
		go a.serveMCP(serveCtx, "stdio", stdio)
	}

	if a.cfg.Metrics.Listen == "" {
		mux.Handle("/metrics", a.metrics.Handler())
	} else {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", a.metrics.Handler())
		if err := a.listen(ctx, "metrics", a.cfg.Metrics.Listen, metricsMux); err != nil {
			cancel()
			return err
		}
	}

	if err := a.listen(ctx, "http", a.cfg.A2A.Listen, mux); err != nil {
		cancel()
		return err
	}
	return nil
}

// listen binds addr now, so a taken port fails startup, and serves h
// until shutdown.
func (a *app) listen(ctx context.Context, name, addr string, h http.Handler) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrap(err, "listen", errors.WithOperation(name),
			errors.WithMetadata("addr", addr), errors.WithCategory(errors.CategoryPermanent))
	}

	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			a.log.Error("server_failed", map[string]interface{}{"server": name, "error": err.Error()})
			go a.shutdown.ShutdownWithTimeout(0)
		}
	}()
	a.shutdown.RegisterFuncWithPhase(name, srv.Shutdown, shutdown.PhaseListeners)
	a.log.Info("listening", map[string]interface{}{"server": name, "addr": ln.Addr().String()})
	return nil
}

func (a *app) serveMCP(ctx context.Context, name string, t transport.Transport) {
	log := logging.Component(a.log, "mcp."+name)
	if err := a.mcp.Serve(ctx, t); err != nil && ctx.Err() == nil {
		log.Warn("mcp_transport_stopped", map[string]interface{}{"error": err.Error()})
	}
}

package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rayrabbit/rayrabbit/agent"
	"github.com/rayrabbit/rayrabbit/bridge"
	"github.com/rayrabbit/rayrabbit/config"
	"github.com/rayrabbit/rayrabbit/discovery"
	"github.com/rayrabbit/rayrabbit/logging"
	"github.com/rayrabbit/rayrabbit/message"
)

var demoBridges bool

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a self-contained walkthrough of the bus",
	Long: `Start a bus with two agents and both coordinators, exchange requests and
commands, try the LLM bridges, print metrics and shut everything down.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := newLogger(cmd.OutOrStdout(), logging.LevelInfo)
		if err != nil {
			return err
		}
		return runDemo(cmd.Context(), cmd.OutOrStdout(), log, demoBridges)
	},
}

func init() {
	rootCmd.AddCommand(demoCmd)
	demoCmd.Flags().BoolVar(&demoBridges, "bridges", true, "try the anthropic, openai and google bridges")
}

// demoConfig is the default configuration with the demo's identities.
func demoConfig() *config.Config {
	cfg := config.Default()
	cfg.A2A.Description = "A2A protocol coordinator"
	cfg.A2A.Capabilities = []string{"a2a_communication", "agent_discovery"}
	cfg.A2A.Endpoint = "http://localhost:8080"
	cfg.Bridges = []config.BridgeConfig{
		{Name: "claude", Provider: bridge.ProviderAnthropic},
		{Name: "gpt", Provider: bridge.ProviderOpenAI},
		{Name: "gemini", Provider: bridge.ProviderGoogle},
	}
	return cfg
}

func runDemo(ctx context.Context, out io.Writer, log logging.FieldLogger, withBridges bool) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := demoConfig()
	step := func(n int, title string) {
		fmt.Fprintf(out, "\n== %d. %s\n", n, title)
	}

	step(1, "Starting the bus and coordinators")
	rt, err := startApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		step(9, "Shutting down")
		if serr := rt.shutdown.Shutdown(context.Background()); serr != nil {
			fmt.Fprintf(out, "shutdown: %v\n", serr)
			if err == nil {
				err = serr
			}
			return
		}
		fmt.Fprintf(out, "bus %s\n", rt.bus.Status())
	}()

	step(2, "Registering agents")
	assistant := agent.NewSimpleAgent("agent_001", "Asistente", "General purpose assistant",
		"conversation", "general_assistance")
	assistant.AddAutoResponse("hola", "¡Hola! Soy {name}, tu asistente virtual.")
	assistant.AddAutoResponse("test", "Sistema funcionando correctamente.")

	specialist := agent.NewSimpleAgent("agent_002", "Especialista", "Task specialist",
		"task_execution", "status_reporting")
	specialist.AddAutoResponse("status", "Estado: Operativo y listo para tareas.")

	for _, a := range []agent.Agent{assistant, specialist} {
		if err := rt.bus.Register(a); err != nil {
			return err
		}
		fmt.Fprintf(out, "registered %s (%s)\n", a.ID(), strings.Join(a.Capabilities(), ", "))
	}

	step(3, "Discovery")
	for _, id := range []string{assistant.ID(), specialist.ID()} {
		card, err := rt.a2a.CardFor(id)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "a2a card %s -> %s\n", card.AgentID, card.Endpoint)
	}
	fmt.Fprintf(out, "mcp query conversation -> %v\n", rt.mcp.QueryCapability("conversation"))
	hits, err := rt.a2a.Search("status", discovery.SearchOptions{})
	if err != nil {
		return err
	}
	for _, h := range hits {
		fmt.Fprintf(out, "a2a search status -> %s (%.2f)\n", h.Card.AgentID, h.Score)
	}

	step(4, "Requests")
	for _, req := range []*message.Message{
		message.NewRequest("system", assistant.ID(), "hola"),
		message.NewRequest("system", specialist.ID(), "status"),
	} {
		if err := exchange(ctx, rt, out, req); err != nil {
			return err
		}
	}

	step(5, "Bridges")
	if withBridges {
		for _, r := range rt.connectBridges(ctx, cfg.Bridges) {
			if r.Available() {
				fmt.Fprintf(out, "bridge %s available\n", r.Bridge.Name())
			} else {
				fmt.Fprintf(out, "bridge %s unavailable: %v\n", r.Bridge.Name(), r.Err)
			}
		}
	} else {
		fmt.Fprintln(out, "skipped")
	}

	step(6, "Commands")
	for _, cmd := range []*message.Message{
		message.NewCommand("system", assistant.ID(), agent.CommandInfo),
		message.NewCommand("system", specialist.ID(), agent.CommandHelp),
		message.NewCommand("system", rt.a2a.ID(), "cards"),
	} {
		if err := exchange(ctx, rt, out, cmd); err != nil {
			return err
		}
	}

	step(7, "Agent to agent")
	if err := exchange(ctx, rt, out, message.NewRequest(assistant.ID(), specialist.ID(), "Hola colega, ¿cómo estás?")); err != nil {
		return err
	}

	step(8, "Metrics")
	stats := rt.bus.Stats()
	fmt.Fprintf(out, "bus %s: status=%s agents=%d capabilities=%d\n", stats.Name, stats.Status, stats.Agents, stats.Capabilities)
	for _, a := range []agent.Agent{assistant, specialist} {
		fmt.Fprintf(out, "agent %s: status=%s capabilities=%d\n", a.ID(), a.Status(), len(a.Capabilities()))
	}
	fmt.Fprintf(out, "a2a %s: %s\n", rt.a2a.ID(), rt.a2a.State())
	fmt.Fprintf(out, "mcp %s: %s\n", rt.mcp.ID(), rt.mcp.State())

	var available []string
	bm := rt.bridges.Metrics()
	for _, name := range rt.bridges.Names() {
		if r, ok := rt.bridges.Result(name); ok && r.Available() {
			available = append(available, name)
			fmt.Fprintf(out, "bridge %s: components=%d\n", name, bm[name].ComponentsRegistered)
		}
	}
	if len(available) == 0 {
		fmt.Fprintln(out, "no bridges available")
	}
	return nil
}

// exchange sends msg and prints the reply.
func exchange(ctx context.Context, rt *app, out io.Writer, msg *message.Message) error {
	reply, err := rt.bus.SendDirect(ctx, msg)
	if err != nil {
		return err
	}
	what := msg.Text()
	if msg.Type == message.TypeCommand {
		what = "/" + msg.Command()
	}
	fmt.Fprintf(out, "%s -> %s %q: %s\n", msg.SenderID, msg.RecipientID, what, describe(reply))
	return nil
}

func describe(reply *message.Message) string {
	if reply.Type == message.TypeError {
		return fmt.Sprintf("error %s", reply.ErrorCode())
	}
	if text := reply.Text(); text != "" {
		return text
	}
	keys := make([]string, 0, len(reply.Content))
	for k := range reply.Content {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return fmt.Sprintf("%s {%s}", reply.Type, strings.Join(keys, ", "))
}

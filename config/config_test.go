package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rayrabbit/rayrabbit/errors"
	"github.com/rayrabbit/rayrabbit/logging"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	b := cfg.Bus.Bus()
	if b.Name != "main_bus" || b.RequestTimeout != 30*time.Second || b.ShutdownGrace != 5*time.Second {
		t.Errorf("Bus() = %+v", b)
	}
	if cfg.A2A.Coordinator().ID != "a2a_coordinator" || cfg.MCP.Coordinator().ID != "mcp_coordinator" {
		t.Errorf("coordinator ids = %q, %q", cfg.A2A.ID, cfg.MCP.ID)
	}
	if cfg.NATS.Enabled() {
		t.Error("NATS enabled by default")
	}
	if cfg.LogLevel() != logging.LevelInfo {
		t.Errorf("LogLevel() = %s", cfg.LogLevel())
	}
}

const tomlConfig = `
[bus]
name = "edge_bus"
request_timeout = "2s"
shutdown_grace = "500ms"

[log]
level = "debug"

[a2a]
endpoint = "https://bus.example.com"
listen = ":9090"

[[bridges]]
name = "claude"
provider = "anthropic"
max_tokens = 256
system_prompt = "Be brief."

[[bridges]]
name = "gpt"
provider = "openai"
model = "gpt-4o"
agent_id = "gpt_helper"

[nats]
url = "nats://localhost:4222"

[telemetry]
enabled = true
protocol = "http"
endpoint = "localhost:4318"
`

const yamlConfig = `
bus:
  name: edge_bus
  request_timeout: 2s
  shutdown_grace: 500ms
log:
  level: debug
a2a:
  endpoint: https://bus.example.com
  listen: ":9090"
bridges:
  - name: claude
    provider: anthropic
    max_tokens: 256
    system_prompt: Be brief.
  - name: gpt
    provider: openai
    model: gpt-4o
    agent_id: gpt_helper
nats:
  url: nats://localhost:4222
telemetry:
  enabled: true
  protocol: http
  endpoint: localhost:4318
`

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"toml", "rayrabbit.toml", tomlConfig},
		{"yaml", "rayrabbit.yaml", yamlConfig},
		{"yml", "rayrabbit.yml", yamlConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeFile(t, tt.file, tt.content))
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}

			if cfg.Bus.Name != "edge_bus" || cfg.Bus.RequestTimeout.Duration != 2*time.Second ||
				cfg.Bus.ShutdownGrace.Duration != 500*time.Millisecond {
				t.Errorf("Bus = %+v", cfg.Bus)
			}
			if cfg.LogLevel() != logging.LevelDebug {
				t.Errorf("LogLevel() = %s", cfg.LogLevel())
			}

			// Unset fields keep their defaults.
			if cfg.A2A.ID != "a2a_coordinator" || cfg.A2A.Listen != ":9090" {
				t.Errorf("A2A = %+v", cfg.A2A)
			}
			if cfg.MCP.ID != "mcp_coordinator" || !cfg.MCP.SSE {
				t.Errorf("MCP = %+v", cfg.MCP)
			}

			if len(cfg.Bridges) != 2 {
				t.Fatalf("Bridges = %+v", cfg.Bridges)
			}
			claude := cfg.Bridges[0]
			if p := claude.ProviderConfig(); p.Provider != "anthropic" || p.MaxTokens != 256 {
				t.Errorf("ProviderConfig() = %+v", p)
			}
			if s := claude.AgentSpec(); s.ID != "claude_agent" || s.SystemPrompt != "Be brief." {
				t.Errorf("AgentSpec() = %+v", s)
			}
			if s := cfg.Bridges[1].AgentSpec(); s.ID != "gpt_helper" {
				t.Errorf("AgentSpec().ID = %q", s.ID)
			}

			if !cfg.NATS.Enabled() {
				t.Error("NATS not enabled")
			}
			m := cfg.NATS.Mirror("edge_bus")
			if m.URL != "nats://localhost:4222" || m.SubjectPrefix != "rayrabbit.events" || m.Name != "edge_bus" {
				t.Errorf("Mirror() = %+v", m)
			}

			p := cfg.Telemetry.Provider("edge_bus", "1.0.0")
			if p.Protocol != "http" || p.Endpoint != "localhost:4318" || p.ServiceVersion != "1.0.0" || p.BusName != "edge_bus" {
				t.Errorf("Telemetry.Provider() = %+v", p)
			}
		})
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		want    string
	}{
		{"bad duration", "c.toml", "[bus]\nrequest_timeout = \"soon\"\n", "parse config"},
		{"bad toml", "c.toml", "[bus\n", "parse config"},
		{"bad yaml", "c.yaml", "bus: [[[\n", "parse config"},
		{"unknown format", "c.json", "{}", "unsupported config format"},
		{"zero timeout", "c.toml", "[bus]\nrequest_timeout = \"0s\"\n", "bus.request_timeout"},
		{"bad level", "c.yaml", "log:\n  level: loud\n", "log.level"},
		{"unknown provider", "c.toml", "[[bridges]]\nname = \"x\"\nprovider = \"llama\"\n", "bridges[0].provider"},
		{"duplicate bridge", "c.toml", "[[bridges]]\nname = \"x\"\nprovider = \"openai\"\n[[bridges]]\nname = \"x\"\nprovider = \"google\"\n", "duplicate bridge"},
		{"same coordinator ids", "c.toml", "[a2a]\nid = \"hub\"\n[mcp]\nid = \"hub\"\n", "duplicates a2a.id"},
		{"bad telemetry protocol", "c.toml", "[telemetry]\nenabled = true\nprotocol = \"udp\"\n", "telemetry.protocol"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.file, tt.content))
			if err == nil {
				t.Fatal("Load() succeeded")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load("/nonexistent/path/rayrabbit.toml")
	if err == nil {
		t.Fatal("Load() succeeded on a missing file")
	}
	if errors.IsRetryable(err) {
		t.Error("missing config should not be retryable")
	}
}

func TestLoad_TooLarge(t *testing.T) {
	content := "# " + strings.Repeat("x", MaxFileSize) + "\n"
	_, err := Load(writeFile(t, "big.toml", content))
	if err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("Load() error = %v, want too large", err)
	}
	if !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Errorf("code = %s", errors.Code(err))
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Bus.Name = ""
	cfg.A2A.ID = ""
	cfg.Log.Level = "verbose"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() succeeded")
	}
	for _, field := range []string{"bus.name", "a2a.id", "log.level"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("Validate() error %q does not mention %s", err, field)
		}
	}
}

func TestDuration_MarshalText(t *testing.T) {
	d := Duration{90 * time.Second}
	text, err := d.MarshalText()
	if err != nil || string(text) != "1m30s" {
		t.Errorf("MarshalText() = %q, %v", text, err)
	}
	var back Duration
	if err := back.UnmarshalText(text); err != nil || back.Duration != d.Duration {
		t.Errorf("UnmarshalText() = %v, %v", back, err)
	}
}

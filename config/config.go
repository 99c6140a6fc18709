// Package config loads rayrabbit's runtime configuration from TOML or
// YAML files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/rayrabbit/rayrabbit/bridge"
	"github.com/rayrabbit/rayrabbit/bus"
	"github.com/rayrabbit/rayrabbit/errors"
	"github.com/rayrabbit/rayrabbit/logging"
	"github.com/rayrabbit/rayrabbit/protocol/a2a"
	"github.com/rayrabbit/rayrabbit/protocol/mcp"
	"github.com/rayrabbit/rayrabbit/telemetry"
)

// MaxFileSize bounds configuration files.
const MaxFileSize = 1 << 20

// Duration is a time.Duration written as a string such as "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// Config is the complete runtime configuration.
type Config struct {
	Bus       BusConfig       `toml:"bus" yaml:"bus"`
	Log       LogConfig       `toml:"log" yaml:"log"`
	A2A       A2AConfig       `toml:"a2a" yaml:"a2a"`
	MCP       MCPConfig       `toml:"mcp" yaml:"mcp"`
	Bridges   []BridgeConfig  `toml:"bridges" yaml:"bridges"`
	Telemetry TelemetryConfig `toml:"telemetry" yaml:"telemetry"`
	NATS      NATSConfig      `toml:"nats" yaml:"nats"`
	Metrics   MetricsConfig   `toml:"metrics" yaml:"metrics"`
}

// BusConfig configures the message bus.
type BusConfig struct {
	Name           string   `toml:"name" yaml:"name"`
	RequestTimeout Duration `toml:"request_timeout" yaml:"request_timeout"`
	ShutdownGrace  Duration `toml:"shutdown_grace" yaml:"shutdown_grace"`
}

// Bus returns the bus configuration.
func (c BusConfig) Bus() bus.Config {
	return bus.Config{
		Name:           c.Name,
		RequestTimeout: c.RequestTimeout.Duration,
		ShutdownGrace:  c.ShutdownGrace.Duration,
	}
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `toml:"level" yaml:"level"`
}

// A2AConfig configures the A2A coordinator and the HTTP listener that
// serves it.
type A2AConfig struct {
	ID           string   `toml:"id" yaml:"id"`
	Name         string   `toml:"name" yaml:"name"`
	Description  string   `toml:"description" yaml:"description"`
	Capabilities []string `toml:"capabilities" yaml:"capabilities"`
	Endpoint     string   `toml:"endpoint" yaml:"endpoint"`

	// Listen is the HTTP listen address, e.g. ":8080".
	Listen string `toml:"listen" yaml:"listen"`
}

// Coordinator returns the coordinator configuration.
func (c A2AConfig) Coordinator() a2a.Config {
	return a2a.Config{
		ID:           c.ID,
		Name:         c.Name,
		Description:  c.Description,
		Capabilities: c.Capabilities,
		Endpoint:     c.Endpoint,
	}
}

// MCPConfig configures the MCP coordinator.
type MCPConfig struct {
	ID           string   `toml:"id" yaml:"id"`
	Name         string   `toml:"name" yaml:"name"`
	Description  string   `toml:"description" yaml:"description"`
	Capabilities []string `toml:"capabilities" yaml:"capabilities"`

	// SSE mounts MCP over HTTP at /mcp on the A2A listener.
	SSE bool `toml:"sse" yaml:"sse"`

	// Stdio serves MCP on stdin/stdout.
	Stdio bool `toml:"stdio" yaml:"stdio"`
}

// Coordinator returns the coordinator configuration.
func (c MCPConfig) Coordinator() mcp.Config {
	return mcp.Config{
		ID:           c.ID,
		Name:         c.Name,
		Description:  c.Description,
		Capabilities: c.Capabilities,
	}
}

// BridgeConfig configures one LLM bridge and the agent mounted on it.
type BridgeConfig struct {
	Name      string `toml:"name" yaml:"name"`
	Provider  string `toml:"provider" yaml:"provider"`
	Model     string `toml:"model" yaml:"model"`
	MaxTokens int    `toml:"max_tokens" yaml:"max_tokens"`
	BaseURL   string `toml:"base_url" yaml:"base_url"`

	// AgentID names the agent mounted on the bridge. Default: <name>_agent.
	AgentID      string   `toml:"agent_id" yaml:"agent_id"`
	SystemPrompt string   `toml:"system_prompt" yaml:"system_prompt"`
	Capabilities []string `toml:"capabilities" yaml:"capabilities"`
}

// ProviderConfig returns the bridge's provider configuration.
func (c BridgeConfig) ProviderConfig() bridge.ProviderConfig {
	return bridge.ProviderConfig{
		Provider:  c.Provider,
		Model:     c.Model,
		MaxTokens: c.MaxTokens,
		BaseURL:   c.BaseURL,
	}
}

// AgentSpec returns the agent to mount once the bridge connects.
func (c BridgeConfig) AgentSpec() bridge.AgentSpec {
	id := c.AgentID
	if id == "" {
		id = c.Name + "_agent"
	}
	return bridge.AgentSpec{
		ID:           id,
		Name:         c.Name,
		Description:  fmt.Sprintf("%s agent backed by %s", c.Name, c.Provider),
		Capabilities: c.Capabilities,
		SystemPrompt: c.SystemPrompt,
	}
}

// TelemetryConfig configures span export.
type TelemetryConfig struct {
	Enabled     bool   `toml:"enabled" yaml:"enabled"`
	Endpoint    string `toml:"endpoint" yaml:"endpoint"`
	Protocol    string `toml:"protocol" yaml:"protocol"`
	Insecure    bool   `toml:"insecure" yaml:"insecure"`
	ServiceName string `toml:"service_name" yaml:"service_name"`
	Debug       bool   `toml:"debug" yaml:"debug"`
}

// Provider returns the provider configuration for the bus named busName
// running build version.
func (c TelemetryConfig) Provider(busName, version string) telemetry.ProviderConfig {
	return telemetry.ProviderConfig{
		ServiceName:    c.ServiceName,
		ServiceVersion: version,
		BusName:        busName,
		Endpoint:       c.Endpoint,
		Protocol:       c.Protocol,
		Insecure:       c.Insecure,
		Debug:          c.Debug,
	}
}

// NATSConfig configures the broadcast event mirror. An empty URL
// disables it.
type NATSConfig struct {
	URL           string `toml:"url" yaml:"url"`
	SubjectPrefix string `toml:"subject_prefix" yaml:"subject_prefix"`
}

// Enabled reports whether events are mirrored to NATS.
func (c NATSConfig) Enabled() bool { return c.URL != "" }

// Mirror returns the mirror configuration.
func (c NATSConfig) Mirror(clientName string) bus.NATSConfig {
	cfg := bus.DefaultNATSConfig()
	cfg.URL = c.URL
	cfg.Name = clientName
	if c.SubjectPrefix != "" {
		cfg.SubjectPrefix = c.SubjectPrefix
	}
	return cfg
}

// MetricsConfig configures the Prometheus endpoint. An empty Listen
// serves /metrics on the A2A listener.
type MetricsConfig struct {
	Listen string `toml:"listen" yaml:"listen"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	b := bus.DefaultConfig()
	a := a2a.DefaultConfig()
	m := mcp.DefaultConfig()
	return &Config{
		Bus: BusConfig{
			Name:           b.Name,
			RequestTimeout: Duration{b.RequestTimeout},
			ShutdownGrace:  Duration{b.ShutdownGrace},
		},
		Log: LogConfig{Level: "info"},
		A2A: A2AConfig{
			ID:           a.ID,
			Name:         a.Name,
			Description:  a.Description,
			Capabilities: a.Capabilities,
			Endpoint:     a.Endpoint,
			Listen:       ":8080",
		},
		MCP: MCPConfig{
			ID:           m.ID,
			Name:         m.Name,
			Description:  m.Description,
			Capabilities: m.Capabilities,
			SSE:          true,
		},
		Telemetry: TelemetryConfig{Protocol: "grpc", ServiceName: "rayrabbit"},
		NATS:      NATSConfig{SubjectPrefix: bus.DefaultNATSConfig().SubjectPrefix},
	}
}

// Load reads path on top of Default. The format follows the extension:
// .toml, .yaml or .yml.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config", errors.WithMetadata("path", path),
			errors.WithCategory(errors.CategoryPermanent))
	}
	if info.Size() > MaxFileSize {
		return nil, errors.InvalidInput(fmt.Sprintf("config file too large: %d bytes (max %d)", info.Size(), MaxFileSize),
			errors.WithMetadata("path", path))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config", errors.WithMetadata("path", path),
			errors.WithCategory(errors.CategoryPermanent))
	}

	cfg := Default()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		_, err = toml.Decode(string(data), cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		return nil, errors.InvalidInput(fmt.Sprintf("unsupported config format %q", ext),
			errors.WithMetadata("path", path))
	}
	if err != nil {
		return nil, errors.Wrap(err, "parse config", errors.WithMetadata("path", path),
			errors.WithCategory(errors.CategoryPermanent), errors.WithRetryable(false))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(field, format string, args ...interface{}) {
		errs = append(errs, errors.InvalidInput(field+": "+fmt.Sprintf(format, args...),
			errors.WithMetadata("field", field)))
	}

	if strings.TrimSpace(c.Bus.Name) == "" {
		invalid("bus.name", "must not be empty")
	}
	if c.Bus.RequestTimeout.Duration <= 0 {
		invalid("bus.request_timeout", "must be positive")
	}
	if c.Bus.ShutdownGrace.Duration < 0 {
		invalid("bus.shutdown_grace", "must not be negative")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		invalid("log.level", "%v", err)
	}

	if c.A2A.ID == "" {
		invalid("a2a.id", "must not be empty")
	}
	if c.MCP.ID == "" {
		invalid("mcp.id", "must not be empty")
	}
	if c.A2A.ID != "" && c.A2A.ID == c.MCP.ID {
		invalid("mcp.id", "duplicates a2a.id %q", c.A2A.ID)
	}

	names := make(map[string]bool)
	for i, b := range c.Bridges {
		field := fmt.Sprintf("bridges[%d]", i)
		if b.Name == "" {
			invalid(field+".name", "must not be empty")
		} else if names[b.Name] {
			invalid(field+".name", "duplicate bridge %q", b.Name)
		}
		names[b.Name] = true
		if err := b.ProviderConfig().Validate(); err != nil {
			invalid(field+".provider", "%s", errors.As(err).Message())
		}
	}

	if c.Telemetry.Enabled {
		switch c.Telemetry.Protocol {
		case "", "grpc", "http":
		default:
			invalid("telemetry.protocol", "must be grpc or http, got %q", c.Telemetry.Protocol)
		}
	}
	return errors.Join(errs...)
}

// LogLevel returns the configured level. Validate has already checked it.
func (c *Config) LogLevel() logging.Level {
	lvl, _ := logging.ParseLevel(c.Log.Level)
	return lvl
}

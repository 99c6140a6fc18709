package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/rayrabbit/rayrabbit/errors"
	"github.com/rayrabbit/rayrabbit/message"
)

// NATSMirror is an EventSink that republishes broadcast events on NATS
// so processes outside the bus can observe them. Delivery between agents
// never goes through NATS.
type NATSMirror struct {
	conn   *nats.Conn
	config NATSConfig
	owned  bool // conn was dialled by us and is closed by Close
}

var _ EventSink = (*NATSMirror)(nil)

// NATSConfig holds NATS connection configuration.
type NATSConfig struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Name is the client name for identification.
	Name string

	// Token for token-based auth.
	Token string

	// User and Password for basic auth.
	User     string
	Password string

	// SubjectPrefix is prepended to every subject.
	// Default: "rayrabbit.events"
	SubjectPrefix string

	// ReconnectWait is the time to wait between reconnection attempts.
	ReconnectWait time.Duration

	// MaxReconnects is the maximum number of reconnection attempts.
	// -1 = unlimited
	MaxReconnects int

	// ConnectTimeout for initial connection.
	ConnectTimeout time.Duration
}

// DefaultNATSConfig returns configuration with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            nats.DefaultURL,
		SubjectPrefix:  "rayrabbit.events",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
	}
}

// NewNATSMirror dials NATS and returns a mirror that owns the connection.
func NewNATSMirror(cfg NATSConfig) (*NATSMirror, error) {
	cfg = withNATSDefaults(cfg)
	conn, err := nats.Connect(cfg.URL, buildNATSOptions(cfg)...)
	if err != nil {
		return nil, errors.ConnectionError("nats", err, errors.WithMetadata("url", cfg.URL))
	}
	return &NATSMirror{conn: conn, config: cfg, owned: true}, nil
}

// NewNATSMirrorFromConn wraps an existing connection, which the caller keeps.
func NewNATSMirrorFromConn(conn *nats.Conn, cfg NATSConfig) *NATSMirror {
	return &NATSMirror{conn: conn, config: withNATSDefaults(cfg)}
}

func withNATSDefaults(cfg NATSConfig) NATSConfig {
	def := DefaultNATSConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = def.SubjectPrefix
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = def.ReconnectWait
	}
	return cfg
}

func buildNATSOptions(cfg NATSConfig) []nats.Option {
	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	return opts
}

// Subject returns the NATS subject an event from sender is published on:
// <prefix>.<sender>, with NATS token separators in the id replaced.
func (m *NATSMirror) Subject(sender string) string {
	if sender == "" {
		sender = "anonymous"
	}
	token := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(sender)
	return m.config.SubjectPrefix + "." + token
}

// Publish implements EventSink. The payload is the message JSON.
func (m *NATSMirror) Publish(ctx context.Context, msg *message.Message) error {
	if m.conn.IsClosed() {
		return errors.ShuttingDown("nats_publish", errors.WithMessageID(msg.ID))
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "nats_publish", errors.WithMessageID(msg.ID))
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if err := m.conn.Publish(m.Subject(msg.SenderID), data); err != nil {
		return errors.ConnectionError("nats", err, errors.WithMessageID(msg.ID))
	}
	return nil
}

// Conn returns the underlying NATS connection.
func (m *NATSMirror) Conn() *nats.Conn {
	return m.conn
}

// Close drains and closes the connection if the mirror dialled it.
func (m *NATSMirror) Close() error {
	if !m.owned || m.conn.IsClosed() {
		return nil
	}
	return m.conn.Drain()
}

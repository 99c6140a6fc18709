package bridge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rayrabbit/rayrabbit/credentials"
	"github.com/rayrabbit/rayrabbit/errors"
)

// Message is one turn of a chat exchange.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// ChatRequest is sent to a Provider.
type ChatRequest struct {
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

// ChatResponse is a Provider's answer.
type ChatResponse struct {
	Content      string `json:"content"`
	StopReason   string `json:"stop_reason"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	Model        string `json:"model"`
}

// Provider is a chat-completion backend.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// Supported provider names.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
)

// ProviderConfig selects and configures one provider.
type ProviderConfig struct {
	Provider  string `json:"provider" toml:"provider" yaml:"provider"`
	Model     string `json:"model" toml:"model" yaml:"model"`
	MaxTokens int    `json:"max_tokens" toml:"max_tokens" yaml:"max_tokens"`
	BaseURL   string `json:"base_url" toml:"base_url" yaml:"base_url"`

	// APIKey overrides credential lookup.
	APIKey string `json:"-" toml:"-" yaml:"-"`

	Retry RetryConfig `json:"retry" toml:"retry" yaml:"retry"`
}

// RetryConfig holds retry settings for provider calls.
type RetryConfig struct {
	MaxRetries  int           `json:"max_retries" toml:"max_retries" yaml:"max_retries"`
	InitBackoff time.Duration `json:"init_backoff" toml:"init_backoff" yaml:"init_backoff"`
	MaxBackoff  time.Duration `json:"max_backoff" toml:"max_backoff" yaml:"max_backoff"`
}

const (
	defaultMaxTokens   = 1024
	defaultMaxRetries  = 3
	defaultInitBackoff = time.Second
	defaultMaxBackoff  = 30 * time.Second
	backoffFactor      = 2.0
)

// DefaultModel returns the model used when none is configured.
func DefaultModel(provider string) string {
	switch provider {
	case ProviderAnthropic:
		return "claude-sonnet-4-5"
	case ProviderOpenAI:
		return "gpt-4o-mini"
	case ProviderGoogle:
		return "gemini-2.0-flash"
	}
	return ""
}

// Validate checks the configuration.
func (c ProviderConfig) Validate() error {
	switch c.Provider {
	case ProviderAnthropic, ProviderOpenAI, ProviderGoogle:
	case "":
		return errors.InvalidInput("provider is required")
	default:
		return errors.InvalidInput(fmt.Sprintf("unknown provider %q", c.Provider))
	}
	if c.MaxTokens < 0 {
		return errors.InvalidInput("max_tokens must not be negative")
	}
	return nil
}

func (c ProviderConfig) withDefaults() ProviderConfig {
	if c.Model == "" {
		c.Model = DefaultModel(c.Provider)
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = defaultMaxTokens
	}
	if c.Retry.MaxRetries <= 0 {
		c.Retry.MaxRetries = defaultMaxRetries
	}
	if c.Retry.InitBackoff <= 0 {
		c.Retry.InitBackoff = defaultInitBackoff
	}
	if c.Retry.MaxBackoff <= 0 {
		c.Retry.MaxBackoff = defaultMaxBackoff
	}
	return c
}

// NewProvider builds the SDK client for cfg. The API key comes from
// cfg.APIKey, then creds, then the provider's environment variable; a
// missing key is a CONNECTION_ERROR so the bridge degrades instead of
// failing startup.
func NewProvider(ctx context.Context, cfg ProviderConfig, creds *credentials.Credentials) (Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	key := cfg.APIKey
	if key == "" {
		key = creds.GetAPIKey(cfg.Provider)
	}
	if key == "" {
		return nil, errors.ConnectionError(cfg.Provider,
			fmt.Errorf("no api key (set %s or add [%s] to credentials.toml)",
				credentials.EnvVar(cfg.Provider), cfg.Provider))
	}

	switch cfg.Provider {
	case ProviderAnthropic:
		return newAnthropicProvider(cfg, key), nil
	case ProviderOpenAI:
		return newOpenAIProvider(cfg, key), nil
	default:
		return newGoogleProvider(ctx, cfg, key)
	}
}

// withRetry runs call, retrying rate limits and server errors with
// exponential backoff. Billing errors are never retried.
func withRetry(ctx context.Context, name string, retry RetryConfig, call func() error) error {
	backoff := retry.InitBackoff
	for attempt := 0; ; attempt++ {
		err := call()
		if err == nil {
			return nil
		}
		if isBillingError(err) {
			return fmt.Errorf("%s billing/payment error (fatal): %w", name, err)
		}
		if !isRetryableError(err) {
			return fmt.Errorf("%s request failed: %w", name, err)
		}
		if attempt >= retry.MaxRetries {
			return fmt.Errorf("%s request failed after %d retries: %w", name, retry.MaxRetries, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * backoffFactor)
		if backoff > retry.MaxBackoff {
			backoff = retry.MaxBackoff
		}
	}
}

// isRateLimitError checks if the error is a rate limit error.
func isRateLimitError(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "rate limit") ||
		strings.Contains(s, "too many requests") ||
		strings.Contains(s, "429") ||
		strings.Contains(s, "overloaded")
}

// isServerError checks if the error is a transient server error (5xx).
func isServerError(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "500") ||
		strings.Contains(s, "502") ||
		strings.Contains(s, "503") ||
		strings.Contains(s, "504") ||
		strings.Contains(s, "service unavailable") ||
		strings.Contains(s, "temporarily unavailable")
}

func isRetryableError(err error) bool {
	return isRateLimitError(err) || isServerError(err)
}

// isBillingError checks for billing, payment or quota failures.
func isBillingError(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "billing") ||
		strings.Contains(s, "payment") ||
		strings.Contains(s, "quota exceeded") ||
		strings.Contains(s, "insufficient") ||
		strings.Contains(s, "402")
}

// splitSystem separates the system prompt from the conversation turns.
func splitSystem(msgs []Message) (system string, turns []Message) {
	for _, m := range msgs {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		turns = append(turns, m)
	}
	return system, turns
}

// Package credentials resolves provider API keys for the bridges.
//
// Keys are read from credentials.toml, one [provider] section each with
// an api_key, or a generic [llm] section. The file must be owner
// read-only. When no file provides a key the provider's environment
// variable is used.
package credentials

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/rayrabbit/rayrabbit/errors"
)

// FileName is the credentials file looked up in StandardPaths.
const FileName = "credentials.toml"

// ErrInsecurePermissions is returned when the credentials file can be
// read or written by anyone but its owner.
var ErrInsecurePermissions = errors.New(errors.ErrCodeInvalidInput, "credentials file has insecure permissions")

// Credentials holds the API keys found in one file.
type Credentials struct {
	// LLM is the generic key, used when a provider has no section.
	LLM *ProviderCreds

	providers map[string]*ProviderCreds
}

// ProviderCreds holds credentials for a single provider.
type ProviderCreds struct {
	APIKey string `toml:"api_key"`
}

// StandardPaths returns the credential file locations in priority order.
func StandardPaths() []string {
	paths := []string{FileName}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "rayrabbit", FileName),
			filepath.Join(home, ".rayrabbit", FileName),
		)
	}
	return paths
}

// Load reads the first credentials file found in StandardPaths. No file
// at all is not an error: the result is nil and lookups fall back to the
// environment.
func Load() (*Credentials, string, error) {
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err == nil {
			creds, err := LoadFile(path)
			if err != nil {
				return nil, path, err
			}
			return creds, path, nil
		}
	}
	return nil, "", nil
}

// LoadFile reads credentials from path. On Unix the file must be 0400.
func LoadFile(path string) (*Credentials, error) {
	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, errors.Wrap(err, "reading credentials", errors.WithMetadata("path", path))
		}
		if mode := info.Mode().Perm(); mode != 0400 {
			return nil, errors.Wrap(ErrInsecurePermissions,
				fmt.Sprintf("%s has mode %04o (must be 0400)", path, mode),
				errors.WithMetadata("path", path))
		}
	}

	var raw map[string]interface{}
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, errors.Wrap(err, "parsing credentials",
			errors.WithCategory(errors.CategoryPermanent), errors.WithMetadata("path", path))
	}

	creds := &Credentials{providers: make(map[string]*ProviderCreds)}
	for key, value := range raw {
		section, ok := value.(map[string]interface{})
		if !ok {
			continue
		}
		apiKey, _ := section["api_key"].(string)
		if apiKey == "" {
			continue
		}
		if key == "llm" {
			creds.LLM = &ProviderCreds{APIKey: apiKey}
		} else {
			creds.providers[key] = &ProviderCreds{APIKey: apiKey}
		}
	}
	return creds, nil
}

// Providers returns the provider sections that carry a key.
func (c *Credentials) Providers() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.providers))
	for p := range c.providers {
		out = append(out, p)
	}
	return out
}

// GetAPIKey returns the key for provider: its own section first, then
// [llm], then the environment. c may be nil.
func (c *Credentials) GetAPIKey(provider string) string {
	if c != nil {
		normalized := strings.ToLower(strings.ReplaceAll(provider, "-", ""))
		if creds, ok := c.providers[provider]; ok {
			return creds.APIKey
		}
		if creds, ok := c.providers[normalized]; ok {
			return creds.APIKey
		}
		if c.LLM != nil && c.LLM.APIKey != "" {
			return c.LLM.APIKey
		}
	}
	return os.Getenv(EnvVar(provider))
}

// EnvVar returns the environment variable holding provider's key.
func EnvVar(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	case "google":
		return "GOOGLE_API_KEY"
	default:
		return strings.ToUpper(strings.ReplaceAll(provider, "-", "_")) + "_API_KEY"
	}
}

// Package config loads the megbot YAML configuration and applies
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/megbot-dev/megbot/internal/logger"
	"github.com/megbot-dev/megbot/internal/observability"
	"github.com/megbot-dev/megbot/pkg/chat"
	"github.com/megbot-dev/megbot/pkg/llm/provider"
	"github.com/megbot-dev/megbot/pkg/security"
	"github.com/megbot-dev/megbot/pkg/session"
	"github.com/megbot-dev/megbot/pkg/vault"
)

// DefaultPath is read when no --config flag is given. It may be absent.
const DefaultPath = "megbot.yaml"

// maxConfigSize bounds the config file we are willing to parse.
const maxConfigSize = 1 << 20

// Config is the root configuration
type Config struct {
	Server    ServerConfig             `yaml:"server"`
	Chat      chat.Config              `yaml:"chat"`
	Gateway   GatewayConfig            `yaml:"gateway"`
	APIKeys   APIKeys                  `yaml:"api_keys"`
	Models    []provider.Model         `yaml:"models"`
	Vault     vault.Config             `yaml:"vault"`
	Session   session.Config           `yaml:"session"`
	Logging   logger.Config            `yaml:"logging"`
	Tracing   observability.Config     `yaml:"tracing"`
	RateLimit security.RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CookieName      string        `yaml:"cookie_name"`
	CookieSecure    bool          `yaml:"cookie_secure"`
	Metrics         bool          `yaml:"metrics"`
}

// GatewayConfig holds completion call settings
type GatewayConfig struct {
	// Timeout bounds each upstream call; 0 leaves it to the request context.
	Timeout     time.Duration     `yaml:"timeout"`
	Temperature float64           `yaml:"temperature"`
	BaseURLs    map[string]string `yaml:"base_urls"`
}

// APIKeys are server-side provider keys used when a user has none.
type APIKeys struct {
	OpenAI    string `yaml:"openai"`
	Anthropic string `yaml:"anthropic"`
	Gemini    string `yaml:"gemini"`
}

// ByProvider maps provider names to configured keys, omitting empty ones.
func (k APIKeys) ByProvider() map[string]string {
	out := make(map[string]string)
	for name, key := range map[string]string{
		"openai":    k.OpenAI,
		"anthropic": k.Anthropic,
		"gemini":    k.Gemini,
	} {
		if key != "" {
			out[name] = key
		}
	}
	return out
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8000,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    2 * time.Minute,
			ShutdownTimeout: 10 * time.Second,
			CookieName:      "megbot_session",
			Metrics:         true,
		},
		Chat:      chat.DefaultConfig(),
		Session:   session.DefaultConfig(),
		Logging:   logger.Config{Level: "info", Format: "text"},
		Tracing:   observability.Config{Exporter: observability.ExporterNone},
		RateLimit: security.DefaultRateLimitConfig(),
	}
}

// LoadConfig reads path over the defaults, then applies environment
// overrides. An empty path, or a missing DefaultPath, yields defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.readFile(path); err != nil {
			if !(path == DefaultPath && errors.Is(err, os.ErrNotExist)) {
				return nil, err
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(f, maxConfigSize+1))
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if len(data) > maxConfigSize {
		return fmt.Errorf("config file too large (max %d bytes)", maxConfigSize)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// applyEnv lets the environment override deployment settings. API keys
// from the environment only fill keys the file left empty.
func (c *Config) applyEnv() error {
	if v := os.Getenv("MEGBOT_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("MEGBOT_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid MEGBOT_PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("MEGBOT_VAULT_KEY"); v != "" {
		c.Vault.Key = v
	}
	if v := os.Getenv("MEGBOT_VAULT_PASSPHRASE"); v != "" {
		c.Vault.Passphrase = v
	}
	if v := os.Getenv("MEGBOT_SESSION_STORE"); v != "" {
		c.Session.Store = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Session.Redis.Addr = v
	}
	if v := os.Getenv("OTEL_TRACES_EXPORTER"); v != "" {
		c.Tracing.Exporter = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Tracing.Endpoint = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"); v != "" {
		c.Tracing.Headers = observability.ParseHeaders(v)
	}

	if c.APIKeys.OpenAI == "" {
		c.APIKeys.OpenAI = os.Getenv("OPENAI_API_KEY")
	}
	if c.APIKeys.Anthropic == "" {
		c.APIKeys.Anthropic = os.Getenv("ANTHROPIC_API_KEY")
	}
	if c.APIKeys.Gemini == "" {
		c.APIKeys.Gemini = os.Getenv("GEMINI_API_KEY")
	}
	if c.APIKeys.Gemini == "" {
		c.APIKeys.Gemini = os.Getenv("GOOGLE_API_KEY")
	}
	return nil
}

// Catalog returns the configured model catalog, or the default one.
func (c *Config) Catalog() *provider.Catalog {
	if len(c.Models) == 0 {
		return provider.DefaultCatalog()
	}
	return provider.NewCatalog(c.Models)
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.CookieName == "" {
		return fmt.Errorf("server.cookie_name is required")
	}

	catalog := c.Catalog()
	for _, m := range catalog.Models() {
		if m.ID == "" {
			return fmt.Errorf("models: every model needs an id")
		}
		if !provider.Has(m.Provider) {
			return fmt.Errorf("model %s: unknown provider %q", m.ID, m.Provider)
		}
	}
	if c.Chat.DefaultModel == "" {
		return fmt.Errorf("chat.default_model is required")
	}
	if _, err := catalog.Lookup(c.Chat.DefaultModel); err != nil {
		return fmt.Errorf("chat.default_model %q is not in the model catalog", c.Chat.DefaultModel)
	}
	if c.Chat.MaxTokens <= 0 {
		return fmt.Errorf("chat.max_tokens must be positive")
	}
	if c.Chat.MaxHistory < 0 {
		return fmt.Errorf("chat.max_history must not be negative")
	}
	if c.Gateway.Timeout < 0 {
		return fmt.Errorf("gateway.timeout must not be negative")
	}

	if c.Vault.Key != "" {
		if _, err := vault.ParseKey(c.Vault.Key); err != nil {
			return fmt.Errorf("vault.key: %w", err)
		}
	}

	switch c.Session.Store {
	case "", "memory", "file", "redis", "sqlite", "firestore":
	default:
		return fmt.Errorf("session.store %q is not supported", c.Session.Store)
	}
	if _, err := c.Session.TTLDuration(); err != nil {
		return err
	}

	switch c.Tracing.Exporter {
	case "", observability.ExporterNone, observability.ExporterStdout, observability.ExporterOTLP:
	default:
		return fmt.Errorf("tracing.exporter %q is not supported", c.Tracing.Exporter)
	}

	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate_limit requires positive requests_per_second and burst")
	}
	return nil
}

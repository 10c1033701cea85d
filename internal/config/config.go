// Package config loads and validates all runtime configuration for the
// gateway.
//
// Configuration is read from environment variables (preferred for
// containers) or from a config.yaml file in the working directory.
// Environment variables take precedence over the YAML file.
//
// Only one provider API key (or a reachable Ollama server) is strictly
// required for the gateway to start. Redis and ClickHouse are optional —
// without them the semantic cache, rate limiter and request-log
// persistence degrade gracefully.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// Env names the deployment environment; it is embedded in minted API
	// keys ("gw-{env}-…"). Default: dev.
	Env string

	// LogLevel controls the minimum log level: debug, info, warn, error.
	LogLevel string

	// Provider credentials. An empty API key disables the adapter.
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Groq      ProviderConfig
	Together  ProviderConfig
	Gemini    ProviderConfig

	// OllamaURL points at a local Ollama server. Empty disables the
	// adapter and the remote embedding path. Default: http://localhost:11434.
	OllamaURL string

	// AdminKey guards the admin API. Empty disables the admin surface.
	AdminKey string

	Redis      RedisConfig
	ClickHouse ClickHouseConfig
	Cache      CacheConfig
	Breaker    BreakerConfig
	Routing    RoutingConfig
	Budget     BudgetConfig

	// CORSOrigins is the list of allowed CORS origins; ["*"] allows any.
	CORSOrigins []string
}

// ProviderConfig holds credentials for one vendor.
type ProviderConfig struct {
	// APIKey enables the adapter when non-empty.
	APIKey string

	// BaseURL overrides the vendor's default endpoint (local mocks).
	BaseURL string
}

// RedisConfig holds the shared KV store connection.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Empty disables cache and
	// rate limiting.
	URL string
}

// ClickHouseConfig holds the request-log sink connection.
type ClickHouseConfig struct {
	// Addr is "host:9000". Empty disables persistence (logs go to stdout).
	Addr     string
	Database string
	Username string
	Password string
}

// CacheConfig controls the semantic cache.
type CacheConfig struct {
	Enabled             bool
	SimilarityThreshold float64
	TTL                 time.Duration
	MaxEntries          int
}

// BreakerConfig controls the per-provider circuit breakers.
type BreakerConfig struct {
	FailureThreshold    int
	ResetTimeout        time.Duration
	HalfOpenMaxAttempts int
}

// RoutingConfig controls the router and the fallback chain.
type RoutingConfig struct {
	// DefaultStrategy: balanced, cost, quality or latency.
	DefaultStrategy string

	// FallbackChain is the ordered provider-id list tried after the
	// routed primary fails.
	FallbackChain []string

	// MaxRetries bounds total attempts at MaxRetries+1.
	MaxRetries int

	// PreferLocal biases routing toward Ollama when it scores within
	// 70% of the best candidate.
	PreferLocal bool
}

// BudgetConfig holds the optional process-wide spending caps.
type BudgetConfig struct {
	GlobalTokenBudget int64
	GlobalCostBudget  float64
}

// Load reads configuration from the environment and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("ENV", "dev")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("OLLAMA_URL", "http://localhost:11434")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("CACHE_ENABLED", true)
	v.SetDefault("CACHE_SIMILARITY_THRESHOLD", 0.95)
	v.SetDefault("CACHE_TTL", "1h")
	v.SetDefault("CACHE_MAX_ENTRIES", 10000)

	v.SetDefault("CB_FAILURE_THRESHOLD", 5)
	v.SetDefault("CB_RESET_TIMEOUT", "30s")
	v.SetDefault("CB_HALF_OPEN_MAX_ATTEMPTS", 3)

	v.SetDefault("DEFAULT_STRATEGY", "balanced")
	v.SetDefault("FALLBACK_CHAIN", []string{"groq", "openai", "anthropic", "together", "gemini", "ollama"})
	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("PREFER_LOCAL", false)

	v.SetDefault("GLOBAL_TOKEN_BUDGET", 0)
	v.SetDefault("GLOBAL_COST_BUDGET_USD", 0.0)

	v.SetDefault("CLICKHOUSE_DATABASE", "default")
	v.SetDefault("CLICKHOUSE_USERNAME", "default")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		Env:      v.GetString("ENV"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		OpenAI:    ProviderConfig{APIKey: v.GetString("OPENAI_API_KEY"), BaseURL: v.GetString("OPENAI_BASE_URL")},
		Anthropic: ProviderConfig{APIKey: v.GetString("ANTHROPIC_API_KEY"), BaseURL: v.GetString("ANTHROPIC_BASE_URL")},
		Groq:      ProviderConfig{APIKey: v.GetString("GROQ_API_KEY"), BaseURL: v.GetString("GROQ_BASE_URL")},
		Together:  ProviderConfig{APIKey: v.GetString("TOGETHER_API_KEY"), BaseURL: v.GetString("TOGETHER_BASE_URL")},
		Gemini:    ProviderConfig{APIKey: v.GetString("GOOGLE_API_KEY"), BaseURL: v.GetString("GEMINI_BASE_URL")},

		OllamaURL: v.GetString("OLLAMA_URL"),
		AdminKey:  v.GetString("ADMIN_KEY"),

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		ClickHouse: ClickHouseConfig{
			Addr:     v.GetString("CLICKHOUSE_ADDR"),
			Database: v.GetString("CLICKHOUSE_DATABASE"),
			Username: v.GetString("CLICKHOUSE_USERNAME"),
			Password: v.GetString("CLICKHOUSE_PASSWORD"),
		},

		Cache: CacheConfig{
			Enabled:             v.GetBool("CACHE_ENABLED"),
			SimilarityThreshold: v.GetFloat64("CACHE_SIMILARITY_THRESHOLD"),
			TTL:                 v.GetDuration("CACHE_TTL"),
			MaxEntries:          v.GetInt("CACHE_MAX_ENTRIES"),
		},

		Breaker: BreakerConfig{
			FailureThreshold:    v.GetInt("CB_FAILURE_THRESHOLD"),
			ResetTimeout:        v.GetDuration("CB_RESET_TIMEOUT"),
			HalfOpenMaxAttempts: v.GetInt("CB_HALF_OPEN_MAX_ATTEMPTS"),
		},

		Routing: RoutingConfig{
			DefaultStrategy: strings.ToLower(v.GetString("DEFAULT_STRATEGY")),
			FallbackChain:   v.GetStringSlice("FALLBACK_CHAIN"),
			MaxRetries:      v.GetInt("MAX_RETRIES"),
			PreferLocal:     v.GetBool("PREFER_LOCAL"),
		},

		Budget: BudgetConfig{
			GlobalTokenBudget: v.GetInt64("GLOBAL_TOKEN_BUDGET"),
			GlobalCostBudget:  v.GetFloat64("GLOBAL_COST_BUDGET_USD"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks the semantic constraints that defaults cannot express.
func (c *Config) validate() error {
	if !c.AtLeastOneProvider() {
		return fmt.Errorf(
			"config: at least one provider must be configured " +
				"(OPENAI_API_KEY, ANTHROPIC_API_KEY, GROQ_API_KEY, TOGETHER_API_KEY, " +
				"GOOGLE_API_KEY, or OLLAMA_URL)",
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	switch c.Routing.DefaultStrategy {
	case "balanced", "cost", "quality", "latency":
	default:
		return fmt.Errorf("config: invalid DEFAULT_STRATEGY %q; must be one of: balanced, cost, quality, latency",
			c.Routing.DefaultStrategy)
	}

	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("config: CB_FAILURE_THRESHOLD must be ≥ 1, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.ResetTimeout <= 0 {
		return fmt.Errorf("config: CB_RESET_TIMEOUT must be a positive duration")
	}
	if c.Routing.MaxRetries < 1 {
		return fmt.Errorf("config: MAX_RETRIES must be ≥ 1, got %d", c.Routing.MaxRetries)
	}
	if c.Cache.SimilarityThreshold <= 0 || c.Cache.SimilarityThreshold > 1 {
		return fmt.Errorf("config: CACHE_SIMILARITY_THRESHOLD must be in (0, 1], got %v", c.Cache.SimilarityThreshold)
	}

	return nil
}

// AtLeastOneProvider reports whether any adapter can be registered.
func (c *Config) AtLeastOneProvider() bool {
	return c.OpenAI.APIKey != "" ||
		c.Anthropic.APIKey != "" ||
		c.Groq.APIKey != "" ||
		c.Together.APIKey != "" ||
		c.Gemini.APIKey != "" ||
		c.OllamaURL != ""
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}

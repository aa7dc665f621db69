// Package config holds the immutable process configuration. It is built once
// at startup from defaults, an optional YAML file and the environment (later
// sources win) and passed explicitly to every component that needs it.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/WessleyAI/eventscout/engine/cache"
	"github.com/WessleyAI/eventscout/engine/ratelimit"
	"github.com/WessleyAI/eventscout/engine/rerank"
)

// Flags switch the filter chain and query builder between strict and
// relaxed modes.
type Flags struct {
	RelaxCountry bool `yaml:"relax_country" json:"relax_country"`
	RelaxDate    bool `yaml:"relax_date" json:"relax_date"`
	AllowUndated bool `yaml:"allow_undated" json:"allow_undated"`
}

// FlagsFromEnv reads RELAX_COUNTRY, RELAX_DATE and ALLOW_UNDATED.
func FlagsFromEnv() (Flags, error) {
	var f Flags
	err := applyFlagEnv(&f)
	return f, err
}

func applyFlagEnv(f *Flags) error {
	for _, b := range []struct {
		key string
		dst *bool
	}{
		{"RELAX_COUNTRY", &f.RelaxCountry},
		{"RELAX_DATE", &f.RelaxDate},
		{"ALLOW_UNDATED", &f.AllowUndated},
	} {
		if err := envBool(b.key, b.dst); err != nil {
			return err
		}
	}
	return nil
}

// Store backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendDynamoDB = "dynamodb"
)

// StoreConfig selects the shared key-value store.
type StoreConfig struct {
	Backend      string `yaml:"backend"`
	RedisURL     string `yaml:"redis_url"`
	DynamoTable  string `yaml:"dynamo_table"`
	DynamoRegion string `yaml:"dynamo_region"`
	// FailClosed denies rate-limited calls while the store is down. The
	// default admits them.
	FailClosed bool `yaml:"fail_closed"`
}

// ProviderConfig configures one HTTP search provider. An empty APIKey
// disables it.
type ProviderConfig struct {
	APIKey    string  `yaml:"api_key"`
	BaseURL   string  `yaml:"base_url"`
	RPS       float64 `yaml:"rps"`
	Burst     int     `yaml:"burst"`
	CostPence float64 `yaml:"cost_pence"`
}

// ProvidersConfig lists the providers.
type ProvidersConfig struct {
	Firecrawl ProviderConfig `yaml:"firecrawl"`
	GoogleCSE ProviderConfig `yaml:"google_cse"`
	GoogleCX  string         `yaml:"google_cx"`
	Tavily    ProviderConfig `yaml:"tavily"`
	FeedURLs  []string       `yaml:"feed_urls"`
}

// GatewayConfig tunes provider fan-out.
type GatewayConfig struct {
	ProviderTimeout  time.Duration `yaml:"provider_timeout"`
	MaxRateLimitWait time.Duration `yaml:"max_rate_limit_wait"`
	PerProviderLimit int           `yaml:"per_provider_limit"`
	DedupTTL         time.Duration `yaml:"dedup_ttl"`
}

// RerankConfig points at the base rerank service. An empty Addr keeps the
// gateway order.
type RerankConfig struct {
	Addr             string         `yaml:"addr"`
	Method           string         `yaml:"method"`
	Timeout          time.Duration  `yaml:"timeout"`
	MinNonAggregator int            `yaml:"min_non_aggregator"`
	Weights          rerank.Weights `yaml:"weights"`
}

// SnippetConfig bounds page fetching.
type SnippetConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFetch    int           `yaml:"max_fetch"`
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Config is the full process configuration.
type Config struct {
	Flags      Flags                       `yaml:"flags"`
	Store      StoreConfig                 `yaml:"store"`
	Cache      cache.Config                `yaml:"cache"`
	RateLimits map[string]ratelimit.Config `yaml:"rate_limits"`
	Providers  ProvidersConfig             `yaml:"providers"`
	Gateway    GatewayConfig               `yaml:"gateway"`
	Rerank     RerankConfig                `yaml:"rerank"`
	Snippets   SnippetConfig               `yaml:"snippets"`

	DefaultLimit int    `yaml:"default_limit"`
	Port         string `yaml:"port"`
	MetricsPort  int    `yaml:"metrics_port"`
	CORSOrigin   string `yaml:"cors_origin"`
	NATSURL      string `yaml:"nats_url"`
	LogLevel     string `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Store:      StoreConfig{Backend: BackendMemory, DynamoRegion: "eu-central-1"},
		Cache:      cache.DefaultConfig(),
		RateLimits: ratelimit.DefaultConfigs(),
		Gateway: GatewayConfig{
			ProviderTimeout:  20 * time.Second,
			MaxRateLimitWait: 10 * time.Second,
			PerProviderLimit: 10,
			DedupTTL:         60 * time.Second,
		},
		Rerank: RerankConfig{
			Timeout:          5 * time.Second,
			MinNonAggregator: rerank.DefaultMinNonAggregator,
			Weights:          rerank.DefaultWeights(),
		},
		Snippets:     SnippetConfig{Enabled: true, MaxFetch: 20, Concurrency: 4, Timeout: 10 * time.Second},
		DefaultLimit: 20,
		Port:         "8080",
		MetricsPort:  9090,
		CORSOrigin:   "*",
		LogLevel:     "info",
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty), then environment overrides.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := c.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) applyEnv() error {
	if err := applyFlagEnv(&c.Flags); err != nil {
		return err
	}
	c.Store.Backend = envOr("STORE_BACKEND", c.Store.Backend)
	c.Store.RedisURL = envOr("REDIS_URL", c.Store.RedisURL)
	c.Store.DynamoTable = envOr("DYNAMO_TABLE", c.Store.DynamoTable)
	c.Store.DynamoRegion = envOr("AWS_REGION", c.Store.DynamoRegion)
	if err := envBool("RATE_LIMIT_FAIL_CLOSED", &c.Store.FailClosed); err != nil {
		return err
	}

	c.Providers.Firecrawl.APIKey = envOr("FIRECRAWL_API_KEY", c.Providers.Firecrawl.APIKey)
	c.Providers.GoogleCSE.APIKey = envOr("GOOGLE_CSE_API_KEY", c.Providers.GoogleCSE.APIKey)
	c.Providers.GoogleCX = envOr("GOOGLE_CSE_CX", c.Providers.GoogleCX)
	c.Providers.Tavily.APIKey = envOr("TAVILY_API_KEY", c.Providers.Tavily.APIKey)
	if v := os.Getenv("FEED_URLS"); v != "" {
		c.Providers.FeedURLs = splitList(v)
	}

	c.Rerank.Addr = envOr("RERANK_ADDR", c.Rerank.Addr)
	c.Port = envOr("PORT", c.Port)
	c.CORSOrigin = envOr("CORS_ORIGIN", c.CORSOrigin)
	c.NATSURL = envOr("NATS_URL", c.NATSURL)
	c.LogLevel = envOr("LOG_LEVEL", c.LogLevel)
	if v := os.Getenv("METRICS_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: METRICS_PORT: %w", err)
		}
		c.MetricsPort = n
	}
	return nil
}

// Validate checks values that would otherwise fail later at wiring time.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Store.RedisURL == "" {
			errs = append(errs, errors.New("store: redis backend needs redis_url"))
		}
	case BackendDynamoDB:
		if c.Store.DynamoTable == "" {
			errs = append(errs, errors.New("store: dynamodb backend needs dynamo_table"))
		}
	default:
		errs = append(errs, fmt.Errorf("store: unknown backend %q", c.Store.Backend))
	}
	for svc, rl := range c.RateLimits {
		if err := rl.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("rate_limits.%s: %w", svc, err))
		}
	}
	if c.DefaultLimit <= 0 {
		errs = append(errs, errors.New("default_limit must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = b
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

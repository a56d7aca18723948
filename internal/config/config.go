// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	API     APIConfig     `mapstructure:"api"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Scrape  ScrapeConfig  `mapstructure:"scrape"`
	Store   StoreConfig   `mapstructure:"store"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// APIConfig identifies the remote tournament API and the federation scope.
type APIConfig struct {
	BaseURL      string `mapstructure:"base_url"`
	FederationID string `mapstructure:"federation_id"`
}

// HTTPConfig configures fetch transport, retry, and traffic shaping.
// Proxied and direct mode are mutually exclusive: with a proxy the client
// skips local pacing entirely, without one it enforces MinIntervalMs
// between any two requests across all workers.
type HTTPConfig struct {
	TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
	MaxRetries       int    `mapstructure:"max_retries"`
	BackoffInitialMs int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int    `mapstructure:"backoff_max_ms"`
	UseProxy         bool   `mapstructure:"use_proxy"`
	ProxyURL         string `mapstructure:"proxy_url"`
	MinIntervalMs    int    `mapstructure:"min_interval_ms"`
}

// ScrapeConfig governs worker pool sizing for the pipeline stages.
type ScrapeConfig struct {
	Workers  int `mapstructure:"workers"`
	PoolSize int `mapstructure:"pool_size"`
}

// StoreConfig selects and configures the persistence sink.
type StoreConfig struct {
	Provider string         `mapstructure:"provider"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	FSJSON   FSJSONConfig   `mapstructure:"fsjson"`
}

// PostgresConfig controls the relational sink connection pool.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// FSJSONConfig controls the file-per-record JSON sink.
type FSJSONConfig struct {
	Dir string `mapstructure:"dir"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Option mutates the decoded configuration before validation. The CLI
// uses it to apply flag overrides.
type Option func(*Config)

// Load builds a Config from a .env file, the environment, and an optional
// config file.
func Load(path string, opts ...Option) (Config, error) {
	// Best effort: the original deployment is driven by dotenv files.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("KNRB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// AutomaticEnv only resolves keys viper already knows about, and
	// keys without defaults would otherwise be invisible to it.
	for _, key := range []string{"http.proxy_url", "store.postgres.dsn"} {
		if err := v.BindEnv(key); err != nil {
			return Config{}, fmt.Errorf("bind env: %w", err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "https://api.foys.io/tournament/public/api/v1")
	v.SetDefault("api.federation_id", "348625af-0eff-47b7-80d6-dfa6b5a8ad19")
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 5000)
	v.SetDefault("http.use_proxy", true)
	v.SetDefault("http.min_interval_ms", 500)
	v.SetDefault("scrape.workers", 5)
	v.SetDefault("scrape.pool_size", 10)
	v.SetDefault("store.provider", "postgres")
	v.SetDefault("store.postgres.max_conns", 10)
	v.SetDefault("store.fsjson.dir", "data/knrb_data")
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits. A missing proxy
// URL in proxied mode is fatal here, before any stage runs.
func (c Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url must be set")
	}
	if c.API.FederationID == "" {
		return fmt.Errorf("api.federation_id must be set")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	if c.HTTP.UseProxy {
		if c.HTTP.ProxyURL == "" {
			return fmt.Errorf("http.proxy_url must be set when http.use_proxy is true")
		}
		if _, err := url.Parse(c.HTTP.ProxyURL); err != nil {
			return fmt.Errorf("http.proxy_url is not a valid URL: %w", err)
		}
	} else if c.HTTP.MinIntervalMs <= 0 {
		return fmt.Errorf("http.min_interval_ms must be > 0 in direct mode")
	}
	if c.Scrape.Workers <= 0 {
		return fmt.Errorf("scrape.workers must be > 0")
	}
	if c.Scrape.PoolSize <= 0 {
		return fmt.Errorf("scrape.pool_size must be > 0")
	}
	switch c.Store.Provider {
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn must be set for the postgres provider")
		}
	case "fsjson":
		if c.Store.FSJSON.Dir == "" {
			return fmt.Errorf("store.fsjson.dir must be set for the fsjson provider")
		}
	default:
		return fmt.Errorf("unknown store provider %q", c.Store.Provider)
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	return nil
}

// RequestTimeout converts the HTTP timeout config into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// MinInterval converts the direct-mode pacing config into a duration.
func (c Config) MinInterval() time.Duration {
	return time.Duration(c.HTTP.MinIntervalMs) * time.Millisecond
}

// BackoffInitial converts the retry base delay config into a duration.
func (c Config) BackoffInitial() time.Duration {
	return time.Duration(c.HTTP.BackoffInitialMs) * time.Millisecond
}

// BackoffMax converts the retry delay cap config into a duration.
func (c Config) BackoffMax() time.Duration {
	return time.Duration(c.HTTP.BackoffMaxMs) * time.Millisecond
}

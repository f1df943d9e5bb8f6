package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type WebhookConfig struct {
	Secret string `yaml:"secret"`
}

type AuthConfig struct {
	JWKSURL string `yaml:"jwks_url"`
}

type CredentialsConfig struct {
	BaseURL string `yaml:"base_url"`
}

// ProviderConfig is the upstream mail API endpoint for one provider.
type ProviderConfig struct {
	BaseURL string `yaml:"base_url"`
}

type SyncConfig struct {
	Workers        int           `yaml:"workers"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	StaleThreshold time.Duration `yaml:"stale_threshold"`
	MaxRetries     int           `yaml:"max_retries"`
	PageSize       int           `yaml:"page_size"`
}

// RateBudget is a fixed-window request budget for one provider.
type RateBudget struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

type Config struct {
	Server      ServerConfig              `yaml:"server"`
	Store       StoreConfig               `yaml:"store"`
	NATS        NATSConfig                `yaml:"nats"`
	Redis       RedisConfig               `yaml:"redis"`
	Webhook     WebhookConfig             `yaml:"webhook"`
	Auth        AuthConfig                `yaml:"auth"`
	Credentials CredentialsConfig         `yaml:"credentials"`
	Sync        SyncConfig                `yaml:"sync"`
	Providers   map[string]ProviderConfig `yaml:"providers"`
	RateLimits  map[string]RateBudget     `yaml:"rate_limits"`
}

// Default returns the built-in configuration, used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080"},
		Store:  StoreConfig{Path: "data/mailmirror.db"},
		NATS:   NATSConfig{URL: "nats://localhost:4222"},
		Sync: SyncConfig{
			Workers:        4,
			PollInterval:   30 * time.Second,
			SweepInterval:  time.Minute,
			StaleThreshold: 10 * time.Minute,
			MaxRetries:     3,
			PageSize:       100,
		},
		RateLimits: map[string]RateBudget{
			"gmail":   {MaxRequests: 250, Window: time.Second},
			"outlook": {MaxRequests: 240, Window: time.Minute},
			"yahoo":   {MaxRequests: 500, Window: time.Second},
			"default": {MaxRequests: 100, Window: time.Minute},
		},
	}
}

// Load reads the config file at path, falling back to defaults for any
// section the file omits. Environment variables override file values.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config %s: %w", path, err)
		}
		defer f.Close()

		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config %s: %w", path, err)
		}
	}

	overrideFromEnv(cfg)

	if cfg.Sync.Workers < 1 {
		cfg.Sync.Workers = 1
	}
	if cfg.Sync.PageSize < 1 {
		cfg.Sync.PageSize = 100
	}
	if _, ok := cfg.RateLimits["default"]; !ok {
		cfg.RateLimits["default"] = RateBudget{MaxRequests: 100, Window: time.Minute}
	}

	return cfg, nil
}

// Budget returns the rate budget for a provider, or the default tier.
func (c *Config) Budget(provider string) RateBudget {
	if b, ok := c.RateLimits[provider]; ok {
		return b
	}
	return c.RateLimits["default"]
}

// ProviderBaseURL returns the API endpoint for a provider, or the
// default endpoint when the provider has no dedicated entry.
func (c *Config) ProviderBaseURL(provider string) string {
	if p, ok := c.Providers[provider]; ok && p.BaseURL != "" {
		return p.BaseURL
	}
	if p, ok := c.Providers["default"]; ok {
		return p.BaseURL
	}
	return ""
}

func overrideFromEnv(cfg *Config) {
	if addr := os.Getenv("SERVER_ADDR"); addr != "" {
		cfg.Server.Addr = addr
	}
	if path := os.Getenv("STORE_PATH"); path != "" {
		cfg.Store.Path = path
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		cfg.NATS.URL = url
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}
	if db := os.Getenv("REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil {
			cfg.Redis.DB = n
		}
	}
	if secret := os.Getenv("WEBHOOK_SECRET"); secret != "" {
		cfg.Webhook.Secret = secret
	}
	if url := os.Getenv("JWKS_URL"); url != "" {
		cfg.Auth.JWKSURL = url
	}
	if url := os.Getenv("CREDENTIALS_URL"); url != "" {
		cfg.Credentials.BaseURL = url
	}
	if url := os.Getenv("PROVIDER_API_URL"); url != "" {
		if cfg.Providers == nil {
			cfg.Providers = map[string]ProviderConfig{}
		}
		cfg.Providers["default"] = ProviderConfig{BaseURL: url}
	}
	if n := os.Getenv("SYNC_WORKERS"); n != "" {
		if v, err := strconv.Atoi(n); err == nil {
			cfg.Sync.Workers = v
		}
	}
}

package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"

	"github.com/cordum/tenantgate/core/infra/redisutil"
)

const (
	TenantRegistryRedis    = "redis"
	TenantRegistryPostgres = "postgres"
)

// Config holds process configuration shared by the gateway, worker and CLI.
type Config struct {
	RedisURL          string               `env:"REDIS_URL" envDefault:"redis://localhost:6379"`
	RedisTLS          redisutil.TLSOptions `envPrefix:"REDIS_TLS_"`
	NatsURL           string               `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	HTTPAddr          string               `env:"GATEWAY_HTTP_ADDR" envDefault:":8081"`
	MetricsAddr       string               `env:"METRICS_ADDR" envDefault:":9090"`
	RuntimeConfigPath string               `env:"RUNTIME_CONFIG_PATH"`
	TenantRegistry    string               `env:"TENANT_REGISTRY" envDefault:"redis"`
	TenantDSN         string               `env:"TENANT_DB_DSN"`
	BaseDomain        string               `env:"TENANT_BASE_DOMAIN"`
	WorkerID          string               `env:"WORKER_ID"`
	LogLevel          string               `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat         string               `env:"LOG_FORMAT" envDefault:"console"`
	RateLimitRPS      float64              `env:"API_RATE_LIMIT_RPS" envDefault:"50"`
	RateLimitBurst    int                  `env:"API_RATE_LIMIT_BURST" envDefault:"100"`
	AllowedOrigins    []string             `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
}

// Load reads configuration from the process environment.
func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return finish(&cfg)
}

// LoadFrom reads configuration from an explicit environment map.
func LoadFrom(environ map[string]string) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return finish(&cfg)
}

func finish(cfg *Config) (*Config, error) {
	cfg.TenantRegistry = strings.ToLower(strings.TrimSpace(cfg.TenantRegistry))
	cfg.BaseDomain = strings.ToLower(strings.Trim(strings.TrimSpace(cfg.BaseDomain), "."))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.TenantRegistry {
	case TenantRegistryRedis:
	case TenantRegistryPostgres:
		if strings.TrimSpace(c.TenantDSN) == "" {
			return fmt.Errorf("TENANT_DB_DSN required when TENANT_REGISTRY=postgres")
		}
	default:
		return fmt.Errorf("unsupported TENANT_REGISTRY %q", c.TenantRegistry)
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("rate limit values must be non-negative")
	}
	return nil
}

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage drivers.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

func Load() (*Config, error) {
	return load(viper.New(), "./configs", ".", "/app/configs")
}

func load(v *viper.Viper, paths ...string) (*Config, error) {
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Allow common env vars without APP_ prefix for Docker/VM deploys
	v.BindEnv("http.port", "HTTP_PORT", "APP_HTTP_PORT")
	v.BindEnv("ocpp.port", "OCPP_PORT", "APP_OCPP_PORT")
	v.BindEnv("database.url", "DATABASE_URL", "APP_DATABASE_URL")
	v.BindEnv("redis.url", "REDIS_URL", "APP_REDIS_URL")
	v.BindEnv("nats.url", "NATS_URL", "APP_NATS_URL")
	v.BindEnv("vault.address", "VAULT_ADDR", "APP_VAULT_ADDRESS")
	v.BindEnv("vault.token", "VAULT_TOKEN", "APP_VAULT_TOKEN")
	v.BindEnv("app.environment", "APP_ENVIRONMENT")
	v.BindEnv("logging.level", "LOG_LEVEL")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "sigec-ocpp")
	v.SetDefault("app.version", "v1.0.0")
	v.SetDefault("app.environment", "development")

	v.SetDefault("http.port", 8081)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)

	v.SetDefault("ocpp.port", 9000)
	v.SetDefault("ocpp.path_prefix", "/ocpp")
	v.SetDefault("ocpp.heartbeat_interval", 5*time.Minute)
	v.SetDefault("ocpp.grace_multiplier", 2.0)
	v.SetDefault("ocpp.sweep_interval", 30*time.Second)
	v.SetDefault("ocpp.lock_idle_ttl", 30*time.Minute)
	v.SetDefault("ocpp.websocket_ping_interval", 30*time.Second)
	v.SetDefault("ocpp.write_timeout", 10*time.Second)
	v.SetDefault("ocpp.read_limit", 64*1024)
	v.SetDefault("ocpp.command_timeout", 30*time.Second)
	v.SetDefault("ocpp.default_authorization_required", true)

	v.SetDefault("storage.driver", StorageMemory)
	v.SetDefault("database.max_open_conns", 100)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("vault.secret_path", "secret/data/sigec-ocpp")
	v.SetDefault("vault.secret_key", "database_url")

	v.SetDefault("cache.authorization_ttl", time.Minute)
	v.SetDefault("cache.snapshot_ttl", time.Hour)
	v.SetDefault("cache.cleanup_interval", 5*time.Minute)

	v.SetDefault("persistence.max_retries", 3)
	v.SetDefault("persistence.initial_backoff", 100*time.Millisecond)
	v.SetDefault("persistence.max_backoff", 2*time.Second)
	v.SetDefault("persistence.breaker.max_requests", 3)
	v.SetDefault("persistence.breaker.interval", time.Minute)
	v.SetDefault("persistence.breaker.timeout", 30*time.Second)
	v.SetDefault("persistence.breaker.failure_threshold", 5)

	v.SetDefault("events.provider", "none")
	v.SetDefault("events.command_subject", "ocpp.commands")
	v.SetDefault("mqtt.client_id", "sigec-ocpp")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("kafka.group_id", "sigec-ocpp")

	v.SetDefault("influxdb.bucket", "meter_readings")
	v.SetDefault("influxdb.batch_size", 500)
	v.SetDefault("influxdb.flush_interval", time.Second)

	v.SetDefault("opentelemetry.service_name", "sigec-ocpp")
	v.SetDefault("opentelemetry.jaeger.endpoint", "http://localhost:14268/api/traces")
	v.SetDefault("opentelemetry.jaeger.sampler_param", 1.0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate rejects settings the core cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.OCPP.Port <= 0 {
		errs = append(errs, fmt.Errorf("ocpp.port must be positive, got %d", c.OCPP.Port))
	}
	if c.OCPP.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("ocpp.heartbeat_interval must be positive"))
	}
	if c.OCPP.GraceMultiplier < 1 {
		errs = append(errs, fmt.Errorf("ocpp.grace_multiplier must be at least 1, got %g", c.OCPP.GraceMultiplier))
	}
	if c.OCPP.CommandTimeout <= 0 {
		errs = append(errs, errors.New("ocpp.command_timeout must be positive"))
	}
	switch c.Storage.Driver {
	case StorageMemory:
	case StoragePostgres:
		if c.Database.URL == "" && c.Vault.Address == "" {
			errs = append(errs, errors.New("storage.driver postgres needs database.url or vault.address"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

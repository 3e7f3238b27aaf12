package config

import "time"

type Config struct {
	App           AppConfig           `mapstructure:"app"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	OCPP          OCPPConfig          `mapstructure:"ocpp"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Vault         VaultConfig         `mapstructure:"vault"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Cache         CacheConfig         `mapstructure:"cache"`
	Persistence   PersistenceConfig   `mapstructure:"persistence"`
	Events        EventsConfig        `mapstructure:"events"`
	NATS          NATSConfig          `mapstructure:"nats"`
	RabbitMQ      RabbitMQConfig      `mapstructure:"rabbitmq"`
	MQTT          MQTTConfig          `mapstructure:"mqtt"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	InfluxDB      InfluxDBConfig      `mapstructure:"influxdb"`
	OpenTelemetry OpenTelemetryConfig `mapstructure:"opentelemetry"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// HTTPConfig is the operational listener (health and metrics).
type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type OCPPConfig struct {
	Port                         int           `mapstructure:"port"`
	PathPrefix                   string        `mapstructure:"path_prefix"`
	HeartbeatInterval            time.Duration `mapstructure:"heartbeat_interval"`
	GraceMultiplier              float64       `mapstructure:"grace_multiplier"`
	SweepInterval                time.Duration `mapstructure:"sweep_interval"`
	LockIdleTTL                  time.Duration `mapstructure:"lock_idle_ttl"`
	WebsocketPingInterval        time.Duration `mapstructure:"websocket_ping_interval"`
	WriteTimeout                 time.Duration `mapstructure:"write_timeout"`
	ReadLimit                    int64         `mapstructure:"read_limit"`
	CommandTimeout               time.Duration `mapstructure:"command_timeout"`
	DefaultAuthorizationRequired bool          `mapstructure:"default_authorization_required"`
}

// StorageConfig selects the persistence gateway.
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// VaultConfig points at a KV secret holding the database URL. Address empty
// means disabled.
type VaultConfig struct {
	Address    string `mapstructure:"address"`
	Token      string `mapstructure:"token"`
	SecretPath string `mapstructure:"secret_path"`
	SecretKey  string `mapstructure:"secret_key"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type CacheConfig struct {
	AuthorizationTTL time.Duration `mapstructure:"authorization_ttl"`
	SnapshotTTL      time.Duration `mapstructure:"snapshot_ttl"`
	CleanupInterval  time.Duration `mapstructure:"cleanup_interval"`
}

type PersistenceConfig struct {
	MaxRetries     uint64        `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Breaker        BreakerConfig `mapstructure:"breaker"`
}

type BreakerConfig struct {
	MaxRequests      uint32        `mapstructure:"max_requests"`
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
}

type EventsConfig struct {
	Provider       string `mapstructure:"provider"`
	CommandSubject string `mapstructure:"command_subject"`
}

type NATSConfig struct {
	URL string `mapstructure:"url"`
}

type RabbitMQConfig struct {
	URL string `mapstructure:"url"`
}

type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	QoS      byte   `mapstructure:"qos"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	GroupID string   `mapstructure:"group_id"`
}

// InfluxDBConfig enables the meter reading sink when URL is set.
type InfluxDBConfig struct {
	URL           string        `mapstructure:"url"`
	Token         string        `mapstructure:"token"`
	Org           string        `mapstructure:"org"`
	Bucket        string        `mapstructure:"bucket"`
	BatchSize     uint          `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

type OpenTelemetryConfig struct {
	Enabled     bool         `mapstructure:"enabled"`
	Jaeger      JaegerConfig `mapstructure:"jaeger"`
	ServiceName string       `mapstructure:"service_name"`
}

type JaegerConfig struct {
	Endpoint     string  `mapstructure:"endpoint"`
	SamplerParam float64 `mapstructure:"sampler_param"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

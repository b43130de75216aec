package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	ClickHouse ClickHouseConfig
	Auth       AuthConfig
	Logging    LoggingConfig
	Audit      AuditConfig
	Kafka      KafkaConfig
	Outbox     OutboxRelayConfig
	Staleness  StalenessConfig
	Actions    ActionsConfig
}

type ServerConfig struct {
	HTTPPort    int           `mapstructure:"http_port"`
	MetricsPort int           `mapstructure:"metrics_port"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	SSLMode      string `mapstructure:"ssl_mode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Addresses   []string `mapstructure:"addresses"`
	Password    string   `mapstructure:"password"`
	DB          int      `mapstructure:"db"`
	PoolSize    int      `mapstructure:"pool_size"`
	ClusterMode bool     `mapstructure:"cluster_mode"`
}

type ClickHouseConfig struct {
	Hosts    []string `mapstructure:"hosts"`
	Database string   `mapstructure:"database"`
	User     string   `mapstructure:"user"`
	Password string   `mapstructure:"password"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

type AuditConfig struct {
	StorageDriver string `mapstructure:"storage_driver"` // postgres or clickhouse
}

type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	ClientID      string   `mapstructure:"client_id"`
	DispatchTopic string   `mapstructure:"dispatch_topic"`
	DLQTopic      string   `mapstructure:"dlq_topic"`
}

type OutboxRelayConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
}

type StalenessConfig struct {
	ScanInterval time.Duration `mapstructure:"scan_interval"`
	Threshold    time.Duration `mapstructure:"threshold"`
}

type ActionsConfig struct {
	WebhookTimeout time.Duration `mapstructure:"webhook_timeout"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/stateline/")
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("STATELINE")
	viper.AutomaticEnv()

	viper.SetDefault("server.http_port", 8080)
	viper.SetDefault("server.metrics_port", 9091)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("redis.pool_size", 100)
	viper.SetDefault("auth.token_ttl", "24h")
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("audit.storage_driver", "postgres")
	viper.SetDefault("kafka.client_id", "stateline-outbox-relay")
	viper.SetDefault("kafka.dispatch_topic", "stateline.actions.dispatch")
	viper.SetDefault("kafka.dlq_topic", "stateline.actions.dispatch.dlq")
	viper.SetDefault("outbox.poll_interval", "5s")
	viper.SetDefault("outbox.batch_size", 100)
	viper.SetDefault("staleness.scan_interval", "1h")
	viper.SetDefault("staleness.threshold", "168h")
	viper.SetDefault("actions.webhook_timeout", "10s")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

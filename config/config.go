package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage backends accepted by wallet.storage.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Log       LogConfig       `mapstructure:"log"`
	Wallet    WalletConfig    `mapstructure:"wallet"`
	Events    EventsConfig    `mapstructure:"events"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release, test
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Enabled  bool   `mapstructure:"enabled"`
}

// Addr returns the Redis address string.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type JWTConfig struct {
	Secret string        `mapstructure:"secret"`
	Expiry time.Duration `mapstructure:"expiry"`
	Issuer string        `mapstructure:"issuer"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Pretty bool   `mapstructure:"pretty"` // human-readable output (dev only)
}

// WalletConfig controls the session state machine.
type WalletConfig struct {
	// Program is hashed into the ProgramID that namespaces every derived address.
	Program string `mapstructure:"program"`
	// RestrictPurchases limits purchases to the session authority.
	RestrictPurchases bool          `mapstructure:"restrict_purchases"`
	Storage           string        `mapstructure:"storage"` // postgres, memory
	IdempotencyTTL    time.Duration `mapstructure:"idempotency_ttl"`
	// OpeningHoldings are custody holdings opened at startup when absent,
	// keyed by holding id (which is also the owner identity).
	OpeningHoldings map[string]int64 `mapstructure:"opening_holdings"`
}

// EventsConfig configures delivery of committed session events.
type EventsConfig struct {
	Stream        string `mapstructure:"stream"`
	StreamMaxLen  int64  `mapstructure:"stream_max_len"`
	WebhookURL    string `mapstructure:"webhook_url"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	// LiveBuffer is the per-subscriber queue of the WebSocket event feed.
	LiveBuffer int `mapstructure:"live_buffer"`
	// AMQPURL enables publishing to a RabbitMQ topic exchange when set.
	AMQPURL      string `mapstructure:"amqp_url"`
	AMQPExchange string `mapstructure:"amqp_exchange"`
}

// RateLimitConfig holds the fixed-window limits per caller identity.
type RateLimitConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Limit   int64         `mapstructure:"limit"`
	Window  time.Duration `mapstructure:"window"`
}

// Load reads configuration from file and environment variables.
// Environment variables override file values. Prefix: SWL_ (Session WaLlet).
// Nested keys use underscore: SWL_DATABASE_HOST, SWL_WALLET_PROGRAM, etc.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "session_wallet")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.enabled", true)
	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.expiry", "24h")
	v.SetDefault("jwt.issuer", "session-wallet")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("wallet.program", "session-wallet")
	v.SetDefault("wallet.restrict_purchases", true)
	v.SetDefault("wallet.storage", StoragePostgres)
	v.SetDefault("wallet.idempotency_ttl", "24h")
	v.SetDefault("events.stream", "session-wallet:events")
	v.SetDefault("events.stream_max_len", 10000)
	v.SetDefault("events.webhook_url", "")
	v.SetDefault("events.webhook_secret", "")
	v.SetDefault("events.live_buffer", 16)
	v.SetDefault("events.amqp_url", "")
	v.SetDefault("events.amqp_exchange", "session-wallet.events")
	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.limit", 120)
	v.SetDefault("ratelimit.window", "1m")

	// File config
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Environment variables: SWL_DATABASE_HOST -> database.host
	v.SetEnvPrefix("SWL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (not required, env vars can suffice)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	switch c.Wallet.Storage {
	case StoragePostgres, StorageMemory:
	default:
		return fmt.Errorf("wallet.storage must be %q or %q, got %q", StoragePostgres, StorageMemory, c.Wallet.Storage)
	}
	if c.Wallet.Program == "" {
		return fmt.Errorf("wallet.program must not be empty")
	}
	for id, balance := range c.Wallet.OpeningHoldings {
		if id == "" || balance < 0 {
			return fmt.Errorf("wallet.opening_holdings: invalid entry %q=%d", id, balance)
		}
	}
	if c.RateLimit.Enabled && (c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0) {
		return fmt.Errorf("ratelimit.limit and ratelimit.window must be positive")
	}
	return nil
}

package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Storage and broker drivers.
const (
	DriverPostgres = "postgres"
	DriverKafka    = "kafka"
	DriverMemory   = "memory"
)

// Config holds the complete application configuration, loadable from
// environment variables (ORDERS_ prefix), flags, or YAML config files.
type Config struct {
	Addr          string `default:"0.0.0.0:8080" usage:"API server listen address"`
	GatewaySecret string `usage:"HMAC secret shared with the API gateway (ORDERS_GATEWAY_SECRET)" flag:"gateway-secret"`
	Storage       StorageConfig
	Broker        BrokerConfig
	Redis         RedisConfig
	Outbox        OutboxConfig
	Commands      CommandsConfig
	Queries       QueriesConfig
	RateLimit     RateLimitConfig
	Graceful      GracefulConfig
}

// StorageConfig selects the write and read stores.
type StorageConfig struct {
	Driver      string `default:"postgres" usage:"Store driver: postgres or memory"`
	DatabaseURL string `usage:"PostgreSQL URL of the write store (ORDERS_STORAGE_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	ReadURL     string `usage:"PostgreSQL URL of the read store; defaults to the write store" flag:"read-database-url"`
	Migrate     bool   `default:"true" usage:"Apply embedded schemas on startup"`
}

// BrokerConfig selects the event channel.
type BrokerConfig struct {
	Driver  string   `default:"memory" usage:"Event channel driver: kafka or memory"`
	Brokers []string `default:"localhost:9092" usage:"Kafka bootstrap brokers"`
	Topic   string   `default:"orders.events" usage:"Kafka topic for order events"`
	GroupID string   `default:"order-projector" usage:"Kafka consumer group of the projector"`
}

// RedisConfig enables the outbox leader lease. Without an address every
// instance dispatches.
type RedisConfig struct {
	Addr     string        `usage:"Redis address for the outbox leader lease" flag:"redis-addr"`
	Password string        `usage:"Redis password"`
	LeaseKey string        `default:"orders:outbox:leader" usage:"Lease key"`
	LeaseTTL time.Duration `default:"10s" usage:"Lease time to live"`
}

// OutboxConfig tunes the dispatcher.
type OutboxConfig struct {
	Interval       time.Duration `default:"200ms" usage:"Dispatch poll interval"`
	BatchSize      int           `default:"500" usage:"Rows per dispatch pass"`
	PublishTimeout time.Duration `default:"5s" usage:"Timeout of one publish"`
	AlertAttempts  int           `default:"8" usage:"Failed attempts after which publish errors are logged at error level"`
	MaxLag         time.Duration `default:"1m" usage:"Oldest unsent event age that fails readiness"`
}

// CommandsConfig tunes the command handler.
type CommandsConfig struct {
	Timeout     time.Duration `default:"10s" usage:"Timeout of one command including retries"`
	MaxAttempts int           `default:"3" usage:"Persistence attempts per command"`
}

// QueriesConfig tunes the query handler.
type QueriesConfig struct {
	Timeout time.Duration `default:"5s" usage:"Timeout of one query"`
}

// RateLimitConfig controls the per-caller sliding window rate limiter. With
// redis configured the counts are shared by all instances.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
	Prefix string        `default:"orders:ratelimit:" usage:"Redis key prefix of shared counters"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "ORDERS",
		Files:     []string{"config.yaml", "/etc/orders/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks driver selections and their required settings.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverPostgres:
		if c.Storage.DatabaseURL == "" {
			return errors.New("database URL is required: set ORDERS_STORAGE_DATABASE_URL or DATABASE_URL")
		}
	case DriverMemory:
	default:
		return errors.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	switch c.Broker.Driver {
	case DriverKafka:
		if len(c.Broker.Brokers) == 0 || c.Broker.Topic == "" {
			return errors.New("kafka broker requires brokers and topic")
		}
	case DriverMemory:
	default:
		return errors.Errorf("unknown broker driver %q", c.Broker.Driver)
	}

	if c.Redis.Addr != "" && c.Redis.LeaseTTL <= c.Outbox.Interval {
		return errors.Errorf("redis lease TTL %s must exceed the outbox interval %s", c.Redis.LeaseTTL, c.Outbox.Interval)
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's ORDERS_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.Storage.DatabaseURL == "" {
		c.Storage.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if c.Storage.ReadURL == "" {
		c.Storage.ReadURL = c.Storage.DatabaseURL
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = os.Getenv("REDIS_ADDR")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}

package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Addr:    "0.0.0.0:8080",
		Storage: StorageConfig{Driver: DriverPostgres, DatabaseURL: "postgres://localhost/orders"},
		Broker:  BrokerConfig{Driver: DriverMemory},
		Outbox:  OutboxConfig{Interval: 200 * time.Millisecond},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "memory storage needs no url", mutate: func(c *Config) {
			c.Storage = StorageConfig{Driver: DriverMemory}
		}},
		{name: "postgres without url", mutate: func(c *Config) {
			c.Storage.DatabaseURL = ""
		}, wantErr: "database URL is required"},
		{name: "unknown storage", mutate: func(c *Config) {
			c.Storage.Driver = "sqlite"
		}, wantErr: `unknown storage driver "sqlite"`},
		{name: "kafka without topic", mutate: func(c *Config) {
			c.Broker = BrokerConfig{Driver: DriverKafka, Brokers: []string{"localhost:9092"}}
		}, wantErr: "kafka broker requires brokers and topic"},
		{name: "unknown broker", mutate: func(c *Config) {
			c.Broker.Driver = "nats"
		}, wantErr: `unknown broker driver "nats"`},
		{name: "lease shorter than interval", mutate: func(c *Config) {
			c.Redis = RedisConfig{Addr: "localhost:6379", LeaseTTL: 100 * time.Millisecond}
		}, wantErr: "must exceed the outbox interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_ApplyPlatformDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://platform/orders")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("PORT", "9000")

	cfg := Config{Addr: "0.0.0.0:8080"}
	cfg.applyPlatformDefaults()

	assert.Equal(t, "postgres://platform/orders", cfg.Storage.DatabaseURL)
	assert.Equal(t, "postgres://platform/orders", cfg.Storage.ReadURL)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "0.0.0.0:9000", cfg.Addr)

	explicit := Config{
		Addr:    "127.0.0.1:1",
		Storage: StorageConfig{DatabaseURL: "postgres://write", ReadURL: "postgres://read"},
	}
	explicit.applyPlatformDefaults()
	assert.Equal(t, "postgres://write", explicit.Storage.DatabaseURL)
	assert.Equal(t, "postgres://read", explicit.Storage.ReadURL)
	assert.Equal(t, "127.0.0.1:1", explicit.Addr)
}

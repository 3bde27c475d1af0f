package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the relay.
type Config struct {
	RPC      RPCConfig      `yaml:"rpc"`
	Database DatabaseConfig `yaml:"database"`
	Log      LogConfig      `yaml:"log"`
	Indexer  IndexerConfig  `yaml:"indexer"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Guard    GuardConfig    `yaml:"guard"`
	API      APIConfig      `yaml:"api"`
}

// RPCConfig holds upstream chain RPC configuration.
type RPCConfig struct {
	// Endpoint is the upstream JSON-RPC endpoint URL. Required.
	Endpoint string `yaml:"endpoint"`
	// Timeout is the per-call timeout for direct client calls.
	Timeout time.Duration `yaml:"timeout"`
}

// DatabaseConfig holds the durable store configuration.
type DatabaseConfig struct {
	// Path is the Pebble database directory.
	Path string `yaml:"path"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// IndexerConfig holds the chain event indexer configuration.
type IndexerConfig struct {
	// ContractAddress is the ledger contract whose logs are indexed.
	ContractAddress string `yaml:"contract_address"`
	// StartHeight is the block to start from when no checkpoint exists.
	StartHeight uint64 `yaml:"start_height"`
	// PollInterval is how often the chain head is polled.
	PollInterval time.Duration `yaml:"poll_interval"`
	// BatchSize is the maximum number of blocks per log query.
	BatchSize uint64 `yaml:"batch_size"`
	// RetryDelay is the fixed delay before retrying a failed batch.
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// RedisConfig holds the broker transport configuration.
// When Addr is empty the relay falls back to the in-process broker.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
}

// KafkaConfig holds the optional event firehose configuration.
// When Brokers is empty the firehose is disabled.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// GatewayConfig holds the realtime gateway configuration.
type GatewayConfig struct {
	// HeartbeatInterval is how often connections are pinged; a connection
	// that did not answer the previous ping is terminated.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// MaxClients limits concurrent websocket connections.
	MaxClients int `yaml:"max_clients"`
	// SendBufferSize is the per-client outbound message buffer.
	SendBufferSize int `yaml:"send_buffer_size"`
}

// GuardConfig holds the resilient RPC guard configuration.
type GuardConfig struct {
	// AttemptTimeout bounds each upstream attempt.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	// MaxAttempts is the total number of upstream attempts per request.
	MaxAttempts int `yaml:"max_attempts"`
	// RetryBaseDelay is the delay before the second attempt; subsequent
	// delays grow linearly (base, 2*base, ...).
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	// FailureThreshold is the consecutive-failure count that opens the circuit.
	FailureThreshold int `yaml:"failure_threshold"`
	// ResetTimeout is how long the circuit stays open before a probe.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	// CacheSize is the maximum number of cached responses.
	CacheSize int `yaml:"cache_size"`
	// RequestsPerSecond is the global inbound rate limit (0 disables).
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	// BurstSize is the rate limiter burst allowance.
	BurstSize int `yaml:"burst_size"`
	// CacheTTLs overrides the built-in per-method TTL table.
	CacheTTLs map[string]time.Duration `yaml:"cache_ttls,omitempty"`
}

// APIConfig holds the HTTP server configuration.
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RPC: RPCConfig{
			Timeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "./data/relay",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Indexer: IndexerConfig{
			PollInterval: 2 * time.Second,
			BatchSize:    500,
			RetryDelay:   5 * time.Second,
		},
		Kafka: KafkaConfig{
			Topic: "relay.events",
		},
		Gateway: GatewayConfig{
			HeartbeatInterval: 30 * time.Second,
			MaxClients:        10000,
			SendBufferSize:    256,
		},
		Guard: GuardConfig{
			AttemptTimeout:    5 * time.Second,
			MaxAttempts:       3,
			RetryBaseDelay:    200 * time.Millisecond,
			FailureThreshold:  5,
			ResetTimeout:      30 * time.Second,
			CacheSize:         10000,
			RequestsPerSecond: 100,
			BurstSize:         200,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
	}
}

// Load reads configuration from a YAML file, then applies environment
// variable overrides. An empty path skips the file and uses defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromEnv applies RELAY_* environment variable overrides.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("RELAY_RPC_ENDPOINT"); v != "" {
		c.RPC.Endpoint = v
	}
	if v := os.Getenv("RELAY_RPC_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid RELAY_RPC_TIMEOUT: %w", err)
		}
		c.RPC.Timeout = d
	}
	if v := os.Getenv("RELAY_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("RELAY_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("RELAY_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv("RELAY_CONTRACT_ADDRESS"); v != "" {
		c.Indexer.ContractAddress = v
	}
	if v := os.Getenv("RELAY_START_HEIGHT"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid RELAY_START_HEIGHT: %w", err)
		}
		c.Indexer.StartHeight = n
	}
	if v := os.Getenv("RELAY_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid RELAY_POLL_INTERVAL: %w", err)
		}
		c.Indexer.PollInterval = d
	}
	if v := os.Getenv("RELAY_BATCH_SIZE"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid RELAY_BATCH_SIZE: %w", err)
		}
		c.Indexer.BatchSize = n
	}
	if v := os.Getenv("RELAY_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("RELAY_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("RELAY_KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("RELAY_KAFKA_TOPIC"); v != "" {
		c.Kafka.Topic = v
	}
	if v := os.Getenv("RELAY_API_HOST"); v != "" {
		c.API.Host = v
	}
	if v := os.Getenv("RELAY_API_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid RELAY_API_PORT: %w", err)
		}
		c.API.Port = n
	}
	if v := os.Getenv("RELAY_GUARD_FAILURE_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid RELAY_GUARD_FAILURE_THRESHOLD: %w", err)
		}
		c.Guard.FailureThreshold = n
	}
	if v := os.Getenv("RELAY_GUARD_RESET_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid RELAY_GUARD_RESET_TIMEOUT: %w", err)
		}
		c.Guard.ResetTimeout = d
	}
	return nil
}

// Validate checks that required configuration is present.
// A missing upstream endpoint is the only fatal startup condition.
func (c *Config) Validate() error {
	if c.RPC.Endpoint == "" {
		return fmt.Errorf("rpc endpoint is required (set rpc.endpoint or RELAY_RPC_ENDPOINT)")
	}
	if c.Indexer.BatchSize == 0 {
		return fmt.Errorf("indexer batch size must be positive")
	}
	if c.Indexer.PollInterval <= 0 {
		return fmt.Errorf("indexer poll interval must be positive")
	}
	if c.Guard.MaxAttempts <= 0 {
		return fmt.Errorf("guard max attempts must be positive")
	}
	if c.Guard.FailureThreshold <= 0 {
		return fmt.Errorf("guard failure threshold must be positive")
	}
	return nil
}

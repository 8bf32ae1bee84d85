package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Env       string          `yaml:"env"`
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Database  DatabaseConfig  `yaml:"database"`
	Bus       BusConfig       `yaml:"bus"`
	Queue     QueueConfig     `yaml:"queue"`
	Router    RouterConfig    `yaml:"router"`
	Execution ExecutionConfig `yaml:"execution"`
	Logging   LoggingConfig   `yaml:"logging"`
	Profiling ProfilingConfig `yaml:"profiling"`
}

// ServerConfig holds HTTP/WebSocket server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	PublicWSURL     string        `yaml:"public_ws_url"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	SendQueueSize   int           `yaml:"send_queue_size"`
	RateLimit       bool          `yaml:"rate_limit"`
}

// AuthConfig holds token signing configuration
type AuthConfig struct {
	JWTSecret         string        `yaml:"jwt_secret"`
	APIKey            string        `yaml:"api_key"`
	APISecret         string        `yaml:"api_secret"`
	SubscribeTokenTTL time.Duration `yaml:"subscribe_token_ttl"`
}

// DatabaseConfig selects the order store backend
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite or postgres
	DSN    string `yaml:"dsn"`
}

// BusConfig selects the event bus backend
type BusConfig struct {
	Driver string `yaml:"driver"` // memory or postgres
	DSN    string `yaml:"dsn"`
}

// QueueConfig holds job queue configuration
type QueueConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	MaxAttempts       int           `yaml:"max_attempts"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	JanitorInterval   time.Duration `yaml:"janitor_interval"`
}

// RouterConfig holds quote routing configuration
type RouterConfig struct {
	Venues           []string      `yaml:"venues"` // priority order
	Simulation       bool          `yaml:"simulation"`
	FallbackOnOutage bool          `yaml:"fallback_on_outage"`
	QuoteTimeout     time.Duration `yaml:"quote_timeout"`
}

// ExecutionConfig holds execution step configuration
type ExecutionConfig struct {
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
	SignerSeed     string        `yaml:"signer_seed"` // hex, 32 bytes; empty generates an ephemeral key
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// ProfilingConfig holds continuous profiling configuration
type ProfilingConfig struct {
	PyroscopeURL string `yaml:"pyroscope_url"` // empty disables profiling
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Env: "development",
		Server: ServerConfig{
			Port:            8080,
			PublicWSURL:     "ws://localhost:8080/ws",
			ShutdownTimeout: 5 * time.Second,
			SendQueueSize:   64,
			RateLimit:       true,
		},
		Auth: AuthConfig{
			JWTSecret:         "klear-swap-secret-key",
			APIKey:            "test-api-key",
			APISecret:         "test-api-secret",
			SubscribeTokenTTL: time.Hour,
		},
		Database: DatabaseConfig{Driver: "sqlite", DSN: "swap.db"},
		Bus:      BusConfig{Driver: "memory"},
		Queue: QueueConfig{
			Concurrency:       10,
			MaxAttempts:       3,
			PollInterval:      200 * time.Millisecond,
			VisibilityTimeout: 2 * time.Minute,
			JanitorInterval:   30 * time.Second,
		},
		Router: RouterConfig{
			Venues:           []string{"raydium", "meteora"},
			Simulation:       true,
			FallbackOnOutage: true,
			QuoteTimeout:     2 * time.Second,
		},
		Execution: ExecutionConfig{ConfirmTimeout: 30 * time.Second},
		Logging:   LoggingConfig{Level: "info"},
	}
}

// LoadConfig loads configuration from defaults, an optional YAML file named by
// SWAP_CONFIG_FILE, and finally environment variables (which win).
func LoadConfig() (*Config, error) {
	_ = godotenv.Load() // Ignore error if .env doesn't exist

	cfg := Default()
	if path := os.Getenv("SWAP_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Env = getEnvString("ENV", c.Env)

	c.Server.Port = getEnvInt("PORT", c.Server.Port)
	c.Server.PublicWSURL = getEnvString("SWAP_PUBLIC_WS_URL", c.Server.PublicWSURL)
	c.Server.ShutdownTimeout = getEnvDuration("SWAP_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)
	c.Server.SendQueueSize = getEnvInt("SWAP_SEND_QUEUE_SIZE", c.Server.SendQueueSize)
	c.Server.RateLimit = getEnvBool("SWAP_RATE_LIMIT", c.Server.RateLimit)

	c.Auth.JWTSecret = getEnvString("SWAP_JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.APIKey = getEnvString("SWAP_API_KEY", c.Auth.APIKey)
	c.Auth.APISecret = getEnvString("SWAP_API_SECRET", c.Auth.APISecret)
	c.Auth.SubscribeTokenTTL = getEnvDuration("SWAP_SUBSCRIBE_TOKEN_TTL", c.Auth.SubscribeTokenTTL)

	c.Database.Driver = getEnvString("SWAP_DB_DRIVER", c.Database.Driver)
	c.Database.DSN = getEnvString("SWAP_DB_DSN", c.Database.DSN)

	c.Bus.Driver = getEnvString("SWAP_BUS_DRIVER", c.Bus.Driver)
	c.Bus.DSN = getEnvString("SWAP_BUS_DSN", c.Bus.DSN)

	c.Queue.Concurrency = getEnvInt("SWAP_QUEUE_CONCURRENCY", c.Queue.Concurrency)
	c.Queue.MaxAttempts = getEnvInt("SWAP_QUEUE_MAX_ATTEMPTS", c.Queue.MaxAttempts)
	c.Queue.PollInterval = getEnvDuration("SWAP_QUEUE_POLL_INTERVAL", c.Queue.PollInterval)
	c.Queue.VisibilityTimeout = getEnvDuration("SWAP_QUEUE_VISIBILITY_TIMEOUT", c.Queue.VisibilityTimeout)
	c.Queue.JanitorInterval = getEnvDuration("SWAP_QUEUE_JANITOR_INTERVAL", c.Queue.JanitorInterval)

	c.Router.Venues = getEnvList("SWAP_VENUES", c.Router.Venues)
	c.Router.Simulation = getEnvBool("SWAP_SIMULATION", c.Router.Simulation)
	c.Router.FallbackOnOutage = getEnvBool("SWAP_FALLBACK_ON_OUTAGE", c.Router.FallbackOnOutage)
	c.Router.QuoteTimeout = getEnvDuration("SWAP_QUOTE_TIMEOUT", c.Router.QuoteTimeout)

	c.Execution.ConfirmTimeout = getEnvDuration("SWAP_CONFIRM_TIMEOUT", c.Execution.ConfirmTimeout)
	c.Execution.SignerSeed = getEnvString("SWAP_SIGNER_SEED", c.Execution.SignerSeed)

	c.Logging.Level = getEnvString("SWAP_LOG_LEVEL", c.Logging.Level)
	if getEnvBool("DEBUG", false) {
		c.Logging.Level = "debug"
	}

	c.Profiling.PyroscopeURL = getEnvString("SWAP_PYROSCOPE_URL", c.Profiling.PyroscopeURL)
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
		switch strings.ToLower(value) {
		case "yes", "on":
			return true
		case "no", "off":
			return false
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt secret is required")
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	switch c.Bus.Driver {
	case "memory":
	case "postgres":
		if c.Bus.DSN == "" {
			return fmt.Errorf("bus dsn required for postgres bus")
		}
	default:
		return fmt.Errorf("unsupported bus driver: %q", c.Bus.Driver)
	}
	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("invalid queue concurrency: %d", c.Queue.Concurrency)
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("invalid queue max attempts: %d", c.Queue.MaxAttempts)
	}
	if len(c.Router.Venues) == 0 && !c.Router.Simulation {
		return fmt.Errorf("at least one venue is required outside simulation mode")
	}
	if c.Router.QuoteTimeout <= 0 || c.Execution.ConfirmTimeout <= 0 {
		return fmt.Errorf("quote and confirm timeouts must be positive")
	}
	// a claim that expires mid-delivery is reclaimed and the swap executes twice
	if minVisibility := c.MinVisibilityTimeout(); c.Queue.VisibilityTimeout < minVisibility {
		return fmt.Errorf("queue visibility timeout %s must be at least %s (quote + confirm timeouts + %s)",
			c.Queue.VisibilityTimeout, minVisibility, DeliveryOverhead)
	}
	return nil
}

// DeliveryOverhead bounds what one delivery spends outside quoting and confirmation:
// status writes with their local retries, and event publishes.
const DeliveryOverhead = 30 * time.Second

// MinVisibilityTimeout is the shortest claim that outlives one complete delivery.
func (c *Config) MinVisibilityTimeout() time.Duration {
	return c.Router.QuoteTimeout + c.Execution.ConfirmTimeout + DeliveryOverhead
}

// IsProduction reports whether the service runs with production settings.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// String returns a safe string representation (without sensitive data)
func (c *Config) String() string {
	return fmt.Sprintf(
		"Server{Port:%d}, Database{Driver:%s}, Bus{Driver:%s}, Queue{Concurrency:%d, MaxAttempts:%d}, Router{Venues:%v, Simulation:%v, FallbackOnOutage:%v}",
		c.Server.Port, c.Database.Driver, c.Bus.Driver,
		c.Queue.Concurrency, c.Queue.MaxAttempts,
		c.Router.Venues, c.Router.Simulation, c.Router.FallbackOnOutage,
	)
}

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string
	LogLevel    string

	DBUser  string
	DBPass  string
	DBHost  string
	DBPort  string
	DBName  string
	SSLMode string

	RedisHost string
	RedisPort string

	NatsHost string
	NatsPort string

	ApiPort        string
	ApiEnabled     string
	GRPCHost       string
	GRPCPort       string
	GRPCListenPort string

	BusProvider    string
	WorkerProvider string
	BusBufferSize  int

	LedgerStore        string
	CatalogFile        string
	FulfillmentTimeout time.Duration
	// MaxFulfillmentTimeout caps every catalog timeout, reloads included.
	// The HTTP write timeout is derived from it.
	MaxFulfillmentTimeout time.Duration

	Chat   ProviderConfig
	Image  ProviderConfig
	Speech ProviderConfig

	SweepSchedule  string
	SweepHeldAfter time.Duration
	SweepBatchSize int

	RateLimitRPS   float64
	RateLimitBurst int
}

// ProviderConfig points an HTTP fulfillment adapter at its upstream.
type ProviderConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Voice   string
}

// New loads and validates configuration from environment variables.
// Redis is optional unless TOKENMETER_LEDGER_STORE=redis; without it the
// sweeper runs unlocked. HTTP server is optional: if
// TOKENMETER_API_ENABLED != "true", ApiAddr() returns an error and the
// HTTP server simply won't start.
func New() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Environment:    getEnv("TOKENMETER_ENVIRONMENT", "development"),
		LogLevel:       getEnv("TOKENMETER_LOG_LEVEL", "info"),
		DBUser:         os.Getenv("TOKENMETER_POSTGRES_USER"),
		DBPass:         os.Getenv("TOKENMETER_POSTGRES_PASSWORD"),
		DBHost:         os.Getenv("TOKENMETER_POSTGRES_HOST"),
		DBPort:         getEnv("TOKENMETER_POSTGRES_PORT", "5432"),
		DBName:         os.Getenv("TOKENMETER_POSTGRES_DB"),
		SSLMode:        getEnv("TOKENMETER_POSTGRES_SSLMODE", "disable"),
		RedisHost:      os.Getenv("TOKENMETER_REDIS_HOST"),
		RedisPort:      getEnv("TOKENMETER_REDIS_PORT", "6379"),
		NatsHost:       os.Getenv("TOKENMETER_NATS_HOST"),
		NatsPort:       getEnv("TOKENMETER_NATS_PORT", "4222"),
		GRPCHost:       os.Getenv("TOKENMETER_GRPC_HOST"),
		GRPCPort:       os.Getenv("TOKENMETER_GRPC_PORT"),
		GRPCListenPort: getEnv("TOKENMETER_GRPC_LISTEN_PORT", "50051"),
		BusProvider:    os.Getenv("TOKENMETER_BUS_PROVIDER"),
		WorkerProvider: os.Getenv("TOKENMETER_WORKER_PROVIDER"),
		BusBufferSize:  getEnvInt("TOKENMETER_BUS_BUFFER_SIZE", 1024),
		ApiPort:        os.Getenv("TOKENMETER_API_PORT"),
		ApiEnabled:     os.Getenv("TOKENMETER_API_ENABLED"),

		LedgerStore:        strings.ToLower(getEnv("TOKENMETER_LEDGER_STORE", "postgres")),
		CatalogFile:        os.Getenv("TOKENMETER_CATALOG_FILE"),
		FulfillmentTimeout: getEnvDuration("TOKENMETER_FULFILLMENT_TIMEOUT", 60*time.Second),

		MaxFulfillmentTimeout: getEnvDuration("TOKENMETER_MAX_FULFILLMENT_TIMEOUT", 5*time.Minute),

		Chat: ProviderConfig{
			BaseURL: os.Getenv("TOKENMETER_CHAT_BASE_URL"),
			APIKey:  os.Getenv("TOKENMETER_CHAT_API_KEY"),
			Model:   getEnv("TOKENMETER_CHAT_MODEL", "companion-chat"),
		},
		Image: ProviderConfig{
			BaseURL: os.Getenv("TOKENMETER_IMAGE_BASE_URL"),
			APIKey:  os.Getenv("TOKENMETER_IMAGE_API_KEY"),
			Model:   getEnv("TOKENMETER_IMAGE_MODEL", "companion-image"),
		},
		Speech: ProviderConfig{
			BaseURL: os.Getenv("TOKENMETER_SPEECH_BASE_URL"),
			APIKey:  os.Getenv("TOKENMETER_SPEECH_API_KEY"),
			Model:   getEnv("TOKENMETER_SPEECH_MODEL", "companion-tts"),
			Voice:   getEnv("TOKENMETER_SPEECH_VOICE", "alloy"),
		},

		SweepSchedule:  getEnv("TOKENMETER_SWEEP_SCHEDULE", "@every 1m"),
		SweepHeldAfter: getEnvDuration("TOKENMETER_SWEEP_HELD_AFTER", 10*time.Minute),
		SweepBatchSize: getEnvInt("TOKENMETER_SWEEP_BATCH_SIZE", 100),

		RateLimitRPS:   getEnvFloat("TOKENMETER_RATE_LIMIT_RPS", 5),
		RateLimitBurst: getEnvInt("TOKENMETER_RATE_LIMIT_BURST", 10),
	}

	if err := cfg.validateDatabase(); err != nil {
		return nil, err
	}

	switch cfg.LedgerStore {
	case "postgres", "memory":
	case "redis":
		if cfg.RedisHost == "" {
			return nil, fmt.Errorf("TOKENMETER_REDIS_HOST is required when TOKENMETER_LEDGER_STORE=redis")
		}
	default:
		return nil, fmt.Errorf("invalid ledger store %q, must be 'postgres', 'redis' or 'memory'", cfg.LedgerStore)
	}

	// Required: bus provider
	if cfg.BusProvider == "" {
		return nil, fmt.Errorf("missing required env: TOKENMETER_BUS_PROVIDER (nats|grpc)")
	}
	if cfg.BusProvider != "nats" && cfg.BusProvider != "grpc" {
		return nil, fmt.Errorf("invalid bus provider %q, must be 'nats' or 'grpc'", cfg.BusProvider)
	}

	// Worker provider defaults to the bus provider.
	if cfg.WorkerProvider == "" {
		cfg.WorkerProvider = cfg.BusProvider
	}
	if cfg.WorkerProvider != "nats" && cfg.WorkerProvider != "grpc" {
		return nil, fmt.Errorf("invalid worker provider %q, must be 'nats' or 'grpc'", cfg.WorkerProvider)
	}
	if cfg.BusProvider == "grpc" && (cfg.GRPCHost == "" || cfg.GRPCPort == "") {
		return nil, fmt.Errorf("missing required env for grpc bus: TOKENMETER_GRPC_HOST/PORT")
	}
	if cfg.BusProvider == "nats" && cfg.NatsHost == "" {
		return nil, fmt.Errorf("missing required env for nats bus: TOKENMETER_NATS_HOST")
	}

	if cfg.FulfillmentTimeout <= 0 {
		return nil, fmt.Errorf("TOKENMETER_FULFILLMENT_TIMEOUT must be positive")
	}
	if cfg.MaxFulfillmentTimeout < cfg.FulfillmentTimeout {
		return nil, fmt.Errorf("TOKENMETER_MAX_FULFILLMENT_TIMEOUT must not be below TOKENMETER_FULFILLMENT_TIMEOUT")
	}
	if cfg.SweepHeldAfter <= 0 || cfg.SweepBatchSize <= 0 {
		return nil, fmt.Errorf("TOKENMETER_SWEEP_HELD_AFTER and TOKENMETER_SWEEP_BATCH_SIZE must be positive")
	}

	return cfg, nil
}

// NewDatabase loads only the Postgres settings. Tools such as the migrator
// use it so they do not need the service's bus and provider settings.
func NewDatabase() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DBUser:  os.Getenv("TOKENMETER_POSTGRES_USER"),
		DBPass:  os.Getenv("TOKENMETER_POSTGRES_PASSWORD"),
		DBHost:  os.Getenv("TOKENMETER_POSTGRES_HOST"),
		DBPort:  getEnv("TOKENMETER_POSTGRES_PORT", "5432"),
		DBName:  os.Getenv("TOKENMETER_POSTGRES_DB"),
		SSLMode: getEnv("TOKENMETER_POSTGRES_SSLMODE", "disable"),
	}
	if err := cfg.validateDatabase(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validateDatabase() error {
	if c.DBUser == "" || c.DBHost == "" || c.DBName == "" {
		return fmt.Errorf("missing required env for database: TOKENMETER_POSTGRES_USER/HOST/DB")
	}
	return nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPass, c.DBHost, c.DBPort, c.DBName, c.SSLMode)
}

// RedisAddr returns "" when Redis is not configured.
func (c *Config) RedisAddr() string {
	if c.RedisHost == "" {
		return ""
	}
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// NatsAddr returns "" when NATS is not configured.
func (c *Config) NatsAddr() string {
	if c.NatsHost == "" {
		return ""
	}
	return fmt.Sprintf("nats://%s:%s", c.NatsHost, c.NatsPort)
}

func (c *Config) GRPCAddr() string {
	return fmt.Sprintf("%s:%s", c.GRPCHost, c.GRPCPort)
}

func (c *Config) GRPCListenAddr() string {
	return ":" + c.GRPCListenPort
}

// ApiAddr returns the HTTP listen address if the API is enabled.
func (c *Config) ApiAddr() (string, error) {
	if c.ApiEnabled == "true" {
		if c.ApiPort == "" {
			return "", fmt.Errorf("TOKENMETER_API_PORT is required when TOKENMETER_API_ENABLED=true")
		}
		return ":" + c.ApiPort, nil
	}
	return "", fmt.Errorf("HTTP API is disabled (TOKENMETER_API_ENABLED != true)")
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var intVal int
	if _, err := fmt.Sscanf(val, "%d", &intVal); err != nil {
		return defaultVal
	}
	return intVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var f float64
	if _, err := fmt.Sscanf(val, "%g", &f); err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}

package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service   ServiceConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Executor  ExecutorConfig
	Broker    BrokerConfig
	EventBus  EventBusConfig
	Retention RetentionConfig
	RateLimit RateLimitConfig
	Telemetry TelemetryConfig
	OpenAI    OpenAIConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host         string
	Port         int
	Database     string
	User         string
	Password     string
	SSLMode      string
	MaxConns     int
	MinConns     int
	MaxIdleTime  time.Duration
	MaxLifetime  time.Duration
	EnsureSchema bool
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// AuthConfig holds API authentication settings
type AuthConfig struct {
	// JWTSecret signs and verifies HS256 bearer tokens; the issuing
	// service is external, this side only verifies.
	JWTSecret string
	// TrustHeader accepts a bare X-User-ID header instead of a token.
	// Local development only.
	TrustHeader bool
}

// ExecutorConfig holds workflow executor settings
type ExecutorConfig struct {
	// LevelFanout caps concurrent node dispatches within one level.
	// Zero means unbounded.
	LevelFanout       int
	DefaultMaxRetries int
}

// BrokerConfig holds task broker settings
type BrokerConfig struct {
	Workers  int
	Prefetch int
	// HardTimeout is enforced by the worker context and the supervisor
	// sweep; SoftTimeout triggers the graceful abort path inside the
	// executor before the hard limit fires.
	HardTimeout        time.Duration
	SoftTimeout        time.Duration
	WorkflowRetryDelay time.Duration
	WorkflowMaxRetries int
	NodeRetryDelay     time.Duration
	NodeMaxRetries     int
	DefaultRetryDelay  time.Duration
}

// EventBusConfig holds event bus settings
type EventBusConfig struct {
	SendBuffer int
}

// RetentionConfig holds cleanup settings for old execution records
type RetentionConfig struct {
	CompletedDays  int
	FailedDays     int
	CleanupHourUTC int
}

// RateLimitConfig holds API rate limiting settings
type RateLimitConfig struct {
	Enabled bool
	Rate    int
	Burst   int
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof   bool
	PprofPort     int
	EnableMetrics bool
	MetricsPort   int
}

// OpenAIConfig holds the optional OpenAI-backed agent invoker settings
type OpenAIConfig struct {
	APIKey string
	Model  string
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
		},
		Database: DatabaseConfig{
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnvInt("DB_PORT", 5432),
			Database:     getEnv("DB_NAME", "conductor"),
			User:         getEnv("DB_USER", "conductor"),
			Password:     getEnv("DB_PASSWORD", "conductor"),
			SSLMode:      getEnv("DB_SSLMODE", "disable"),
			MaxConns:     getEnvInt("DB_MAX_CONNS", 16),
			MinConns:     getEnvInt("DB_MIN_CONNS", 2),
			MaxIdleTime:  getEnvDuration("DB_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime:  getEnvDuration("DB_MAX_LIFETIME", 1*time.Hour),
			EnsureSchema: getEnvBool("DB_ENSURE_SCHEMA", true),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 16),
		},
		Auth: AuthConfig{
			JWTSecret:   getEnv("AUTH_JWT_SECRET", ""),
			TrustHeader: getEnvBool("AUTH_TRUST_HEADER", false),
		},
		Executor: ExecutorConfig{
			LevelFanout:       getEnvInt("EXECUTOR_LEVEL_FANOUT", 0),
			DefaultMaxRetries: getEnvInt("EXECUTOR_DEFAULT_MAX_RETRIES", 3),
		},
		Broker: BrokerConfig{
			Workers:            getEnvInt("BROKER_WORKERS", runtime.NumCPU()),
			Prefetch:           getEnvInt("BROKER_PREFETCH", 1),
			HardTimeout:        getEnvDuration("BROKER_HARD_TIMEOUT", 3600*time.Second),
			SoftTimeout:        getEnvDuration("BROKER_SOFT_TIMEOUT", 3300*time.Second),
			WorkflowRetryDelay: getEnvDuration("BROKER_WORKFLOW_RETRY_DELAY", 120*time.Second),
			WorkflowMaxRetries: getEnvInt("BROKER_WORKFLOW_MAX_RETRIES", 2),
			NodeRetryDelay:     getEnvDuration("BROKER_NODE_RETRY_DELAY", 30*time.Second),
			NodeMaxRetries:     getEnvInt("BROKER_NODE_MAX_RETRIES", 3),
			DefaultRetryDelay:  getEnvDuration("BROKER_DEFAULT_RETRY_DELAY", 60*time.Second),
		},
		EventBus: EventBusConfig{
			SendBuffer: getEnvInt("EVENTBUS_SEND_BUFFER", 256),
		},
		Retention: RetentionConfig{
			CompletedDays:  getEnvInt("RETENTION_COMPLETED_DAYS", 30),
			FailedDays:     getEnvInt("RETENTION_FAILED_DAYS", 7),
			CleanupHourUTC: getEnvInt("RETENTION_CLEANUP_HOUR_UTC", 2),
		},
		RateLimit: RateLimitConfig{
			Enabled: getEnvBool("RATELIMIT_ENABLED", false),
			Rate:    getEnvInt("RATELIMIT_RATE", 20),
			Burst:   getEnvInt("RATELIMIT_BURST", 40),
		},
		Telemetry: TelemetryConfig{
			EnablePprof:   getEnvBool("ENABLE_PPROF", true),
			PprofPort:     getEnvInt("PPROF_PORT", 6060),
			EnableMetrics: getEnvBool("ENABLE_METRICS", true),
			MetricsPort:   getEnvInt("METRICS_PORT", 9091),
		},
		OpenAI: OpenAIConfig{
			APIKey: getEnv("OPENAI_API_KEY", ""),
			Model:  getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	if c.Broker.Prefetch != 1 {
		// A worker processes exactly one execution at a time so long
		// workflows cannot starve the pool.
		return fmt.Errorf("broker prefetch is fixed at 1, got %d", c.Broker.Prefetch)
	}

	if c.Broker.Workers < 1 {
		return fmt.Errorf("broker workers must be >= 1, got %d", c.Broker.Workers)
	}

	if c.Broker.SoftTimeout >= c.Broker.HardTimeout {
		return fmt.Errorf("soft timeout %s must be below hard timeout %s",
			c.Broker.SoftTimeout, c.Broker.HardTimeout)
	}

	if c.Executor.LevelFanout < 0 {
		return fmt.Errorf("level fanout must be >= 0, got %d", c.Executor.LevelFanout)
	}

	if c.Retention.CleanupHourUTC < 0 || c.Retention.CleanupHourUTC > 23 {
		return fmt.Errorf("cleanup hour must be 0..23, got %d", c.Retention.CleanupHourUTC)
	}

	if !c.Auth.TrustHeader && c.Auth.JWTSecret == "" {
		return fmt.Errorf("AUTH_JWT_SECRET is required unless AUTH_TRUST_HEADER is set")
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
		c.Database.SSLMode,
	)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

// Package config provides environment-based configuration management.
// All configuration is loaded from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Storage drivers
const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// DBConfig holds database connection parameters
type DBConfig struct {
	Driver     string // mysql | sqlite | memory
	Host       string
	Port       int
	User       string
	Password   string
	Database   string
	SQLitePath string
}

// RedisConfig holds Redis connection parameters.
// An empty Addr runs dedup, registry cache and the delivery queue in process.
type RedisConfig struct {
	Addr        string // Format: host:port
	Password    string
	DB          int
	QueuePrefix string
}

// AppConfig holds application-level configuration
type AppConfig struct {
	Port        int
	LogLevel    string // debug | info | warn | error
	LogFormat   string // text | json
	AutoMigrate bool   // apply the schema on serve/worker start
}

// FacebookConfig holds Facebook webhook configuration
type FacebookConfig struct {
	AppSecret   string // For HMAC SHA256 signature validation
	VerifyToken string // For webhook verification handshake
}

// Enabled reports whether the Messenger webhook should be mounted
func (f FacebookConfig) Enabled() bool {
	return f.AppSecret != "" || f.VerifyToken != ""
}

// DeliveryConfig tunes webhook delivery
type DeliveryConfig struct {
	Concurrency    int
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
	RatePerSecond  float64 // 0 disables pacing
	Burst          int
}

// IngestionConfig tunes the ingestion pipeline
type IngestionConfig struct {
	SendTimeout time.Duration
	DedupTTL    time.Duration
}

// RegistryConfig tunes the contact/agent registry cache
type RegistryConfig struct {
	CacheTTL time.Duration
}

// AIConfig configures the webchat auto-responder's provider.
// An empty APIKey leaves the responder without a provider.
type AIConfig struct {
	APIKey             string
	BaseURL            string
	Model              string
	SystemPrompt       string
	EscalationKeywords []string
}

// WatchdogConfig tunes the resource watchdog
type WatchdogConfig struct {
	Interval        time.Duration
	DiskPath        string
	DiskThreshold   float64
	FailedRetention time.Duration
}

// Config aggregates all configuration sections
type Config struct {
	DB         DBConfig
	Redis      RedisConfig
	App        AppConfig
	Facebook   FacebookConfig
	Delivery   DeliveryConfig
	Ingestion  IngestionConfig
	Registry   RegistryConfig
	AI         AIConfig
	Watchdog   WatchdogConfig
	MeshSecret string // Log hub authentication
}

// LoadConfig reads configuration from environment variables
// Returns error if critical variables are missing
func LoadConfig() (*Config, error) {
	cfg := &Config{}

	// Database Configuration
	cfg.DB.Driver = strings.ToLower(getEnv("DB_DRIVER", DriverMySQL))
	cfg.DB.Host = getEnv("DB_HOST", "omnigate_db")
	cfg.DB.Port = getEnvAsInt("DB_PORT", 3306)
	cfg.DB.User = getEnv("DB_USER", "root")
	cfg.DB.Password = getEnv("DB_PASS", "")
	cfg.DB.Database = getEnv("DB_NAME", "omnigate")
	cfg.DB.SQLitePath = getEnv("SQLITE_PATH", "omnigate.db")

	// Redis Configuration
	cfg.Redis.Addr = getEnv("REDIS_ADDR", "")
	cfg.Redis.Password = getEnv("REDIS_PASS", "")
	cfg.Redis.DB = getEnvAsInt("REDIS_DB", 0)
	cfg.Redis.QueuePrefix = getEnv("REDIS_QUEUE_PREFIX", "omnigate:deliveries")

	// Application Configuration
	cfg.App.Port = getEnvAsInt("APP_PORT", 8080)
	cfg.App.LogLevel = strings.ToLower(getEnv("LOG_LEVEL", "info"))
	cfg.App.LogFormat = strings.ToLower(getEnv("LOG_FORMAT", "text"))
	cfg.App.AutoMigrate = getEnvAsBool("AUTO_MIGRATE", true)

	// Facebook Configuration
	cfg.Facebook.AppSecret = getEnv("FB_APP_SECRET", "")
	cfg.Facebook.VerifyToken = getEnv("FB_VERIFY_TOKEN", "")

	// Delivery Configuration
	cfg.Delivery.Concurrency = getEnvAsInt("DELIVERY_CONCURRENCY", 4)
	cfg.Delivery.MaxAttempts = getEnvAsInt("DELIVERY_MAX_ATTEMPTS", 5)
	cfg.Delivery.BaseBackoff = getEnvAsDuration("DELIVERY_BASE_BACKOFF", time.Second)
	cfg.Delivery.MaxBackoff = getEnvAsDuration("DELIVERY_MAX_BACKOFF", 5*time.Minute)
	cfg.Delivery.AttemptTimeout = getEnvAsDuration("DELIVERY_ATTEMPT_TIMEOUT", 10*time.Second)
	cfg.Delivery.RatePerSecond = getEnvAsFloat("DELIVERY_RATE_PER_SECOND", 0)
	cfg.Delivery.Burst = getEnvAsInt("DELIVERY_BURST", 10)

	// Ingestion Configuration
	cfg.Ingestion.SendTimeout = getEnvAsDuration("CHANNEL_SEND_TIMEOUT", 15*time.Second)
	cfg.Ingestion.DedupTTL = getEnvAsDuration("DEDUP_TTL", 24*time.Hour)

	// Registry Configuration
	cfg.Registry.CacheTTL = getEnvAsDuration("REGISTRY_CACHE_TTL", 5*time.Minute)

	// AI Configuration
	cfg.AI.APIKey = getEnv("AI_API_KEY", "")
	cfg.AI.BaseURL = getEnv("AI_BASE_URL", "https://api.openai.com/v1")
	cfg.AI.Model = getEnv("AI_MODEL", "gpt-4o-mini")
	cfg.AI.SystemPrompt = getEnv("AI_SYSTEM_PROMPT", "")
	cfg.AI.EscalationKeywords = getEnvAsList("AI_ESCALATION_KEYWORDS", nil)

	// Watchdog Configuration
	cfg.Watchdog.Interval = getEnvAsDuration("WATCHDOG_INTERVAL", 10*time.Minute)
	cfg.Watchdog.DiskPath = getEnv("WATCHDOG_DISK_PATH", "/")
	cfg.Watchdog.DiskThreshold = getEnvAsFloat("WATCHDOG_DISK_THRESHOLD", 70)
	cfg.Watchdog.FailedRetention = getEnvAsDuration("WATCHDOG_FAILED_RETENTION", 7*24*time.Hour)

	cfg.MeshSecret = getEnv("MESH_SECRET", "")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required values for the selected driver and sane bounds
func (c *Config) Validate() error {
	switch c.DB.Driver {
	case DriverMySQL:
		// Validate critical DB password
		if c.DB.Password == "" {
			return fmt.Errorf("DB_PASS environment variable is required for the mysql driver")
		}
	case DriverSQLite:
		if c.DB.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH environment variable is required for the sqlite driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown DB_DRIVER %q (want mysql, sqlite or memory)", c.DB.Driver)
	}

	// The Messenger webhook needs both halves of its credentials
	if c.Facebook.Enabled() {
		if c.Facebook.AppSecret == "" {
			return fmt.Errorf("FB_APP_SECRET environment variable is required")
		}
		if c.Facebook.VerifyToken == "" {
			return fmt.Errorf("FB_VERIFY_TOKEN environment variable is required")
		}
	}

	if c.Delivery.MaxAttempts < 1 {
		return fmt.Errorf("DELIVERY_MAX_ATTEMPTS must be at least 1")
	}
	if c.Delivery.Concurrency < 1 {
		return fmt.Errorf("DELIVERY_CONCURRENCY must be at least 1")
	}
	if c.Delivery.MaxBackoff < c.Delivery.BaseBackoff {
		return fmt.Errorf("DELIVERY_MAX_BACKOFF must not be below DELIVERY_BASE_BACKOFF")
	}
	switch c.App.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown LOG_FORMAT %q (want text or json)", c.App.LogFormat)
	}
	return nil
}

// GetDSN returns MariaDB connection string.
// clientFoundRows makes UPDATE report matched rows, which the store relies on.
func (c *DBConfig) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=UTC&clientFoundRows=true",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.Database,
	)
}

// getEnv reads environment variable with fallback default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt reads environment variable as integer with fallback default
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvAsFloat reads environment variable as float with fallback default
func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvAsDuration reads a Go duration ("30s", "5m") with fallback default
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvAsBool reads environment variable as bool with fallback default
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvAsList reads a comma-separated list
func getEnvAsList(key string, defaultValue []string) []string {
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

package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	NodeID      int64

	Telemetry TelemetryConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBAutoMigrate     bool

	Redis RedisConfig

	// DefaultTimezone applies to tenants without an explicit timezone setting.
	DefaultTimezone string

	// CredentialKey is the base64 encoded 32 byte key sealing provider secrets.
	CredentialKey string

	Pipeline    PipelineConfig
	Cache       CacheConfig
	Provider    ProviderConfig
	MetricsPush MetricsPushConfig
}

// TelemetryConfig covers logs, traces and OTLP metrics.
type TelemetryConfig struct {
	LogLevel      string
	LogFormat     string
	OTelEnabled   bool
	OTLPEndpoint  string
	OTLPProtocol  string
	SamplingRatio float64
}

// Debug turns on console logs and stack traces.
func (c Config) Debug() bool {
	if c.Telemetry.LogLevel == "debug" {
		return true
	}
	switch strings.ToLower(c.Environment) {
	case "dev", "development", "local", "test":
		return true
	}
	return false
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether a Redis address is configured.
func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type PipelineConfig struct {
	Workers            int
	MaxExternalCalls   int
	MaxWrites          int
	QueueSize          int
	BatchSize          int
	MaxAttempts        int
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	LockTTL            time.Duration
	LockPollInterval   time.Duration
	QuotaDeferDelay    time.Duration
	StaleAfter         time.Duration
	HierarchyRefresh   time.Duration
	SchedulerInterval  time.Duration
	ScheduledIngestUTC int
}

type CacheConfig struct {
	Capacity       int
	StaleRateAfter time.Duration
	KeyPrefix      string
}

// MetricsPushConfig lets short-lived commands ship metrics before they exit.
type MetricsPushConfig struct {
	Exporter  string
	Endpoint  string
	AuthToken string
}

type ProviderConfig struct {
	RequestsPerSecond float64
	Burst             int
	HTTPTimeout       time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "costflow"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		NodeID:            int64(getenvInt("SNOWFLAKE_NODE_ID", 1)),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "costflow"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		DBAutoMigrate:     getenvBool("DATABASE_AUTO_MIGRATE", true),
		Telemetry: TelemetryConfig{
			LogLevel:      strings.ToLower(getenv("LOG_LEVEL", "info")),
			LogFormat:     strings.ToLower(getenv("LOG_FORMAT", "json")),
			OTelEnabled:   getenvBool("OTEL_ENABLED", true),
			OTLPEndpoint:  getenv("OTEL_EXPORTER_OTLP_ENDPOINT", getenv("OTLP_ENDPOINT", "localhost:4317")),
			OTLPProtocol:  strings.ToLower(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")),
			SamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		},
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},
		DefaultTimezone: getenv("DEFAULT_TENANT_TIMEZONE", "UTC"),
		CredentialKey:   strings.TrimSpace(getenv("CREDENTIAL_MASTER_KEY", "")),
		Pipeline: PipelineConfig{
			Workers:            getenvInt("PIPELINE_WORKERS", 4),
			MaxExternalCalls:   getenvInt("PIPELINE_MAX_EXTERNAL_CALLS", 8),
			MaxWrites:          getenvInt("PIPELINE_MAX_WRITES", 4),
			QueueSize:          getenvInt("PIPELINE_QUEUE_SIZE", 256),
			BatchSize:          getenvInt("PIPELINE_BATCH_SIZE", 500),
			MaxAttempts:        getenvInt("PIPELINE_MAX_ATTEMPTS", 3),
			BackoffInitial:     getenvDuration("PIPELINE_BACKOFF_INITIAL", 5*time.Second),
			BackoffMax:         getenvDuration("PIPELINE_BACKOFF_MAX", 5*time.Minute),
			LockTTL:            getenvDuration("PIPELINE_LOCK_TTL", 2*time.Minute),
			LockPollInterval:   getenvDuration("PIPELINE_LOCK_POLL_INTERVAL", 500*time.Millisecond),
			QuotaDeferDelay:    getenvDuration("PIPELINE_QUOTA_DEFER_DELAY", 30*time.Second),
			StaleAfter:         getenvDuration("PIPELINE_STALE_AFTER", 30*time.Minute),
			HierarchyRefresh:   getenvDuration("HIERARCHY_REFRESH_INTERVAL", 5*time.Minute),
			SchedulerInterval:  getenvDuration("SCHEDULER_INTERVAL", time.Minute),
			ScheduledIngestUTC: getenvInt("SCHEDULED_INGEST_HOUR_UTC", 2),
		},
		Cache: CacheConfig{
			Capacity:       getenvInt("AGGREGATION_CACHE_CAPACITY", 100),
			StaleRateAfter: getenvDuration("EXCHANGE_RATE_STALE_AFTER", 30*24*time.Hour),
			KeyPrefix:      getenv("AGGREGATION_CACHE_PREFIX", "costflow:agg"),
		},
		Provider: ProviderConfig{
			RequestsPerSecond: getenvFloat("PROVIDER_REQUESTS_PER_SECOND", 5),
			Burst:             getenvInt("PROVIDER_BURST", 10),
			HTTPTimeout:       getenvDuration("PROVIDER_HTTP_TIMEOUT", 30*time.Second),
		},
		MetricsPush: MetricsPushConfig{
			Exporter:  strings.TrimSpace(getenv("METRICS_PUSH_EXPORTER", "")),
			Endpoint:  strings.TrimSpace(getenv("METRICS_PUSH_ENDPOINT", "")),
			AuthToken: strings.TrimSpace(getenv("METRICS_PUSH_AUTH_TOKEN", "")),
		},
	}

	if _, err := time.LoadLocation(cfg.DefaultTimezone); err != nil {
		log.Printf("[config] invalid DEFAULT_TENANT_TIMEZONE %q, using UTC", cfg.DefaultTimezone)
		cfg.DefaultTimezone = "UTC"
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %d", key, value, def)
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %s", key, value, def)
		return def
	}
	return parsed
}

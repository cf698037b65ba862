package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Kafka      KafkaConfig
	Redis      RedisConfig
	Log        LogConfig
	Governance GovernanceConfig
	Evidence   EvidenceConfig
	Protection ProtectionConfig
	RateLimit  RateLimitConfig
	Retry      RetryConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host           string
	Port           string
	User           string
	Password       string
	DBName         string
	SSLMode        string
	MigrationsPath string
}

// KafkaConfig holds Kafka/Redpanda configuration
type KafkaConfig struct {
	Brokers        []string
	TelemetryTopic string
	RosterTopic    string
	OverridesTopic string
	ConsumerGroup  string
	Enabled        bool
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host      string
	Port      string
	Password  string
	DB        int
	KeyPrefix string
	Enabled   bool
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level  string
	Format string
}

// GovernanceConfig holds governance cycle configuration
type GovernanceConfig struct {
	// JobSecret authorizes cycle triggers and protection control. Empty means
	// those endpoints fail closed.
	JobSecret string
	// ReadSecret authorizes override reads in addition to JobSecret.
	ReadSecret       string
	SigningKey       string
	Strategies       []string
	ScheduleEnabled  bool
	MaxApplyAttempts int
}

// EvidenceConfig holds the evidence provider and gate policy configuration
type EvidenceConfig struct {
	ProviderURL            string
	MinTrades              int
	MinProfitFactor        float64
	DisableProfitFactor    float64
	MinPositiveFraction    float64
	MinWalkforwardPassRate float64
	BandThinMaxTrades      int
	BandRobustMinTrades    int
	BandRobustMinPassRate  float64
}

// ProtectionConfig holds venue and reconciler configuration
type ProtectionConfig struct {
	VenueURL          string
	VenueAPIKey       string
	Provider          string
	Workers           int
	ReconcileInterval time.Duration
	MaxRetryPasses    int
}

// RateLimitConfig holds per-client admission control configuration
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// RetryConfig holds the budget for calls to external systems
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	AttemptTimeout  time.Duration
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8082"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Host:           getEnv("DB_HOST", "postgres"),
			Port:           getEnv("DB_PORT", "5432"),
			User:           getEnv("DB_USER", "trader"),
			Password:       getEnv("DB_PASSWORD", "trader5"),
			DBName:         getEnv("DB_NAME", "trading_platform"),
			SSLMode:        getEnv("DB_SSLMODE", "disable"),
			MigrationsPath: getEnv("DB_MIGRATIONS_PATH", "file://./db/migrations"),
		},
		Kafka: KafkaConfig{
			Brokers:        parseList(getEnv("KAFKA_BROKERS", "localhost:19092")),
			TelemetryTopic: getEnv("KAFKA_TELEMETRY_TOPIC", "trading.outcomes"),
			RosterTopic:    getEnv("KAFKA_ROSTER_TOPIC", "trading.strategies"),
			OverridesTopic: getEnv("KAFKA_OVERRIDES_TOPIC", "governance.overrides"),
			ConsumerGroup:  getEnv("KAFKA_CONSUMER_GROUP", "governance-service"),
			Enabled:        getEnvBool("KAFKA_ENABLED", true),
		},
		Redis: RedisConfig{
			Host:      getEnv("REDIS_HOST", "localhost"),
			Port:      getEnv("REDIS_PORT", "6379"),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvInt("REDIS_DB", 0),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "governance:"),
			Enabled:   getEnvBool("REDIS_ENABLED", true),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Governance: GovernanceConfig{
			JobSecret:        getEnv("GOVERNANCE_JOB_SECRET", ""),
			ReadSecret:       getEnv("OVERRIDES_READ_SECRET", ""),
			SigningKey:       getEnv("OVERRIDES_SIGNING_KEY", ""),
			Strategies:       parseList(getEnv("GOVERNANCE_STRATEGIES", "")),
			ScheduleEnabled:  getEnvBool("GOVERNANCE_SCHEDULE_ENABLED", true),
			MaxApplyAttempts: getEnvInt("OVERRIDES_MAX_APPLY_ATTEMPTS", 3),
		},
		Evidence: EvidenceConfig{
			ProviderURL:            getEnv("EVIDENCE_PROVIDER_URL", "http://backtest:8090"),
			MinTrades:              getEnvInt("GATE_MIN_TRADES", 100),
			MinProfitFactor:        getEnvFloat("GATE_MIN_PROFIT_FACTOR", 1.15),
			DisableProfitFactor:    getEnvFloat("GATE_DISABLE_PROFIT_FACTOR", 1.0),
			MinPositiveFraction:    getEnvFloat("GATE_MIN_POSITIVE_FRACTION", 0.70),
			MinWalkforwardPassRate: getEnvFloat("GATE_MIN_WALKFORWARD_PASS_RATE", 0.60),
			BandThinMaxTrades:      getEnvInt("BAND_THIN_MAX_TRADES", 30),
			BandRobustMinTrades:    getEnvInt("BAND_ROBUST_MIN_TRADES", 75),
			BandRobustMinPassRate:  getEnvFloat("BAND_ROBUST_MIN_PASS_RATE", 0.50),
		},
		Protection: ProtectionConfig{
			VenueURL:          getEnv("VENUE_URL", "http://venue-adapter:8085"),
			VenueAPIKey:       getEnv("VENUE_API_KEY", ""),
			Provider:          getEnv("VENUE_PROVIDER", "venue-adapter"),
			Workers:           getEnvInt("PROTECTION_WORKERS", 8),
			ReconcileInterval: getEnvDuration("PROTECTION_RECONCILE_INTERVAL", time.Minute),
			MaxRetryPasses:    getEnvInt("PROTECTION_MAX_RETRY_PASSES", 5),
		},
		RateLimit: RateLimitConfig{
			Requests: getEnvInt("RATE_LIMIT_REQUESTS", 120),
			Window:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Retry: RetryConfig{
			MaxAttempts:     getEnvInt("RETRY_MAX_ATTEMPTS", 4),
			InitialInterval: getEnvDuration("RETRY_INITIAL_INTERVAL", 200*time.Millisecond),
			MaxInterval:     getEnvDuration("RETRY_MAX_INTERVAL", 5*time.Second),
			AttemptTimeout:  getEnvDuration("RETRY_ATTEMPT_TIMEOUT", 10*time.Second),
		},
	}
}

// ConnectionString returns the PostgreSQL connection string
func (d *DatabaseConfig) ConnectionString() string {
	return "postgres://" + d.User + ":" + d.Password + "@" + d.Host + ":" + d.Port + "/" + d.DBName + "?sslmode=" + d.SSLMode
}

// Address returns the Redis address in host:port format
func (r *RedisConfig) Address() string {
	return r.Host + ":" + r.Port
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// parseList splits a comma-separated list
func parseList(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

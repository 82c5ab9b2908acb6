package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewPolicyHolder),
)

// Config holds application configuration.
type Config struct {
	AppName       string
	AppVersion    string
	Environment   string
	HTTPAddr      string
	PublicBaseURL string
	SnowflakeNode int64

	OTLPEndpoint string

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
	DBMetrics         bool
	DBTracing         bool

	RateLimit RateLimitConfig
	Scheduler SchedulerConfig

	PolicyPath string

	// BootstrapOperatorIDs are admin ids granted the operator role at startup.
	BootstrapOperatorIDs []string
}

type RateLimitConfig struct {
	// Backend selects the request counter: "log" scans api_request_logs,
	// "redis" keeps fixed-window counters.
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	TokenEndpointRate  float64
	TokenEndpointBurst int
}

// SchedulerConfig drives the background maintenance loop.
type SchedulerConfig struct {
	Enabled                  bool
	IntervalSeconds          int
	BatchSize                int
	TokenRetentionHours      int
	RequestLogRetentionHours int
	// EnabledJobs limits the loop to the named jobs; empty runs all.
	EnabledJobs []string
}

const (
	RateLimitBackendLog   = "log"
	RateLimitBackendRedis = "redis"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	environment := getenv("ENVIRONMENT", "development")

	return Config{
		AppName:       getenv("APP_SERVICE", "obgateway"),
		AppVersion:    getenv("APP_VERSION", "0.1.0"),
		Environment:   environment,
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
		PublicBaseURL: strings.TrimRight(getenv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		SnowflakeNode: getenvInt64("SNOWFLAKE_NODE", 1),
		OTLPEndpoint:  getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "obgateway"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		DBAutoMigrate:     getenvBool("DATABASE_AUTO_MIGRATE", environment != "production"),
		DBMetrics:         getenvBool("DATABASE_METRICS", true),
		DBTracing:         getenvBool("DATABASE_TRACING", true),

		RateLimit: RateLimitConfig{
			Backend:            normalizeBackend(getenv("RATE_LIMIT_BACKEND", RateLimitBackendLog)),
			RedisAddr:          strings.TrimSpace(getenv("REDIS_ADDR", "")),
			RedisPassword:      strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			RedisDB:            getenvInt("REDIS_DB", 0),
			TokenEndpointRate:  getenvFloat("RATE_LIMIT_TOKEN_ENDPOINT_RATE", 5),
			TokenEndpointBurst: getenvInt("RATE_LIMIT_TOKEN_ENDPOINT_BURST", 20),
		},

		Scheduler: SchedulerConfig{
			Enabled:                  getenvBool("SCHEDULER_ENABLED", true),
			IntervalSeconds:          getenvInt("SCHEDULER_INTERVAL_SECONDS", 60),
			BatchSize:                getenvInt("SCHEDULER_BATCH_SIZE", 200),
			TokenRetentionHours:      getenvInt("SCHEDULER_TOKEN_RETENTION_HOURS", 24*7),
			RequestLogRetentionHours: getenvInt("SCHEDULER_REQUEST_LOG_RETENTION_HOURS", 24*30),
			EnabledJobs:              getenvList("SCHEDULER_ENABLED_JOBS"),
		},

		PolicyPath: strings.TrimSpace(getenv("OPENBANKING_POLICY_PATH", "")),

		BootstrapOperatorIDs: getenvList("ADMIN_BOOTSTRAP_OPERATOR_IDS"),
	}
}

func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

func normalizeBackend(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case RateLimitBackendRedis:
		return RateLimitBackendRedis
	default:
		return RateLimitBackendLog
	}
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
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
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

func getenvList(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

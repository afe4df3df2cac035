package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the single typed settings object populated from the environment.
type Config struct {
	AppEnv string // "production" forces fail-fast validation and JSON logging.
	Host   string
	Port   string

	LogLevel  string
	LogFormat string

	JWTSecretKey               string
	JWTAlgorithm               string
	JWTExpirationHours         int
	JWTRefreshTokenExpireDays  int

	FlowiseAPIURL string
	FlowiseAPIKey string

	MongoURL      string
	MongoDatabase string

	ExternalAuthURL      string
	AccountingServiceURL string

	ChatflowSyncCron string

	AccountingLogBufferSize int
	AccountingLogWorkers    int

	UploadMaxBytes int64

	UpstreamConnectTimeout time.Duration
	UpstreamIdleTimeout    time.Duration
	UpstreamStreamCap      time.Duration

	StreamQueueCapacity int
	StreamWaitTimeout   time.Duration

	CORSOrigin string
	Debug      bool
}

// AppConfig is the process-wide configuration, populated once by LoadConfig.
var AppConfig *Config

// LoadConfig reads .env (if present) then the process environment into AppConfig.
// In production mode, missing mandatory secrets are a fatal error; elsewhere
// they log a warning and fall back to defaults.
func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: no .env file found, relying on process environment")
	}

	cfg := &Config{
		AppEnv: getEnvOrDefault("APP_ENV", "development"),
		Host:   getEnvOrDefault("HOST", "0.0.0.0"),
		Port:   getEnvOrDefault("PORT", "8080"),

		LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),

		JWTSecretKey:              getEnvOrDefault("JWT_SECRET_KEY", ""),
		JWTAlgorithm:              getEnvOrDefault("JWT_ALGORITHM", "HS256"),
		JWTExpirationHours:        getEnvAsInt("JWT_EXPIRATION_HOURS", 1),
		JWTRefreshTokenExpireDays: getEnvAsInt("JWT_REFRESH_TOKEN_EXPIRE_DAYS", 14),

		FlowiseAPIURL: getEnvOrDefault("FLOWISE_API_URL", ""),
		FlowiseAPIKey: getEnvOrDefault("FLOWISE_API_KEY", ""),

		MongoURL:      getEnvOrDefault("MONGODB_URL", "mongodb://localhost:27017"),
		MongoDatabase: getEnvOrDefault("MONGODB_DATABASE_NAME", "flowise_proxy"),

		ExternalAuthURL:      getEnvOrDefault("EXTERNAL_AUTH_URL", ""),
		AccountingServiceURL: getEnvOrDefault("ACCOUNTING_SERVICE_URL", ""),

		ChatflowSyncCron: getEnvOrDefault("CHATFLOW_SYNC_CRON", "0 */15 * * * *"),

		AccountingLogBufferSize: getEnvAsInt("ACCOUNTING_LOG_BUFFER_SIZE", 256),
		AccountingLogWorkers:    getEnvAsInt("ACCOUNTING_LOG_WORKERS", 2),

		UploadMaxBytes: getEnvAsInt64("UPLOAD_MAX_BYTES", 25*1024*1024),

		UpstreamConnectTimeout: getEnvAsDuration("UPSTREAM_CONNECT_TIMEOUT", 30*time.Second),
		UpstreamIdleTimeout:    getEnvAsDuration("UPSTREAM_IDLE_TIMEOUT", 120*time.Second),
		UpstreamStreamCap:      getEnvAsDuration("UPSTREAM_STREAM_CAP", 10*time.Minute),

		StreamQueueCapacity: getEnvAsInt("STREAM_QUEUE_CAPACITY", 64),
		StreamWaitTimeout:   getEnvAsDuration("STREAM_WAIT_TIMEOUT", 30*time.Second),

		CORSOrigin: getEnvOrDefault("CORS_ORIGIN", "*"),
		Debug:      getEnvOrDefault("DEBUG", "false") == "true",
	}

	if cfg.JWTAlgorithm != "HS256" {
		log.Fatalf("JWT_ALGORITHM must be HS256, got %q", cfg.JWTAlgorithm)
	}

	if cfg.StreamQueueCapacity < 64 {
		log.Printf("Warning: STREAM_QUEUE_CAPACITY=%d is below the minimum of 64, raising it", cfg.StreamQueueCapacity)
		cfg.StreamQueueCapacity = 64
	}

	if cfg.AppEnv == "production" {
		if cfg.JWTSecretKey == "" {
			log.Fatal("JWT_SECRET_KEY is required in production")
		}
		if cfg.FlowiseAPIURL == "" {
			log.Fatal("FLOWISE_API_URL is required in production")
		}
		cfg.LogFormat = "json"
	} else {
		if cfg.JWTSecretKey == "" {
			log.Println("Warning: JWT_SECRET_KEY is not set, using an insecure development default")
			cfg.JWTSecretKey = "development-only-insecure-secret"
		}
		if cfg.FlowiseAPIURL == "" {
			log.Println("Warning: FLOWISE_API_URL is not set, upstream calls will fail")
		}
	}

	AppConfig = cfg
	return cfg
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as time.Duration, using default %v: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int64, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

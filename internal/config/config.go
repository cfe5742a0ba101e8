package config

import (
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
	// PublicBaseURL prefixes signing and payment links sent to clients.
	PublicBaseURL string

	AuthJWTSecret string
	AuthJWTIssuer string

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
	DBRunMigrations   bool

	SigningToken SigningTokenConfig
	Stripe       StripeConfig
	SMTP         SMTPConfig
	Storage      StorageConfig
	Redis        RedisConfig
	Scheduler    SchedulerConfig
	RateLimit    RateLimitConfig

	CronSecret string
}

// TelemetryConfig drives logging, tracing, and OTLP metrics.
type TelemetryConfig struct {
	LogLevel      string
	LogFormat     string
	OTLPEnabled   bool
	OTLPEndpoint  string
	OTLPProtocol  string
	SamplingRatio float64
}

type SigningTokenConfig struct {
	Secret            string
	TTLDays           int
	LegacyLookup      bool
	MaxSignatureBytes int64
}

type StripeConfig struct {
	SecretKey        string
	WebhookSecret    string
	APIBaseURL       string
	Currency         string
	WebhookTolerance time.Duration
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Enabled reports whether object storage is configured.
func (s StorageConfig) Enabled() bool {
	return strings.TrimSpace(s.Endpoint) != "" && strings.TrimSpace(s.Bucket) != ""
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Addr) != ""
}

// RateLimitConfig bounds anonymous traffic on the token routes, per client IP.
type RateLimitConfig struct {
	Enabled     bool
	PublicRate  float64
	PublicBurst int
}

type SchedulerConfig struct {
	Interval          time.Duration
	JobTimeout        time.Duration
	BatchSize         int
	PendingSweepAfter time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:       getenv("APP_SERVICE", "signflow"),
		AppVersion:    getenv("APP_VERSION", "0.1.0"),
		Environment:   getenv("ENVIRONMENT", getenv("DEPLOYMENT_ENV", "development")),
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
		PublicBaseURL: strings.TrimRight(getenv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		AuthJWTSecret: strings.TrimSpace(getenv("AUTH_JWT_SECRET", "")),
		AuthJWTIssuer: strings.TrimSpace(getenv("AUTH_JWT_ISSUER", "")),
		Telemetry: TelemetryConfig{
			LogLevel:      strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
			LogFormat:     strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
			OTLPEnabled:   getenvBool("OTEL_ENABLED", false),
			OTLPEndpoint:  strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")),
			OTLPProtocol:  strings.ToLower(strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))),
			SamplingRatio: getenvRatio("OTEL_SAMPLING_RATIO", 0.1),
		},

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "signflow"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		DBRunMigrations:   getenvBool("DATABASE_RUN_MIGRATIONS", true),

		SigningToken: SigningTokenConfig{
			Secret:            strings.TrimSpace(getenv("SIGNING_TOKEN_SECRET", "")),
			TTLDays:           getenvInt("SIGNING_TOKEN_TTL_DAYS", 7),
			LegacyLookup:      getenvBool("SIGNING_TOKEN_LEGACY_LOOKUP", false),
			MaxSignatureBytes: int64(getenvInt("SIGNATURE_MAX_BYTES", 2<<20)),
		},
		Stripe: StripeConfig{
			SecretKey:        strings.TrimSpace(getenv("STRIPE_SECRET_KEY", "")),
			WebhookSecret:    strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
			APIBaseURL:       strings.TrimRight(getenv("STRIPE_API_BASE_URL", "https://api.stripe.com"), "/"),
			Currency:         strings.ToLower(getenv("DEFAULT_CURRENCY", "usd")),
			WebhookTolerance: getenvDuration("STRIPE_WEBHOOK_TOLERANCE", 5*time.Minute),
		},
		SMTP: SMTPConfig{
			Host:     strings.TrimSpace(getenv("SMTP_HOST", "")),
			Port:     getenvInt("SMTP_PORT", 587),
			Username: getenv("SMTP_USERNAME", ""),
			Password: getenv("SMTP_PASSWORD", ""),
			From:     getenv("SMTP_FROM", "no-reply@signflow.local"),
		},
		Storage: StorageConfig{
			Endpoint:  strings.TrimSpace(getenv("STORAGE_ENDPOINT", "")),
			AccessKey: getenv("STORAGE_ACCESS_KEY", ""),
			SecretKey: getenv("STORAGE_SECRET_KEY", ""),
			Bucket:    strings.TrimSpace(getenv("STORAGE_BUCKET", "")),
			UseSSL:    getenvBool("STORAGE_USE_SSL", true),
		},
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},
		Scheduler: SchedulerConfig{
			Interval:          getenvDuration("SCHEDULER_INTERVAL", 15*time.Minute),
			JobTimeout:        getenvDuration("SCHEDULER_JOB_TIMEOUT", 2*time.Minute),
			BatchSize:         getenvInt("SCHEDULER_BATCH_SIZE", 50),
			PendingSweepAfter: getenvDuration("SCHEDULER_PENDING_SWEEP_AFTER", 30*time.Minute),
		},
		RateLimit: RateLimitConfig{
			Enabled:     getenvBool("RATE_LIMIT_ENABLED", true),
			PublicRate:  getenvFloat("RATE_LIMIT_PUBLIC_RATE", 2),
			PublicBurst: getenvInt("RATE_LIMIT_PUBLIC_BURST", 20),
		},
		CronSecret: strings.TrimSpace(getenv("CRON_SECRET", "")),
	}

	return cfg
}

// IsProduction reports whether strict defaults apply.
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
	if err != nil || parsed <= 0 {
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
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

// getenvRatio accepts values in [0, 1].
func getenvRatio(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed < 0 || parsed > 1 {
		return def
	}
	return parsed
}

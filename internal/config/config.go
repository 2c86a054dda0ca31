package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

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
	RunMigrations     bool

	// SchedulerJobs limits which sweeps run. Empty runs all of them.
	SchedulerJobs []string

	Redis RedisConfig
	Blob  BlobConfig
	Queue QueueConfig

	Receipt ReceiptConfig
}

// TelemetryConfig feeds logging, tracing and metrics exporters.
type TelemetryConfig struct {
	LogLevel      string
	LogFormat     string
	OtelEnabled   bool
	OtlpEndpoint  string
	OtlpProtocol  string
	SamplingRatio float64
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type BlobConfig struct {
	Root    string
	BaseURL string
}

const (
	QueueDriverRedis  = "redis"
	QueueDriverOutbox = "outbox"
)

type QueueConfig struct {
	Driver             string
	NotificationStream string
	GenerationStream   string
}

// ReceiptConfig controls event validation and receipt content.
type ReceiptConfig struct {
	ValidOrigins                   []string
	UnwantedRemittanceDescriptions []string
	BlobNamePrefix                 string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "receiptflow"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		Telemetry: TelemetryConfig{
			LogLevel:      strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
			LogFormat:     strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
			OtelEnabled:   getenvBool("OTEL_ENABLED", false),
			OtlpEndpoint:  strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")),
			OtlpProtocol:  otlpProtocol(),
			SamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		},

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "receipts"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		RunMigrations:     getenvBool("DATABASE_RUN_MIGRATIONS", true),
		SchedulerJobs:     parseList(getenv("SCHEDULER_JOBS", "")),

		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},
		Blob: BlobConfig{
			Root:    getenv("BLOB_ROOT", "./data/receipts"),
			BaseURL: strings.TrimRight(getenv("BLOB_BASE_URL", "http://localhost:8080/blobs"), "/"),
		},
		Queue: QueueConfig{
			Driver:             normalizeQueueDriver(getenv("QUEUE_DRIVER", QueueDriverOutbox)),
			NotificationStream: getenv("QUEUE_NOTIFICATION_STREAM", "receipt-notifications"),
			GenerationStream:   getenv("QUEUE_GENERATION_STREAM", "receipt-generation"),
		},
		Receipt: ReceiptConfig{
			ValidOrigins:                   parseList(getenv("RECEIPT_VALID_ORIGINS", "IO,CHECKOUT,WISP")),
			UnwantedRemittanceDescriptions: parseList(getenv("RECEIPT_UNWANTED_REMITTANCE_DESCRIPTIONS", "pagamento multibeneficiario")),
			BlobNamePrefix:                 getenv("RECEIPT_BLOB_NAME_PREFIX", "pagopa-ricevuta"),
		},
	}

	return cfg
}

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewRecoveryConfigHolder),
)

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func normalizeQueueDriver(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case QueueDriverRedis:
		return QueueDriverRedis
	default:
		return QueueDriverOutbox
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

// otlpProtocol prefers the traces specific override.
func otlpProtocol() string {
	if traces := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL")); traces != "" {
		return strings.ToLower(traces)
	}
	return strings.ToLower(strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")))
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

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

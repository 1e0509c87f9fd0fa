package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration
type Config struct {
	// Database; empty runs against the in-memory gateway
	DatabaseURL string
	OrgID       string

	// Server
	ServerPort     string
	RequestTimeout time.Duration

	// Device
	TechID       string
	TruckID      string
	OutboxPath   string
	WorkflowsDir string

	// Offline queue
	OutboxMaxAttempts         int
	ConnectivityProbeInterval time.Duration

	// Redis catalog cache; empty uses the in-process cache
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Object storage: "minio" or "s3"
	ObjectStore string
	AWSRegion   string
	S3Bucket    string

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	LogMode string

	// Tracing
	OTelEnabled     bool
	OTelEndpoint    string
	OTelInsecure    bool
	OTelSampleRatio float64
}

// Load loads configuration from environment variables, after overlaying .env if present
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		OrgID:          getEnv("ORG_ID", "default"),
		ServerPort:     getEnv("SERVER_PORT", "8080"),
		RequestTimeout: getDuration("REQUEST_TIMEOUT", 20*time.Second),

		TechID:       getEnv("TECH_ID", ""),
		TruckID:      getEnv("TRUCK_ID", ""),
		OutboxPath:   getEnv("OUTBOX_PATH", "fieldops-outbox.db"),
		WorkflowsDir: getEnv("WORKFLOWS_DIR", ""),

		OutboxMaxAttempts:         getInt("OUTBOX_MAX_ATTEMPTS", 5),
		ConnectivityProbeInterval: getDuration("CONNECTIVITY_PROBE_INTERVAL", 15*time.Second),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),

		ObjectStore: strings.ToLower(getEnv("OBJECT_STORE", "minio")),
		AWSRegion:   getEnv("AWS_REGION", "us-east-1"),
		S3Bucket:    getEnv("S3_BUCKET", ""),

		MinioEndpoint:  getEnv("MINIO_ENDPOINT", ""),
		MinioAccessKey: getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getEnv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getEnv("MINIO_BUCKET", "fieldops"),
		MinioUseSSL:    getBool("MINIO_USE_SSL", false),

		LogMode: getEnv("LOG_MODE", "development"),

		OTelEnabled:     getBool("OTEL_ENABLED", false),
		OTelEndpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTelInsecure:    getBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		OTelSampleRatio: getFloat("OTEL_SAMPLER_RATIO", 0.1),
	}
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return n
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if b, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return b
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) float64 {
	if f, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return f
	}
	return defaultValue
}

// getDuration accepts Go durations ("30s") or a bare number of seconds.
func getDuration(key string, defaultValue time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return time.Duration(n) * time.Second
	}
	return defaultValue
}

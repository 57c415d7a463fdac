package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv string
	Port   string

	StoreBackend  string
	DatabaseURL   string
	MongoURI      string
	MongoDatabase string

	QueueBackend           string
	NATSURL                string
	NATSStream             string
	RedisAddr              string
	RedisPassword          string
	QueueVisibilityTimeout time.Duration
	QueuePollInterval      time.Duration

	WorkerConcurrency int
	JobTimeout        time.Duration
	WebhookTimeout    time.Duration

	GradioToken           string
	GradioTimeout         time.Duration
	MeasurementSpace      string
	AvatarSpace           string
	GarmentSpace          string
	InferenceMaxImageSide int

	StorageBackend   string
	StoragePath      string
	StorageBaseURL   string
	S3Bucket         string
	S3Region         string
	S3Endpoint       string
	S3PublicBaseURL  string
	S3AccessKeyID    string
	S3SecretKey      string
	S3UsePathStyle   bool
	ImageTokenPrice  int64
	VideoTokenPrice  int64
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
	CORSOrigins      []string
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv: getEnv("APP_ENV", "development"),
		Port:   getEnv("PORT", "8080"),

		StoreBackend:  strings.ToLower(getEnv("STORE_BACKEND", "postgres")),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		MongoURI:      getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase: getEnv("MONGO_DATABASE", "fitpipe"),

		QueueBackend:           strings.ToLower(getEnv("QUEUE_BACKEND", "postgres")),
		NATSURL:                getEnv("NATS_URL", "nats://127.0.0.1:4222"),
		NATSStream:             getEnv("NATS_STREAM", "FITPIPE_JOBS"),
		RedisAddr:              getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		QueueVisibilityTimeout: getEnvDuration("QUEUE_VISIBILITY_TIMEOUT", 10*time.Minute),
		QueuePollInterval:      getEnvDuration("QUEUE_POLL_INTERVAL", 2*time.Second),

		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 4),
		JobTimeout:        getEnvDuration("JOB_TIMEOUT", 5*time.Minute),
		WebhookTimeout:    getEnvDuration("WEBHOOK_TIMEOUT", 10*time.Second),

		GradioToken:           os.Getenv("GRADIO_TOKEN"),
		GradioTimeout:         getEnvDuration("GRADIO_TIMEOUT", 3*time.Minute),
		MeasurementSpace:      os.Getenv("GRADIO_MEASUREMENT_SPACE"),
		AvatarSpace:           os.Getenv("GRADIO_AVATAR_SPACE"),
		GarmentSpace:          os.Getenv("GRADIO_GARMENT_SPACE"),
		InferenceMaxImageSide: getEnvInt("INFERENCE_MAX_IMAGE_SIDE", 1536),

		StorageBackend:   strings.ToLower(getEnv("STORAGE_BACKEND", "filesystem")),
		StoragePath:      getEnv("STORAGE_PATH", "./storage"),
		StorageBaseURL:   os.Getenv("STORAGE_BASE_URL"),
		S3Bucket:         os.Getenv("S3_BUCKET"),
		S3Region:         getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:       os.Getenv("S3_ENDPOINT"),
		S3PublicBaseURL:  os.Getenv("S3_PUBLIC_BASE_URL"),
		S3AccessKeyID:    os.Getenv("S3_ACCESS_KEY_ID"),
		S3SecretKey:      os.Getenv("S3_SECRET_ACCESS_KEY"),
		S3UsePathStyle:   getEnvBool("S3_USE_PATH_STYLE", false),
		ImageTokenPrice:  int64(getEnvInt("IMAGE_TOKEN_PRICE", 1)),
		VideoTokenPrice:  int64(getEnvInt("VIDEO_TOKEN_PRICE", 5)),
		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 120),
		CORSOrigins:      splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
	}

	if cfg.StorageBaseURL == "" {
		cfg.StorageBaseURL = fmt.Sprintf("http://localhost:%s/tmp", cfg.Port)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreBackend {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for STORE_BACKEND=postgres")
		}
	case "mongo", "memory":
	default:
		return fmt.Errorf("STORE_BACKEND must be one of postgres, mongo, memory")
	}
	switch c.QueueBackend {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for QUEUE_BACKEND=postgres")
		}
	case "memory", "nats", "redis":
	default:
		return fmt.Errorf("QUEUE_BACKEND must be one of memory, postgres, nats, redis")
	}
	// The memory store and its credit ledger are process-local, so a separate
	// worker process reading a broker queue would never see them.
	if c.StoreBackend == "memory" && c.QueueBackend != "memory" {
		return fmt.Errorf("STORE_BACKEND=memory requires QUEUE_BACKEND=memory")
	}
	switch c.StorageBackend {
	case "filesystem":
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required for STORAGE_BACKEND=s3")
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be one of filesystem, s3")
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive")
	}
	if c.ImageTokenPrice < 0 || c.VideoTokenPrice < 0 {
		return fmt.Errorf("token prices must not be negative")
	}
	if err := CheckLease(c.QueueVisibilityTimeout, c.JobTimeout, c.WebhookTimeout); err != nil {
		return fmt.Errorf("QUEUE_VISIBILITY_TIMEOUT: %w", err)
	}
	return nil
}

// LeaseMargin is the slack a delivery lease keeps beyond the longest job run
// plus its webhook, covering store writes and the ack.
const LeaseMargin = 30 * time.Second

// CheckLease rejects a visibility timeout that could expire while a job is
// still running, which would hand the job to a second worker.
func CheckLease(visibility, jobTimeout, webhookTimeout time.Duration) error {
	if need := jobTimeout + webhookTimeout + LeaseMargin; visibility <= need {
		return fmt.Errorf("visibility timeout %s must exceed job timeout %s + webhook timeout %s + %s", visibility, jobTimeout, webhookTimeout, LeaseMargin)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

package infra

import (
	"testing"
	"time"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("STORE_BACKEND", "")
	t.Setenv("QUEUE_BACKEND", "")
	t.Setenv("STORAGE_BACKEND", "")
	t.Setenv("PORT", "")
	t.Setenv("STORAGE_BASE_URL", "")
	t.Setenv("QUEUE_VISIBILITY_TIMEOUT", "")
	t.Setenv("JOB_TIMEOUT", "")
	t.Setenv("WEBHOOK_TIMEOUT", "")
}

func TestLoadConfigDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.StoreBackend != "postgres" || cfg.QueueBackend != "postgres" {
		t.Fatalf("backends = %s/%s, want postgres/postgres", cfg.StoreBackend, cfg.QueueBackend)
	}
	if cfg.StorageBaseURL != "http://localhost:8080/tmp" {
		t.Fatalf("StorageBaseURL mismatch: got %q", cfg.StorageBaseURL)
	}
	if cfg.QueueVisibilityTimeout != 10*time.Minute {
		t.Fatalf("QueueVisibilityTimeout = %s, want 10m", cfg.QueueVisibilityTimeout)
	}
	if cfg.ImageTokenPrice != 1 || cfg.VideoTokenPrice != 5 {
		t.Fatalf("token prices = %d/%d, want 1/5", cfg.ImageTokenPrice, cfg.VideoTokenPrice)
	}
}

func TestLoadConfigInheritsPortInStorageBaseURL(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("PORT", "1919")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.StorageBaseURL != "http://localhost:1919/tmp" {
		t.Fatalf("StorageBaseURL mismatch: got %q", cfg.StorageBaseURL)
	}
}

func TestLoadConfigRequiresDatabaseForPostgres(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("DATABASE_URL", "")

	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error when DATABASE_URL is missing")
	}
}

func TestLoadConfigMemoryBackendsNeedNoDatabase(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("DATABASE_URL", "")
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("QUEUE_BACKEND", "MEMORY")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.QueueBackend != "memory" {
		t.Fatalf("QueueBackend = %q, want memory", cfg.QueueBackend)
	}
}

func TestLoadConfigRejectsUnknownQueue(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("QUEUE_BACKEND", "kafka")

	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error for unknown QUEUE_BACKEND")
	}
}

func TestLoadConfigS3RequiresBucket(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("STORAGE_BACKEND", "s3")
	t.Setenv("S3_BUCKET", "")

	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error when S3_BUCKET is missing")
	}
}

func TestLoadConfigParsesDurationsAndOrigins(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("JOB_TIMEOUT", "90s")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com ,")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.JobTimeout != 90*time.Second {
		t.Fatalf("JobTimeout = %s, want 90s", cfg.JobTimeout)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example.com" {
		t.Fatalf("CORSOrigins mismatch: %#v", cfg.CORSOrigins)
	}
}

func TestLoadConfigRejectsLeaseShorterThanJob(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("JOB_TIMEOUT", "5m")
	t.Setenv("WEBHOOK_TIMEOUT", "10s")
	t.Setenv("QUEUE_VISIBILITY_TIMEOUT", "5m20s")

	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error when the visibility timeout does not cover a job run")
	}

	t.Setenv("QUEUE_VISIBILITY_TIMEOUT", "6m")
	if _, err := LoadConfig(); err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
}

func TestCheckLease(t *testing.T) {
	if err := CheckLease(time.Minute, 20*time.Second, 10*time.Second); err == nil {
		t.Fatal("expected error: 60s does not exceed 20s+10s+30s")
	}
	if err := CheckLease(61*time.Second, 20*time.Second, 10*time.Second); err != nil {
		t.Fatalf("CheckLease returned error: %v", err)
	}
}

func TestLoadConfigRejectsMemoryStoreWithBrokerQueue(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("QUEUE_BACKEND", "redis")

	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error for a process-local store behind a shared queue")
	}
}

func TestLoadConfigMongoStoreNeedsNoDatabase(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("DATABASE_URL", "")
	t.Setenv("STORE_BACKEND", "mongo")
	t.Setenv("QUEUE_BACKEND", "nats")

	if _, err := LoadConfig(); err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
}

package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	if cfg.WorkerCount != 3 {
		t.Fatalf("expected 3 workers, got %d", cfg.WorkerCount)
	}
	if cfg.MaxAttempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", cfg.MaxAttempts)
	}
	if cfg.BackoffDelay != time.Second {
		t.Fatalf("expected 1s backoff, got %s", cfg.BackoffDelay)
	}
	if cfg.JobTimeout != 0 {
		t.Fatalf("expected job timeout disabled, got %s", cfg.JobTimeout)
	}
	if cfg.MaxWidth != 1024 || cfg.MaxHeight != 768 || cfg.MaxDuration != 10*time.Second {
		t.Fatalf("unexpected limits: %dx%d %s", cfg.MaxWidth, cfg.MaxHeight, cfg.MaxDuration)
	}
	if !cfg.RunsWorker() || !cfg.RunsAPI() {
		t.Fatal("default mode should run both worker and api")
	}
	if cfg.UploadDir != "/app/uploads" || cfg.OutputDir != "/app/output" {
		t.Fatalf("unexpected artifact roots: %s %s", cfg.UploadDir, cfg.OutputDir)
	}
}

func TestLoad_PrefixAppliesToRedisKeys(t *testing.T) {
	t.Setenv("REDIS_PREFIX", "staging:")

	cfg := Load()

	for _, key := range []string{cfg.PendingQueue, cfg.ProcessingQueue, cfg.DelayedQueue, cfg.FailedQueue, cfg.LeaseKey, cfg.NotifyChannel} {
		if !strings.HasPrefix(key, "staging:") {
			t.Fatalf("expected prefixed key, got %q", key)
		}
	}
}

func TestLoad_DurationAcceptsBareSeconds(t *testing.T) {
	t.Setenv("CONVERSION_TIMEOUT", "90")
	t.Setenv("CONVERSION_BACKOFF_DELAY", "250ms")

	cfg := Load()

	if cfg.JobTimeout != 90*time.Second {
		t.Fatalf("expected 90s, got %s", cfg.JobTimeout)
	}
	if cfg.BackoffDelay != 250*time.Millisecond {
		t.Fatalf("expected 250ms, got %s", cfg.BackoffDelay)
	}
}

func TestLoad_WorkerCountFallsBackToLegacyVar(t *testing.T) {
	t.Setenv("CONVERSION_WORKER_COUNT", "7")

	cfg := Load()
	if cfg.WorkerCount != 7 {
		t.Fatalf("expected 7 workers, got %d", cfg.WorkerCount)
	}

	t.Setenv("MAX_CONCURRENT_JOBS", "2")
	cfg = Load()
	if cfg.WorkerCount != 2 {
		t.Fatalf("expected primary var to win, got %d", cfg.WorkerCount)
	}
}

func TestLoad_DatabaseURLWithPassword(t *testing.T) {
	t.Setenv("DB_PASSWORD", "p@ss word")
	t.Setenv("DB_HOST", "db")

	cfg := Load()
	if !strings.Contains(cfg.DatabaseURL, "host=db") || !strings.Contains(cfg.DatabaseURL, "password=p@ss word") {
		t.Fatalf("unexpected dsn: %s", cfg.DatabaseURL)
	}
}

func TestConfig_ModeSelection(t *testing.T) {
	t.Setenv("MODE", "Worker")

	cfg := Load()
	if !cfg.RunsWorker() || cfg.RunsAPI() {
		t.Fatalf("worker mode should run only the pool: %+v", cfg.Mode)
	}
}

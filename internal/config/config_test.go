package config

import (
	"strings"
	"testing"
)

func TestLoadRequiresQueueURL(t *testing.T) {
	t.Setenv("QUEUE_REDIS_URL", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when QUEUE_REDIS_URL is missing")
	}
	if !strings.Contains(err.Error(), "QUEUE_REDIS_URL") {
		t.Fatalf("error does not mention QUEUE_REDIS_URL: %v", err)
	}
}

func TestLoadRejectsPartialQueueURL(t *testing.T) {
	// ホスト断片だけの指定は完全なURLではないので起動を拒否する
	t.Setenv("QUEUE_REDIS_URL", "localhost:6379")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for partial queue url")
	}
}

func TestLoadRejectsWrongScheme(t *testing.T) {
	t.Setenv("QUEUE_REDIS_URL", "http://127.0.0.1:6379")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-redis scheme")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.WorkerConcurrency != 3 {
		t.Fatalf("WorkerConcurrency = %d, want 3", cfg.WorkerConcurrency)
	}
	if cfg.Port != "8080" {
		t.Fatalf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.JobExpireMinutes != 60 {
		t.Fatalf("JobExpireMinutes = %d, want 60", cfg.JobExpireMinutes)
	}
}

func TestValidateRejectsNonPositiveConcurrency(t *testing.T) {
	cfg := &Config{
		QueueRedisURL:     "redis://127.0.0.1:6379/0",
		WorkerConcurrency: 0,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero concurrency")
	}
}

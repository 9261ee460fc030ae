package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.KeyPrefix != "prototype:" || cfg.QueueName != "pending" {
		t.Fatalf("unexpected key layout %q %q", cfg.KeyPrefix, cfg.QueueName)
	}
	if cfg.RetentionWindow != 30*24*time.Hour {
		t.Fatalf("expected 30 day retention, got %s", cfg.RetentionWindow)
	}
	if cfg.MaxRetries != 3 || cfg.RetryDelay != time.Minute {
		t.Fatalf("unexpected retry defaults %d %s", cfg.MaxRetries, cfg.RetryDelay)
	}
	if cfg.JobTimeout != 0 {
		t.Fatalf("job timeout should be disabled by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MAX_RETRIES", "5")
	t.Setenv("RETRY_DELAY", "15")
	t.Setenv("RETENTION_WINDOW", "2h")
	t.Setenv("ARTIFACT_S3_PATH_STYLE", "true")
	t.Setenv("RATE_LIMIT_REFILL_PER_SEC", "1.5")

	cfg := Load()
	if cfg.MaxRetries != 5 {
		t.Fatalf("max retries: got %d", cfg.MaxRetries)
	}
	if cfg.RetryDelay != 15*time.Second {
		t.Fatalf("bare seconds should parse, got %s", cfg.RetryDelay)
	}
	if cfg.RetentionWindow != 2*time.Hour {
		t.Fatalf("retention: got %s", cfg.RetentionWindow)
	}
	if !cfg.ArtifactS3PathStyle || cfg.RateLimitRefill != 1.5 {
		t.Fatalf("unexpected s3/ratelimit overrides %+v", cfg)
	}
}

func TestLoadIgnoresGarbage(t *testing.T) {
	t.Setenv("MAX_RETRIES", "lots")
	t.Setenv("DEQUEUE_TIMEOUT", "soon")

	cfg := Load()
	if cfg.MaxRetries != 3 || cfg.DequeueTimeout != 10*time.Second {
		t.Fatalf("garbage values should fall back to defaults, got %d %s", cfg.MaxRetries, cfg.DequeueTimeout)
	}
}

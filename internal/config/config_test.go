package config

import (
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("JWT_SECRET", "s3cret")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("listen addr = %q", cfg.ListenAddr)
	}
	if cfg.TimeControl != 10*time.Minute || cfg.AbandonGrace != 60*time.Second {
		t.Fatalf("durations = %v / %v", cfg.TimeControl, cfg.AbandonGrace)
	}
	if cfg.MaxConcurrentGames != 500 {
		t.Fatalf("max games = %d", cfg.MaxConcurrentGames)
	}
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("LISTEN_ADDR", ":9000")
	t.Setenv("TIME_CONTROL", "3m")
	t.Setenv("ABANDON_GRACE", "15s")
	t.Setenv("MAX_CONCURRENT_GAMES", "42")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9000" || cfg.TimeControl != 3*time.Minute || cfg.AbandonGrace != 15*time.Second || cfg.MaxConcurrentGames != 42 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestLoadRequiresRedisAndSecret(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	t.Setenv("JWT_SECRET", "s3cret")
	if _, err := Load(); err == nil {
		t.Fatalf("missing REDIS_URL must fail")
	}

	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("JWT_SECRET", "")
	if _, err := Load(); err == nil {
		t.Fatalf("missing JWT_SECRET must fail")
	}
}

func TestLoadRejectsBadDurations(t *testing.T) {
	setRequired(t)
	t.Setenv("TIME_CONTROL", "fast")
	if _, err := Load(); err == nil {
		t.Fatalf("bad TIME_CONTROL must fail")
	}
	t.Setenv("TIME_CONTROL", "-1m")
	if _, err := Load(); err == nil {
		t.Fatalf("negative TIME_CONTROL must fail")
	}
}

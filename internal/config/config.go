package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type AppConfig struct {
	ListenAddr  string
	MetricsAddr string

	RedisURL    string
	DatabaseURL string

	JWTSecret string

	// Per-side time budget for a game.
	TimeControl time.Duration
	// How long a disconnected player may stay away before the game
	// is scored as abandoned.
	AbandonGrace time.Duration

	// Optional directory of YAML overrides for user-facing messages.
	MessageDir string

	MaxConcurrentGames int
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		ListenAddr:         ":8080",
		TimeControl:        10 * time.Minute,
		AbandonGrace:       60 * time.Second,
		MaxConcurrentGames: 500,
	}

	if v := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	cfg.MetricsAddr = strings.TrimSpace(os.Getenv("METRICS_ADDR"))

	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.JWTSecret = strings.TrimSpace(os.Getenv("JWT_SECRET"))
	cfg.MessageDir = strings.TrimSpace(os.Getenv("MESSAGE_DIR"))

	if v := strings.TrimSpace(os.Getenv("TIME_CONTROL")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, errors.New("TIME_CONTROL must be a positive duration")
		}
		cfg.TimeControl = d
	}
	if v := strings.TrimSpace(os.Getenv("ABANDON_GRACE")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, errors.New("ABANDON_GRACE must be a positive duration")
		}
		cfg.AbandonGrace = d
	}
	if v := strings.TrimSpace(os.Getenv("MAX_CONCURRENT_GAMES")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrentGames = n
		}
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}

	return cfg, nil
}

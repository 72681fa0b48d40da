// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds the application configuration.
type Config struct {
	DatabasePath     string
	LogLevel         string
	HTTPAddr         string
	TelegramBotToken string

	DispatchTickSeconds    int
	DispatchMaxAttempts    int
	DispatchTimeoutSeconds int
	DispatchRatePerSec     int

	RescheduleSpacingSeconds int
	RetentionDays            int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		DatabasePath:             envOrDefault("DATABASE_PATH", "./data/vaultstream.db"),
		LogLevel:                 envOrDefault("LOG_LEVEL", "info"),
		HTTPAddr:                 envOrDefault("HTTP_ADDR", ":8080"),
		TelegramBotToken:         os.Getenv("TELEGRAM_BOT_TOKEN"),
		DispatchTickSeconds:      5,
		DispatchMaxAttempts:      5,
		DispatchTimeoutSeconds:   15,
		DispatchRatePerSec:       20,
		RescheduleSpacingSeconds: 2,
		RetentionDays:            30,
	}

	var err error
	if cfg.DispatchTickSeconds, err = envInt("DISPATCH_TICK_SECONDS", cfg.DispatchTickSeconds, 1, 3600); err != nil {
		return nil, err
	}
	if cfg.DispatchMaxAttempts, err = envInt("DISPATCH_MAX_ATTEMPTS", cfg.DispatchMaxAttempts, 1, 100); err != nil {
		return nil, err
	}
	if cfg.DispatchTimeoutSeconds, err = envInt("DISPATCH_TIMEOUT_SECONDS", cfg.DispatchTimeoutSeconds, 1, 300); err != nil {
		return nil, err
	}
	if cfg.DispatchRatePerSec, err = envInt("DISPATCH_RATE_PER_SEC", cfg.DispatchRatePerSec, 0, 1000); err != nil {
		return nil, err
	}
	if cfg.RescheduleSpacingSeconds, err = envInt("RESCHEDULE_SPACING_SECONDS", cfg.RescheduleSpacingSeconds, 1, 3600); err != nil {
		return nil, err
	}
	if cfg.RetentionDays, err = envInt("RETENTION_DAYS", cfg.RetentionDays, 1, 3650); err != nil {
		return nil, err
	}

	return cfg, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def, min, max int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if v < min || v > max {
		return 0, fmt.Errorf("%s must be between %d and %d", key, min, max)
	}
	return v, nil
}

// Copyright 2025 IntelliPM
// SPDX-License-Identifier: BUSL-1.1

package governance

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the engine's runtime configuration. Values come from an
// optional YAML file, with environment variables taking precedence so
// deployments can override per instance.
type Config struct {
	Port        string `yaml:"port"`
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`
	JWTSecret   string `yaml:"jwt_secret"`

	// SweepSchedule is a cron expression for expiring overdue pending
	// decisions. The default runs every minute.
	SweepSchedule string `yaml:"sweep_schedule"`

	// ExecutionWebhookURL, when set, receives approved decisions for
	// execution. Without it decisions are marked applied directly.
	ExecutionWebhookURL string `yaml:"execution_webhook_url"`

	// ShutdownGrace bounds how long in-flight requests get to finish.
	ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds"`

	// CORSOrigins restricts browser access; "*" during development.
	CORSOrigins []string `yaml:"cors_origins"`
}

// DefaultConfig returns the configuration used when no file and no
// environment overrides are present.
func DefaultConfig() Config {
	return Config{
		Port:                 "8084",
		SweepSchedule:        "* * * * *",
		ShutdownGraceSeconds: 15,
		CORSOrigins:          []string{"*"},
	}
}

// LoadConfig reads the YAML file at path (if non-empty and present),
// then applies environment overrides, then validates.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.JWTSecret = v
	}
	if v := os.Getenv("SWEEP_SCHEDULE"); v != "" {
		c.SweepSchedule = v
	}
	if v := os.Getenv("EXECUTION_WEBHOOK_URL"); v != "" {
		c.ExecutionWebhookURL = v
	}
}

func (c *Config) validate() error {
	if c.Port == "" {
		return fmt.Errorf("port must not be empty")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required (set DATABASE_URL)")
	}
	if c.ShutdownGraceSeconds <= 0 {
		c.ShutdownGraceSeconds = 15
	}
	if len(c.CORSOrigins) == 0 {
		c.CORSOrigins = []string{"*"}
	}
	return nil
}

// ShutdownGrace returns the grace period as a duration.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

// Copyright 2025 IntelliPM
// SPDX-License-Identifier: BUSL-1.1

package governance

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/governance")
	t.Setenv("PORT", "")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Port != "8084" {
		t.Errorf("Port = %q, want 8084", cfg.Port)
	}
	if cfg.SweepSchedule != "* * * * *" {
		t.Errorf("SweepSchedule = %q", cfg.SweepSchedule)
	}
	if cfg.ShutdownGrace() != 15*time.Second {
		t.Errorf("ShutdownGrace() = %v, want 15s", cfg.ShutdownGrace())
	}
}

func TestLoadConfigMissingDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	if _, err := LoadConfig(""); err == nil {
		t.Error("LoadConfig() without DATABASE_URL = nil, want error")
	}
}

func TestLoadConfigFile(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PORT", "")

	path := filepath.Join(t.TempDir(), "governance.yaml")
	content := `
port: "9090"
database_url: "postgres://db.internal/governance"
redis_url: "redis://cache.internal:6379"
sweep_schedule: "*/5 * * * *"
shutdown_grace_seconds: 30
cors_origins:
  - "https://app.intellipm.io"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Port != "9090" {
		t.Errorf("Port = %q, want 9090", cfg.Port)
	}
	if cfg.DatabaseURL != "postgres://db.internal/governance" {
		t.Errorf("DatabaseURL = %q", cfg.DatabaseURL)
	}
	if cfg.SweepSchedule != "*/5 * * * *" {
		t.Errorf("SweepSchedule = %q", cfg.SweepSchedule)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "https://app.intellipm.io" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "governance.yaml")
	content := "port: \"9090\"\ndatabase_url: \"postgres://file/db\"\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	t.Setenv("PORT", "7070")
	t.Setenv("DATABASE_URL", "postgres://env/db")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Port != "7070" {
		t.Errorf("Port = %q, environment must win over the file", cfg.Port)
	}
	if cfg.DatabaseURL != "postgres://env/db" {
		t.Errorf("DatabaseURL = %q, environment must win over the file", cfg.DatabaseURL)
	}
}

func TestLoadConfigMissingFileIgnored(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/governance")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Port != "8084" {
		t.Errorf("Port = %q, want default", cfg.Port)
	}
}
